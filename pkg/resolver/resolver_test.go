package resolver

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mtandao/hotspot/pkg/store"
)

const testMAC = "AA:BB:CC:DD:EE:01"

func newTestResolver(t *testing.T) (*Resolver, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:resolver-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := store.Open(dsn)
	require.NoError(t, err)
	return New(db, NewTokenHasher([]byte("test-salt")), zerolog.Nop()), db
}

func TestResolveRejectsInvalidMAC(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.Resolve(Report{DetectedMAC: "not-a-mac"})
	require.ErrorIs(t, err, ErrInvalidMAC)
}

func TestResolveIgnoresPlaceholderMAC(t *testing.T) {
	r, db := newTestResolver(t)

	result, err := r.Resolve(Report{DetectedMAC: PlaceholderMAC(), Identifier: "phone-1"})
	require.NoError(t, err)
	require.Equal(t, RuleIgnored, result.Rule)
	require.True(t, result.MACIgnored)
	require.Nil(t, result.Subscriber)

	var count int64
	require.NoError(t, db.Model(&store.Subscriber{}).Count(&count).Error)
	require.Zero(t, count, "placeholder reports must not create subscribers")
}

func TestResolveByPairingToken(t *testing.T) {
	r, db := newTestResolver(t)
	sub := store.Subscriber{Username: "voucher-user", Secret: "x", MACAddress: PlaceholderMAC(), MACIsTemporary: true}
	require.NoError(t, db.Create(&sub).Error)

	token, err := r.IssuePairingToken(sub.ID, 30*time.Minute)
	require.NoError(t, err)

	result, err := r.Resolve(Report{DetectedMAC: testMAC, PairingToken: token})
	require.NoError(t, err)
	require.Equal(t, RulePairingToken, result.Rule)
	require.Equal(t, sub.ID, result.Subscriber.ID)
	require.Equal(t, testMAC, result.Subscriber.MACAddress)
	require.False(t, result.Subscriber.MACIsTemporary)

	// Single use: the token is consumed on first bind.
	var stored store.Subscriber
	require.NoError(t, db.First(&stored, sub.ID).Error)
	require.Empty(t, stored.PairingTokenHash)

	again, err := r.Resolve(Report{DetectedMAC: "AA:BB:CC:DD:EE:02", PairingToken: token, Identifier: "other-device"})
	require.NoError(t, err)
	require.NotEqual(t, RulePairingToken, again.Rule)
}

func TestResolveExpiredPairingTokenFallsThrough(t *testing.T) {
	r, db := newTestResolver(t)
	sub := store.Subscriber{Username: "stale", Secret: "x", MACAddress: PlaceholderMAC(), MACIsTemporary: true}
	require.NoError(t, db.Create(&sub).Error)

	token, err := r.IssuePairingToken(sub.ID, -time.Minute)
	require.NoError(t, err)

	result, err := r.Resolve(Report{DetectedMAC: testMAC, PairingToken: token})
	require.NoError(t, err)
	require.Equal(t, RuleCreated, result.Rule, "an expired token never binds")
}

func TestResolveRecentPartialByPhone(t *testing.T) {
	r, db := newTestResolver(t)
	phone := "254700000001"
	sub := store.Subscriber{Username: "fresh", Secret: "x", Phone: &phone, MACAddress: PlaceholderMAC(), MACIsTemporary: true}
	require.NoError(t, db.Create(&sub).Error)

	result, err := r.Resolve(Report{DetectedMAC: testMAC, Phone: phone})
	require.NoError(t, err)
	require.Equal(t, RuleRecentPartial, result.Rule)
	require.Equal(t, sub.ID, result.Subscriber.ID)
	require.Equal(t, testMAC, result.Subscriber.MACAddress)
}

func TestResolveRecentPartialExcludesLearnedMACs(t *testing.T) {
	r, db := newTestResolver(t)
	sub := store.Subscriber{Username: "zz99laptop", Secret: "x", MACAddress: "AA:BB:CC:00:00:09", MACIsTemporary: false}
	require.NoError(t, db.Create(&sub).Error)

	result, err := r.Resolve(Report{DetectedMAC: testMAC, Identifier: "zz99"})
	require.NoError(t, err)
	require.Equal(t, RuleCreated, result.Rule, "subscribers with a learned MAC never match the recent-partial rule")
}

func TestResolveExactUsername(t *testing.T) {
	r, db := newTestResolver(t)
	sub := store.Subscriber{Username: "johns-laptop", Secret: "x", MACAddress: "AA:BB:CC:00:00:01"}
	require.NoError(t, db.Create(&sub).Error)

	result, err := r.Resolve(Report{DetectedMAC: testMAC, Identifier: "Johns-Laptop"})
	require.NoError(t, err)
	require.Equal(t, RuleExactUsername, result.Rule)
	require.Equal(t, sub.ID, result.Subscriber.ID)
	require.Equal(t, testMAC, result.Subscriber.MACAddress, "a fresh report overwrites the learned MAC")
}

func TestResolveFuzzyUsername(t *testing.T) {
	r, db := newTestResolver(t)
	sub := store.Subscriber{Username: "mary", Secret: "x", MACAddress: PlaceholderMAC(), MACIsTemporary: true}
	require.NoError(t, db.Create(&sub).Error)
	// Push creation outside the recent window so rule 2 cannot claim it.
	require.NoError(t, db.Model(&store.Subscriber{}).Where("id = ?", sub.ID).
		Update("created_at", time.Now().UTC().Add(-2*time.Hour)).Error)

	result, err := r.Resolve(Report{DetectedMAC: testMAC, Identifier: "marys-iphone"})
	require.NoError(t, err)
	require.Equal(t, RuleFuzzyUsername, result.Rule)
	require.Equal(t, sub.ID, result.Subscriber.ID)
}

func TestResolveCreatesSubscriber(t *testing.T) {
	r, db := newTestResolver(t)

	result, err := r.Resolve(Report{DetectedMAC: testMAC, Identifier: "New-Device", Phone: "254711000000"})
	require.NoError(t, err)
	require.Equal(t, RuleCreated, result.Rule)
	require.True(t, result.Created)
	require.Equal(t, "new-device", result.Subscriber.Username)
	require.Equal(t, testMAC, result.Subscriber.MACAddress)
	require.False(t, result.Subscriber.MACIsTemporary)

	var stored store.Subscriber
	require.NoError(t, db.First(&stored, result.Subscriber.ID).Error)
	require.NotNil(t, stored.Phone)
	require.Equal(t, "254711000000", *stored.Phone)
	require.NotEmpty(t, stored.Secret)
}

func TestResolveCreatedWithoutIdentifierGetsGuestName(t *testing.T) {
	r, _ := newTestResolver(t)

	result, err := r.Resolve(Report{DetectedMAC: testMAC})
	require.NoError(t, err)
	require.True(t, result.Created)
	require.True(t, strings.HasPrefix(result.Subscriber.Username, "guest_"))
}

func TestResolveOpensSessionForActiveSubscription(t *testing.T) {
	r, db := newTestResolver(t)
	sub := store.Subscriber{Username: "paid-user", Secret: "x", MACAddress: PlaceholderMAC(), MACIsTemporary: true}
	require.NoError(t, db.Create(&sub).Error)
	now := time.Now().UTC()
	subscription := store.Subscription{
		SubscriberID: sub.ID, PlanID: 1, Status: store.SubscriptionActive,
		StartTime: now, EndTime: now.Add(time.Hour),
	}
	require.NoError(t, db.Create(&subscription).Error)

	result, err := r.Resolve(Report{DetectedMAC: testMAC, Identifier: "paid-user", IPAddress: "10.0.0.5"})
	require.NoError(t, err)
	require.True(t, result.SessionOpened)
	require.NotZero(t, result.SessionID)

	var session store.AccessSession
	require.NoError(t, db.First(&session, result.SessionID).Error)
	require.Equal(t, store.SessionActive, session.Status)
	require.Equal(t, testMAC, session.MACAddress)
	require.Equal(t, "10.0.0.5", session.IPAddress)
}

func TestResolveActivatesPendingSession(t *testing.T) {
	r, db := newTestResolver(t)
	sub := store.Subscriber{Username: "pending-user", Secret: "x", MACAddress: PlaceholderMAC(), MACIsTemporary: true}
	require.NoError(t, db.Create(&sub).Error)
	now := time.Now().UTC()
	subscription := store.Subscription{
		SubscriberID: sub.ID, PlanID: 1, Status: store.SubscriptionActive,
		StartTime: now, EndTime: now.Add(time.Hour),
	}
	require.NoError(t, db.Create(&subscription).Error)
	session := store.AccessSession{
		SubscriberID: sub.ID, SubscriptionID: subscription.ID,
		MACAddress: PlaceholderMAC(), Status: store.SessionPending, StartedAt: now,
	}
	require.NoError(t, db.Create(&session).Error)

	result, err := r.Resolve(Report{DetectedMAC: testMAC, Identifier: "pending-user"})
	require.NoError(t, err)
	require.False(t, result.SessionOpened, "existing session is refreshed, not duplicated")
	require.Equal(t, session.ID, result.SessionID)

	var stored store.AccessSession
	require.NoError(t, db.First(&stored, session.ID).Error)
	require.Equal(t, store.SessionActive, stored.Status)
	require.Equal(t, testMAC, stored.MACAddress)
}

func TestResolveNoSessionWithoutEntitlement(t *testing.T) {
	r, db := newTestResolver(t)

	result, err := r.Resolve(Report{DetectedMAC: testMAC, Identifier: "freeloader"})
	require.NoError(t, err)
	require.False(t, result.SessionOpened)

	var count int64
	require.NoError(t, db.Model(&store.AccessSession{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestResolveHintBackfillsPhone(t *testing.T) {
	r, db := newTestResolver(t)
	sub := store.Subscriber{Username: "hinted", Secret: "x", MACAddress: PlaceholderMAC(), MACIsTemporary: true}
	require.NoError(t, db.Create(&sub).Error)

	matched, created, err := r.ResolveHint(db, "254722000000", "hinted")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, sub.ID, matched.ID)

	var stored store.Subscriber
	require.NoError(t, db.First(&stored, sub.ID).Error)
	require.NotNil(t, stored.Phone)
	require.Equal(t, "254722000000", *stored.Phone)
}

func TestResolveHintCreatesWhenNothingMatches(t *testing.T) {
	r, db := newTestResolver(t)

	sub, created, err := r.ResolveHint(db, "", "Brand New Phone")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "brandnewphone", sub.Username)
	require.True(t, sub.MACIsTemporary)
	require.True(t, IsPlaceholder(sub.MACAddress))
}

func TestCleanUsername(t *testing.T) {
	require.Equal(t, "johns-laptop", CleanUsername("John's Laptop"))
	require.Equal(t, "abc_123", CleanUsername("  ABC_123  "))
	require.Empty(t, CleanUsername("!!!"))
	long := CleanUsername(strings.Repeat("a", 50))
	require.Len(t, long, 30)
}

func TestPlaceholderMACShape(t *testing.T) {
	mac := PlaceholderMAC()
	require.True(t, macPattern.MatchString(mac))
	require.True(t, IsPlaceholder(mac))
	require.False(t, IsPlaceholder(testMAC))
}
