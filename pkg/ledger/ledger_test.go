package ledger

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mtandao/hotspot/pkg/radius"
	"github.com/mtandao/hotspot/pkg/store"
)

type ledgerTestEnv struct {
	db         *gorm.DB
	ledger     *Ledger
	prov       *radius.Provisioner
	subscriber store.Subscriber
	plan       store.Plan
}

func newLedgerTestEnv(t *testing.T) *ledgerTestEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := store.Open(dsn)
	require.NoError(t, err)

	prov := radius.NewProvisioner(db, zerolog.Nop())
	env := &ledgerTestEnv{
		db:         db,
		ledger:     New(db, prov, zerolog.Nop()),
		prov:       prov,
		subscriber: store.Subscriber{Username: "alice", Secret: "pw", MACAddress: "AA:BB:CC:00:11:22"},
		plan:       store.Plan{Name: "Daily", DurationUnit: "DAY", DurationValue: 1, PriceKES: 50, RateLimit: "10M/10M"},
	}
	require.NoError(t, db.Create(&env.subscriber).Error)
	require.NoError(t, db.Create(&env.plan).Error)
	return env
}

func TestActivateComputesEndTime(t *testing.T) {
	env := newLedgerTestEnv(t)
	before := time.Now().UTC()

	sub, err := env.ledger.Activate(env.subscriber.ID, env.plan.ID, PaymentOrigin(1))
	require.NoError(t, err)
	require.Equal(t, store.SubscriptionActive, sub.Status)

	want := sub.StartTime.Add(24 * time.Hour)
	require.Equal(t, want, sub.EndTime, "end time derives from start time plus plan duration")
	require.WithinDuration(t, before.Add(24*time.Hour), sub.EndTime, 5*time.Second)
}

func TestActivateIsIdempotentPerOrigin(t *testing.T) {
	env := newLedgerTestEnv(t)

	first, err := env.ledger.Activate(env.subscriber.ID, env.plan.ID, PaymentOrigin(42))
	require.NoError(t, err)

	second, err := env.ledger.Activate(env.subscriber.ID, env.plan.ID, PaymentOrigin(42))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID, "same origin must return the same subscription")

	var count int64
	require.NoError(t, env.db.Model(&store.Subscription{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestActivateDistinctOriginsStack(t *testing.T) {
	env := newLedgerTestEnv(t)

	_, err := env.ledger.Activate(env.subscriber.ID, env.plan.ID, PaymentOrigin(1))
	require.NoError(t, err)
	_, err = env.ledger.Activate(env.subscriber.ID, env.plan.ID, VoucherOrigin(1))
	require.NoError(t, err)

	var count int64
	require.NoError(t, env.db.Model(&store.Subscription{}).Count(&count).Error)
	require.Equal(t, int64(2), count)
}

func TestActivateUnknownPlan(t *testing.T) {
	env := newLedgerTestEnv(t)
	_, err := env.ledger.Activate(env.subscriber.ID, 999, PaymentOrigin(1))
	require.ErrorIs(t, err, ErrPlanNotFound)
}

func TestActivateUnknownSubscriber(t *testing.T) {
	env := newLedgerTestEnv(t)
	_, err := env.ledger.Activate(999, env.plan.ID, PaymentOrigin(1))
	require.ErrorIs(t, err, ErrSubscriberNotFound)
}

func TestCurrentActive(t *testing.T) {
	env := newLedgerTestEnv(t)

	none, err := env.ledger.CurrentActive(env.subscriber.ID)
	require.NoError(t, err)
	require.Nil(t, none)

	sub, err := env.ledger.Activate(env.subscriber.ID, env.plan.ID, VoucherOrigin(5))
	require.NoError(t, err)

	active, err := env.ledger.CurrentActive(env.subscriber.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, sub.ID, active.ID)
}

func TestCurrentActiveIgnoresPastEndTime(t *testing.T) {
	env := newLedgerTestEnv(t)

	sub, err := env.ledger.Activate(env.subscriber.ID, env.plan.ID, VoucherOrigin(5))
	require.NoError(t, err)
	// Still ACTIVE in status but past its end time: entitlement is gone even
	// before the sweep catches up.
	require.NoError(t, env.db.Model(&store.Subscription{}).Where("id = ?", sub.ID).
		Update("end_time", time.Now().UTC().Add(-time.Minute)).Error)

	active, err := env.ledger.CurrentActive(env.subscriber.ID)
	require.NoError(t, err)
	require.Nil(t, active)
}

func TestExpireClosesEverything(t *testing.T) {
	env := newLedgerTestEnv(t)

	sub, err := env.ledger.Activate(env.subscriber.ID, env.plan.ID, PaymentOrigin(9))
	require.NoError(t, err)
	require.NoError(t, env.prov.Provision(&env.subscriber, radius.ProfileFor(&env.plan)))
	require.NoError(t, env.db.Create(&store.AccessSession{
		SubscriberID:   env.subscriber.ID,
		SubscriptionID: sub.ID,
		Status:         store.SessionActive,
		StartedAt:      time.Now().UTC().Add(-time.Hour),
	}).Error)

	require.NoError(t, env.ledger.Expire(sub.ID))

	var stored store.Subscription
	require.NoError(t, env.db.First(&stored, sub.ID).Error)
	require.Equal(t, store.SubscriptionExpired, stored.Status)

	exists, err := env.prov.Exists(env.subscriber.Username)
	require.NoError(t, err)
	require.False(t, exists, "credentials must be removed on expiry")

	var session store.AccessSession
	require.NoError(t, env.db.Where("subscription_id = ?", sub.ID).First(&session).Error)
	require.Equal(t, store.SessionInactive, session.Status)
	require.NotNil(t, session.EndedAt)
	require.GreaterOrEqual(t, session.DurationMinutes, 59)
}

func TestExpireIsIdempotent(t *testing.T) {
	env := newLedgerTestEnv(t)

	sub, err := env.ledger.Activate(env.subscriber.ID, env.plan.ID, PaymentOrigin(9))
	require.NoError(t, err)
	require.NoError(t, env.ledger.Expire(sub.ID))
	require.NoError(t, env.ledger.Expire(sub.ID), "expiring an expired subscription is a no-op")

	var stored store.Subscription
	require.NoError(t, env.db.First(&stored, sub.ID).Error)
	require.Equal(t, store.SubscriptionExpired, stored.Status)
}

func TestExpireUnknownSubscription(t *testing.T) {
	env := newLedgerTestEnv(t)
	require.ErrorIs(t, env.ledger.Expire(12345), ErrSubscriptionNotFound)
}

func TestCancelMarksCanceled(t *testing.T) {
	env := newLedgerTestEnv(t)

	sub, err := env.ledger.Activate(env.subscriber.ID, env.plan.ID, VoucherOrigin(3))
	require.NoError(t, err)
	require.NoError(t, env.ledger.Cancel(sub.ID))

	var stored store.Subscription
	require.NoError(t, env.db.First(&stored, sub.ID).Error)
	require.Equal(t, store.SubscriptionCanceled, stored.Status)
}

func TestSubscriptionsHistory(t *testing.T) {
	env := newLedgerTestEnv(t)

	_, err := env.ledger.Activate(env.subscriber.ID, env.plan.ID, PaymentOrigin(1))
	require.NoError(t, err)
	_, err = env.ledger.Activate(env.subscriber.ID, env.plan.ID, PaymentOrigin(2))
	require.NoError(t, err)

	history, err := env.ledger.Subscriptions(env.subscriber.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
}
