package radius

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mtandao/hotspot/pkg/store"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:radius-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := store.Open(dsn)
	require.NoError(t, err)
	return db
}

func TestProvisionWritesCredentialSet(t *testing.T) {
	db := testDB(t)
	p := NewProvisioner(db, zerolog.Nop())

	sub := &store.Subscriber{Username: "alice", Secret: "s3cret"}
	profile := Profile{RateLimit: "5M/5M", SessionTimeoutSeconds: 3600}
	require.NoError(t, p.Provision(sub, profile))

	var checks []store.RadCheck
	require.NoError(t, db.Where("username = ?", "alice").Find(&checks).Error)
	require.Len(t, checks, 1)
	require.Equal(t, AttrCleartextPassword, checks[0].Attribute)
	require.Equal(t, ":=", checks[0].Op)
	require.Equal(t, "s3cret", checks[0].Value)

	var replies []store.RadReply
	require.NoError(t, db.Where("username = ?", "alice").Order("attribute").Find(&replies).Error)
	require.Len(t, replies, 2)
	require.Equal(t, AttrRateLimit, replies[0].Attribute)
	require.Equal(t, "5M/5M", replies[0].Value)
	require.Equal(t, AttrSessionTimeout, replies[1].Attribute)
	require.Equal(t, "3600", replies[1].Value)
}

func TestProvisionIsIdempotent(t *testing.T) {
	db := testDB(t)
	p := NewProvisioner(db, zerolog.Nop())
	sub := &store.Subscriber{Username: "bob", Secret: "pw1"}

	require.NoError(t, p.Provision(sub, Profile{RateLimit: "10M/10M"}))
	sub.Secret = "pw2"
	require.NoError(t, p.Provision(sub, Profile{RateLimit: "20M/20M"}))

	var checks []store.RadCheck
	require.NoError(t, db.Where("username = ?", "bob").Find(&checks).Error)
	require.Len(t, checks, 1, "re-provisioning must not stack credential rows")
	require.Equal(t, "pw2", checks[0].Value)

	var replies []store.RadReply
	require.NoError(t, db.Where("username = ?", "bob").Find(&replies).Error)
	require.Len(t, replies, 1)
	require.Equal(t, "20M/20M", replies[0].Value)
}

func TestProvisionSkipsTimeoutForLongPlans(t *testing.T) {
	db := testDB(t)
	p := NewProvisioner(db, zerolog.Nop())
	require.NoError(t, p.Provision(&store.Subscriber{Username: "carol", Secret: "x"}, Profile{RateLimit: "10M/10M"}))

	var count int64
	require.NoError(t, db.Model(&store.RadReply{}).
		Where("username = ? AND attribute = ?", "carol", AttrSessionTimeout).Count(&count).Error)
	require.Zero(t, count)
}

func TestDeprovisionRemovesAllRows(t *testing.T) {
	db := testDB(t)
	p := NewProvisioner(db, zerolog.Nop())
	require.NoError(t, p.Provision(&store.Subscriber{Username: "dave", Secret: "x"}, Profile{RateLimit: "1M/1M", SessionTimeoutSeconds: 60}))

	require.NoError(t, p.Deprovision("dave"))

	exists, err := p.Exists("dave")
	require.NoError(t, err)
	require.False(t, exists)

	var replies int64
	require.NoError(t, db.Model(&store.RadReply{}).Where("username = ?", "dave").Count(&replies).Error)
	require.Zero(t, replies)
}

func TestDeprovisionUnknownUserIsNoop(t *testing.T) {
	db := testDB(t)
	p := NewProvisioner(db, zerolog.Nop())
	require.NoError(t, p.Deprovision("ghost"))
}

func TestUpdateProfile(t *testing.T) {
	db := testDB(t)
	p := NewProvisioner(db, zerolog.Nop())
	require.NoError(t, p.Provision(&store.Subscriber{Username: "eve", Secret: "x"}, Profile{RateLimit: "10M/10M"}))

	require.NoError(t, p.UpdateProfile("eve", "50M/50M"))

	var reply store.RadReply
	require.NoError(t, db.Where("username = ? AND attribute = ?", "eve", AttrRateLimit).First(&reply).Error)
	require.Equal(t, "50M/50M", reply.Value)

	require.ErrorIs(t, p.UpdateProfile("nobody", "1M/1M"), ErrUserNotFound)
}

func TestProfileForDefaultsRateLimit(t *testing.T) {
	profile := ProfileFor(&store.Plan{DurationUnit: "DAY", DurationValue: 1})
	require.Equal(t, "10M/10M", profile.RateLimit)
	require.Zero(t, profile.SessionTimeoutSeconds)
}
