package radius

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/mtandao/hotspot/pkg/store"
)

// Attribute names understood by the access point.
const (
	AttrCleartextPassword = "Cleartext-Password"
	AttrRateLimit         = "Mikrotik-Rate-Limit"
	AttrSessionTimeout    = "Session-Timeout"
)

var ErrUserNotFound = errors.New("radius user not found")

// Profile is the plan-derived slice of state the access point needs.
type Profile struct {
	RateLimit             string
	SessionTimeoutSeconds int
}

// ProfileFor derives a Profile from a plan, falling back to a conservative
// default rate limit when the catalog row has none.
func ProfileFor(plan *store.Plan) Profile {
	rate := plan.RateLimit
	if rate == "" {
		rate = "10M/10M"
	}
	return Profile{RateLimit: rate, SessionTimeoutSeconds: plan.SessionTimeoutSeconds()}
}

// Provisioner materializes entitlements as radcheck/radreply rows. There is
// no multi-row upsert in the store, so Provision deletes any stale rows first
// and reinserts; that delete-then-insert pair is what keeps each username
// down to a single live credential set.
type Provisioner struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewProvisioner(db *gorm.DB, log zerolog.Logger) *Provisioner {
	return &Provisioner{db: db, log: log.With().Str("component", "provisioner").Logger()}
}

// Provision writes the credential set for one subscriber. Existing rows for
// the username are removed first, so re-provisioning after a failed
// deprovision cannot leave duplicates behind.
func (p *Provisioner) Provision(subscriber *store.Subscriber, profile Profile) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		if err := deleteFor(tx, subscriber.Username); err != nil {
			return err
		}

		check := store.RadCheck{
			Username:  subscriber.Username,
			Attribute: AttrCleartextPassword,
			Op:        ":=",
			Value:     subscriber.Secret,
		}
		if err := tx.Create(&check).Error; err != nil {
			return fmt.Errorf("create check row: %w", err)
		}

		replies := []store.RadReply{{
			Username:  subscriber.Username,
			Attribute: AttrRateLimit,
			Op:        "=",
			Value:     profile.RateLimit,
		}}
		if profile.SessionTimeoutSeconds > 0 {
			replies = append(replies, store.RadReply{
				Username:  subscriber.Username,
				Attribute: AttrSessionTimeout,
				Op:        "=",
				Value:     strconv.Itoa(profile.SessionTimeoutSeconds),
			})
		}
		if err := tx.Create(&replies).Error; err != nil {
			return fmt.Errorf("create reply rows: %w", err)
		}

		p.log.Info().Str("username", subscriber.Username).Str("rate_limit", profile.RateLimit).
			Msg("Credentials provisioned")
		return nil
	})
}

// Deprovision removes all credential rows for a username. Removing a
// username that has none is a success.
func (p *Provisioner) Deprovision(username string) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		if err := deleteFor(tx, username); err != nil {
			return err
		}
		p.log.Info().Str("username", username).Msg("Credentials removed")
		return nil
	})
}

// UpdateProfile rewrites the rate-limit reply row in place without touching
// the check row or any open session. Used for admin speed overrides.
func (p *Provisioner) UpdateProfile(username, rateLimit string) error {
	res := p.db.Model(&store.RadReply{}).
		Where("username = ? AND attribute = ?", username, AttrRateLimit).
		Update("value", rateLimit)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	p.log.Info().Str("username", username).Str("rate_limit", rateLimit).Msg("Rate limit updated")
	return nil
}

// Exists reports whether a check row is present for the username.
func (p *Provisioner) Exists(username string) (bool, error) {
	var count int64
	err := p.db.Model(&store.RadCheck{}).Where("username = ?", username).Count(&count).Error
	return count > 0, err
}

func deleteFor(tx *gorm.DB, username string) error {
	if err := tx.Where("username = ?", username).Delete(&store.RadCheck{}).Error; err != nil {
		return fmt.Errorf("delete check rows: %w", err)
	}
	if err := tx.Where("username = ?", username).Delete(&store.RadReply{}).Error; err != nil {
		return fmt.Errorf("delete reply rows: %w", err)
	}
	return nil
}
