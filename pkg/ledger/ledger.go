package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/mtandao/hotspot/pkg/radius"
	"github.com/mtandao/hotspot/pkg/store"
)

var (
	ErrPlanNotFound         = errors.New("plan not found")
	ErrSubscriberNotFound   = errors.New("subscriber not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Origin ties a subscription to the event that paid for it. Exactly one of
// the two ids is set; activation is idempotent per origin.
type Origin struct {
	PaymentID *uint
	VoucherID *uint
}

func PaymentOrigin(id uint) Origin { return Origin{PaymentID: &id} }
func VoucherOrigin(id uint) Origin { return Origin{VoucherID: &id} }

func (o Origin) String() string {
	switch {
	case o.PaymentID != nil:
		return fmt.Sprintf("payment:%d", *o.PaymentID)
	case o.VoucherID != nil:
		return fmt.Sprintf("voucher:%d", *o.VoucherID)
	}
	return "none"
}

// Ledger owns subscription state and the expiry rule. It is the only
// component allowed to transition Subscription.Status.
type Ledger struct {
	db          *gorm.DB
	provisioner *radius.Provisioner
	log         zerolog.Logger
}

func New(db *gorm.DB, provisioner *radius.Provisioner, log zerolog.Logger) *Ledger {
	return &Ledger{db: db, provisioner: provisioner, log: log.With().Str("component", "ledger").Logger()}
}

// WithTx returns a copy of the ledger bound to the given transaction, so a
// caller can activate inside its own atomic unit of work.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, provisioner: l.provisioner, log: l.log}
}

// Activate creates an ACTIVE subscription ending plan.Duration() after now.
// A second call with the same origin returns the existing subscription
// instead of creating another one, so duplicate payment callbacks and voucher
// replays are no-ops.
func (l *Ledger) Activate(subscriberID, planID uint, origin Origin) (*store.Subscription, error) {
	if existing, err := l.byOrigin(origin); err != nil {
		return nil, err
	} else if existing != nil {
		l.log.Info().Uint("subscription_id", existing.ID).Str("origin", origin.String()).
			Msg("Activation replay detected, returning existing subscription")
		return existing, nil
	}

	var plan store.Plan
	if err := l.db.First(&plan, planID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}

	var subscriber store.Subscriber
	if err := l.db.First(&subscriber, subscriberID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriberNotFound
		}
		return nil, err
	}

	now := time.Now().UTC()
	sub := store.Subscription{
		SubscriberID: subscriberID,
		PlanID:       planID,
		PaymentID:    origin.PaymentID,
		VoucherID:    origin.VoucherID,
		StartTime:    now,
		EndTime:      now.Add(plan.Duration()),
		Status:       store.SubscriptionActive,
	}
	if err := l.db.Create(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// A concurrent activation for the same origin won the race.
			existing, lookupErr := l.byOrigin(origin)
			if lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	l.log.Info().Uint("subscription_id", sub.ID).Uint("subscriber_id", subscriberID).
		Str("plan", plan.Name).Time("end_time", sub.EndTime).Str("origin", origin.String()).
		Msg("Subscription activated")
	return &sub, nil
}

// CurrentActive returns the subscriber's ACTIVE, unexpired subscription, or
// nil when there is none. Latest end time wins if duplicates ever exist.
func (l *Ledger) CurrentActive(subscriberID uint) (*store.Subscription, error) {
	var sub store.Subscription
	err := l.db.Where("subscriber_id = ? AND status = ? AND end_time > ?",
		subscriberID, store.SubscriptionActive, time.Now().UTC()).
		Order("end_time desc").First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Expire transitions a subscription to EXPIRED, removes its credentials and
// closes any open access session. Expiring an already-EXPIRED subscription is
// a no-op success. Credential-store failures are logged and swallowed: the
// next sweep retries them.
func (l *Ledger) Expire(subscriptionID uint) error {
	return l.close(subscriptionID, store.SubscriptionExpired)
}

// Cancel is the admin-initiated variant of Expire.
func (l *Ledger) Cancel(subscriptionID uint) error {
	return l.close(subscriptionID, store.SubscriptionCanceled)
}

func (l *Ledger) close(subscriptionID uint, status string) error {
	var sub store.Subscription
	if err := l.db.First(&sub, subscriptionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSubscriptionNotFound
		}
		return err
	}
	if sub.Status != store.SubscriptionActive {
		return nil
	}

	if err := l.db.Model(&sub).Update("status", status).Error; err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}

	var subscriber store.Subscriber
	if err := l.db.First(&subscriber, sub.SubscriberID).Error; err == nil {
		if err := l.provisioner.Deprovision(subscriber.Username); err != nil {
			l.log.Warn().Err(err).Str("username", subscriber.Username).
				Msg("Credential removal failed, will retry on next sweep")
		}
	}

	if err := l.closeSessions(sub.ID); err != nil {
		l.log.Warn().Err(err).Uint("subscription_id", sub.ID).Msg("Failed closing access sessions")
	}

	l.log.Info().Uint("subscription_id", sub.ID).Str("status", status).Msg("Subscription closed")
	return nil
}

func (l *Ledger) closeSessions(subscriptionID uint) error {
	var sessions []store.AccessSession
	if err := l.db.Where("subscription_id = ? AND ended_at IS NULL", subscriptionID).Find(&sessions).Error; err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range sessions {
		s := &sessions[i]
		updates := map[string]interface{}{
			"status":           store.SessionInactive,
			"ended_at":         now,
			"duration_minutes": int(now.Sub(s.StartedAt).Minutes()),
		}
		if err := l.db.Model(s).Updates(updates).Error; err != nil {
			return err
		}
	}
	return nil
}

// Subscriptions lists a subscriber's history, newest first.
func (l *Ledger) Subscriptions(subscriberID uint) ([]store.Subscription, error) {
	var subs []store.Subscription
	err := l.db.Where("subscriber_id = ?", subscriberID).Order("created_at desc").Find(&subs).Error
	return subs, err
}

func (l *Ledger) byOrigin(origin Origin) (*store.Subscription, error) {
	q := l.db
	switch {
	case origin.PaymentID != nil:
		q = q.Where("payment_id = ?", *origin.PaymentID)
	case origin.VoucherID != nil:
		q = q.Where("voucher_id = ?", *origin.VoucherID)
	default:
		return nil, errors.New("activation requires a payment or voucher origin")
	}
	var sub store.Subscription
	err := q.First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
