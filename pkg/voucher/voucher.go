package voucher

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mtandao/hotspot/pkg/ledger"
	"github.com/mtandao/hotspot/pkg/radius"
	"github.com/mtandao/hotspot/pkg/resolver"
	"github.com/mtandao/hotspot/pkg/store"
)

var (
	ErrNotFound    = errors.New("voucher not found")
	ErrAlreadyUsed = errors.New("voucher already used")
	ErrExpired     = errors.New("voucher expired")
)

// codeAlphabet excludes visually ambiguous characters (0/O, 1/I).
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const pairingTokenTTL = 30 * time.Minute

// Engine drives the one-way voucher state machine: UNUSED -> USED on
// redemption, UNUSED -> EXPIRED on sweep. USED and EXPIRED are terminal.
type Engine struct {
	db          *gorm.DB
	ledger      *ledger.Ledger
	resolver    *resolver.Resolver
	provisioner *radius.Provisioner
	log         zerolog.Logger
}

func NewEngine(db *gorm.DB, lg *ledger.Ledger, res *resolver.Resolver, prov *radius.Provisioner, log zerolog.Logger) *Engine {
	return &Engine{
		db:          db,
		ledger:      lg,
		resolver:    res,
		provisioner: prov,
		log:         log.With().Str("component", "voucher").Logger(),
	}
}

// Hint carries the identity fields a redemption request may supply.
type Hint struct {
	Phone      string
	DeviceName string
}

// Redemption is what the captive portal shows the subscriber afterwards.
type Redemption struct {
	Voucher      *store.Voucher      `json:"voucher"`
	Subscriber   *store.Subscriber   `json:"subscriber"`
	Subscription *store.Subscription `json:"subscription"`
	PairingToken string              `json:"pairing_token"`
	NewAccount   bool                `json:"new_account"`
}

// Redeem consumes a voucher exactly once. The voucher row is locked for the
// duration of the transaction, so a concurrent attempt on the same code
// observes USED and loses cleanly. If activation fails the transaction rolls
// back and the voucher stays UNUSED.
func (e *Engine) Redeem(code string, hint Hint) (*Redemption, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	var result Redemption

	err := e.db.Transaction(func(tx *gorm.DB) error {
		var v store.Voucher
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("code = ?", code).First(&v).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		switch {
		case v.Status == store.VoucherUsed:
			return ErrAlreadyUsed
		case v.Status == store.VoucherExpired:
			return ErrExpired
		case time.Now().UTC().After(v.ExpiresAt):
			// Lazy transition: the sweep has not reached this one yet.
			if err := tx.Model(&v).Update("status", store.VoucherExpired).Error; err != nil {
				return err
			}
			return ErrExpired
		}

		sub, created, err := e.resolver.ResolveHint(tx, hint.Phone, hint.DeviceName)
		if err != nil {
			return fmt.Errorf("resolve subscriber: %w", err)
		}

		subscription, err := e.ledger.WithTx(tx).Activate(sub.ID, v.PlanID, ledger.VoucherOrigin(v.ID))
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := tx.Model(&v).Updates(map[string]interface{}{
			"status":          store.VoucherUsed,
			"used_at":         now,
			"used_by":         sub.ID,
			"subscription_id": subscription.ID,
		}).Error; err != nil {
			return fmt.Errorf("mark voucher used: %w", err)
		}
		v.Status = store.VoucherUsed
		v.UsedAt = &now
		v.UsedBy = &sub.ID
		v.SubscriptionID = &subscription.ID

		result = Redemption{Voucher: &v, Subscriber: sub, Subscription: subscription, NewAccount: created}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Provisioning sits outside the transaction: the entitlement stands even
	// if the credential store is down, and the sweep re-checks later.
	var plan store.Plan
	if err := e.db.First(&plan, result.Subscription.PlanID).Error; err == nil {
		if err := e.provisioner.Provision(result.Subscriber, radius.ProfileFor(&plan)); err != nil {
			e.log.Warn().Err(err).Str("username", result.Subscriber.Username).
				Msg("Provisioning failed after redemption, entitlement stands")
		}
	}

	if token, err := e.resolver.IssuePairingToken(result.Subscriber.ID, pairingTokenTTL); err == nil {
		result.PairingToken = token
	} else {
		e.log.Warn().Err(err).Uint("subscriber_id", result.Subscriber.ID).Msg("Pairing token issue failed")
	}

	e.log.Info().Str("code", code).Uint("subscriber_id", result.Subscriber.ID).
		Uint("subscription_id", result.Subscription.ID).Msg("Voucher redeemed")
	return &result, nil
}

// Check reports a voucher's validity without consuming it.
func (e *Engine) Check(code string) (*store.Voucher, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	var v store.Voucher
	err := e.db.Where("code = ?", code).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	switch {
	case v.Status == store.VoucherUsed:
		return &v, ErrAlreadyUsed
	case v.Status == store.VoucherExpired || time.Now().UTC().After(v.ExpiresAt):
		return &v, ErrExpired
	}
	return &v, nil
}

// Create generates quantity fresh codes for a plan, all expiring ttl from
// now. Each code is checked for global uniqueness before insertion.
func (e *Engine) Create(planID uint, quantity int, ttl time.Duration) ([]store.Voucher, error) {
	var plan store.Plan
	if err := e.db.First(&plan, planID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledger.ErrPlanNotFound
		}
		return nil, err
	}
	if quantity < 1 {
		quantity = 1
	}

	expiresAt := time.Now().UTC().Add(ttl)
	vouchers := make([]store.Voucher, 0, quantity)
	for len(vouchers) < quantity {
		code, err := generateCode()
		if err != nil {
			return nil, err
		}
		var count int64
		if err := e.db.Model(&store.Voucher{}).Where("code = ?", code).Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			continue
		}
		v := store.Voucher{Code: code, PlanID: planID, Status: store.VoucherUnused, ExpiresAt: expiresAt}
		if err := e.db.Create(&v).Error; err != nil {
			return nil, fmt.Errorf("create voucher: %w", err)
		}
		vouchers = append(vouchers, v)
	}

	e.log.Info().Int("count", len(vouchers)).Str("plan", plan.Name).Time("expires_at", expiresAt).
		Msg("Vouchers created")
	return vouchers, nil
}

// ExpireStale sweeps UNUSED vouchers past their expiry into EXPIRED and
// returns how many transitioned.
func (e *Engine) ExpireStale() (int64, error) {
	res := e.db.Model(&store.Voucher{}).
		Where("status = ? AND expires_at < ?", store.VoucherUnused, time.Now().UTC()).
		Update("status", store.VoucherExpired)
	return res.RowsAffected, res.Error
}

// List filters vouchers by optional status and plan.
func (e *Engine) List(status string, planID uint, limit, offset int) ([]store.Voucher, int64, error) {
	q := e.db.Model(&store.Voucher{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if planID != 0 {
		q = q.Where("plan_id = ?", planID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 50
	}
	var vouchers []store.Voucher
	err := q.Order("created_at desc").Limit(limit).Offset(offset).Find(&vouchers).Error
	return vouchers, total, err
}

// Delete removes an unused voucher. Redeemed vouchers are history and stay.
func (e *Engine) Delete(id uint) error {
	var v store.Voucher
	if err := e.db.First(&v, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if v.Status == store.VoucherUsed {
		return ErrAlreadyUsed
	}
	return e.db.Delete(&v).Error
}

// generateCode builds an XXXX-XXXX-XXXX code from the restricted alphabet.
func generateCode() (string, error) {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	var b strings.Builder
	for i, by := range raw {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(codeAlphabet[int(by)%len(codeAlphabet)])
	}
	return b.String(), nil
}
