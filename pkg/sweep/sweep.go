package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/mtandao/hotspot/pkg/ledger"
	"github.com/mtandao/hotspot/pkg/radius"
	"github.com/mtandao/hotspot/pkg/store"
	"github.com/mtandao/hotspot/pkg/voucher"
)

// Reconciler periodically expires lapsed entitlements and repairs credential
// drift. Each run selects its working set fresh and treats every record as an
// independent unit, so overlapping runs and per-record failures are safe.
type Reconciler struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	prov     *radius.Provisioner
	vouchers *voucher.Engine
	interval time.Duration
	log      zerolog.Logger
}

func New(db *gorm.DB, lg *ledger.Ledger, prov *radius.Provisioner, vouchers *voucher.Engine, interval time.Duration, log zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		db:       db,
		ledger:   lg,
		prov:     prov,
		vouchers: vouchers,
		interval: interval,
		log:      log.With().Str("component", "sweep").Logger(),
	}
}

// Summary counts what one sweep touched.
type Summary struct {
	Expired         int   `json:"expired"`
	Failed          int   `json:"failed"`
	Reprovisioned   int   `json:"reprovisioned"`
	SessionsClosed  int   `json:"sessions_closed"`
	VouchersExpired int64 `json:"vouchers_expired"`
}

// Run sweeps immediately and then on every tick until the context is
// canceled.
func (r *Reconciler) Run(ctx context.Context) {
	r.RunOnce()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Sweep stopped")
			return
		case <-ticker.C:
			r.RunOnce()
		}
	}
}

// RunOnce executes a single sweep pass. A record that fails to expire is
// counted and skipped; the batch never aborts.
func (r *Reconciler) RunOnce() Summary {
	var summary Summary
	now := time.Now().UTC()

	var lapsed []store.Subscription
	if err := r.db.Where("status = ? AND end_time < ?", store.SubscriptionActive, now).Find(&lapsed).Error; err != nil {
		r.log.Error().Err(err).Msg("Sweep select failed")
		return summary
	}

	for _, sub := range lapsed {
		if err := r.ledger.Expire(sub.ID); err != nil {
			summary.Failed++
			r.log.Warn().Err(err).Uint("subscription_id", sub.ID).Msg("Expiry failed, continuing sweep")
			continue
		}
		summary.Expired++
	}

	summary.Reprovisioned = r.repairCredentials(now)
	summary.SessionsClosed = r.closeOrphanedSessions(now)

	if n, err := r.vouchers.ExpireStale(); err != nil {
		r.log.Warn().Err(err).Msg("Voucher sweep failed")
	} else {
		summary.VouchersExpired = n
	}

	if summary.Expired > 0 || summary.Failed > 0 || summary.Reprovisioned > 0 ||
		summary.SessionsClosed > 0 || summary.VouchersExpired > 0 {
		r.log.Info().Int("expired", summary.Expired).Int("failed", summary.Failed).
			Int("reprovisioned", summary.Reprovisioned).Int("sessions_closed", summary.SessionsClosed).
			Int64("vouchers_expired", summary.VouchersExpired).
			Msg("Sweep complete")
	}
	return summary
}

// closeOrphanedSessions ends open sessions whose backing subscription is no
// longer active. Expiry closes its own sessions; this catches ones opened
// afterwards or left behind by a failed expiry.
func (r *Reconciler) closeOrphanedSessions(now time.Time) int {
	var orphans []store.AccessSession
	err := r.db.Model(&store.AccessSession{}).
		Select("access_sessions.*").
		Joins("JOIN subscriptions ON subscriptions.id = access_sessions.subscription_id").
		Where("access_sessions.ended_at IS NULL").
		Where("subscriptions.status <> ? OR subscriptions.end_time < ?", store.SubscriptionActive, now).
		Find(&orphans).Error
	if err != nil {
		r.log.Warn().Err(err).Msg("Orphan session select failed")
		return 0
	}

	closed := 0
	for i := range orphans {
		sess := &orphans[i]
		updates := map[string]interface{}{
			"status":           store.SessionInactive,
			"ended_at":         now,
			"duration_minutes": int(now.Sub(sess.StartedAt).Minutes()),
		}
		if err := r.db.Model(sess).Updates(updates).Error; err != nil {
			r.log.Warn().Err(err).Uint("session_id", sess.ID).Msg("Orphan session close failed")
			continue
		}
		closed++
	}
	return closed
}

// repairCredentials re-provisions subscribers whose entitlement stands but
// whose credential rows are missing, typically because the store was down
// when activation first tried to provision.
func (r *Reconciler) repairCredentials(now time.Time) int {
	var active []store.Subscription
	if err := r.db.Where("status = ? AND end_time > ?", store.SubscriptionActive, now).Find(&active).Error; err != nil {
		r.log.Warn().Err(err).Msg("Credential repair select failed")
		return 0
	}

	repaired := 0
	for _, sub := range active {
		var subscriber store.Subscriber
		if err := r.db.First(&subscriber, sub.SubscriberID).Error; err != nil {
			continue
		}
		exists, err := r.prov.Exists(subscriber.Username)
		if err != nil || exists {
			continue
		}
		var plan store.Plan
		if err := r.db.First(&plan, sub.PlanID).Error; err != nil {
			continue
		}
		if err := r.prov.Provision(&subscriber, radius.ProfileFor(&plan)); err != nil {
			r.log.Warn().Err(err).Str("username", subscriber.Username).Msg("Credential repair failed")
			continue
		}
		repaired++
	}
	return repaired
}
