package radius

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/mtandao/hotspot/pkg/store"
)

// Sessions exposes read and close operations over access sessions for the
// admin surfaces. Session lifecycle transitions otherwise belong to the
// resolver (open/activate) and the ledger (close on expiry).
type Sessions struct {
	db *gorm.DB
}

func NewSessions(db *gorm.DB) *Sessions {
	return &Sessions{db: db}
}

// Active returns the subscriber's open sessions, newest first.
func (s *Sessions) Active(subscriberID uint) ([]store.AccessSession, error) {
	var sessions []store.AccessSession
	err := s.db.Where("subscriber_id = ? AND ended_at IS NULL", subscriberID).
		Order("started_at desc").Find(&sessions).Error
	return sessions, err
}

// Usage aggregates traffic across all of a subscriber's sessions since the
// optional cutoff.
type Usage struct {
	SubscriberID uint    `json:"subscriber_id"`
	TotalBytes   int64   `json:"total_bytes"`
	TotalMB      float64 `json:"total_mb"`
	SessionCount int     `json:"session_count"`
}

func (s *Sessions) UsageSince(subscriberID uint, since *time.Time) (*Usage, error) {
	q := s.db.Where("subscriber_id = ?", subscriberID)
	if since != nil {
		q = q.Where("started_at >= ?", *since)
	}
	var sessions []store.AccessSession
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	usage := &Usage{SubscriberID: subscriberID, SessionCount: len(sessions)}
	for _, sess := range sessions {
		usage.TotalBytes += sess.BytesIn + sess.BytesOut
	}
	usage.TotalMB = float64(usage.TotalBytes) / (1024 * 1024)
	return usage, nil
}

// Disconnect closes all open sessions for a subscriber and returns how many
// were closed. The access point drops the link on its next poll of the
// expired list.
func (s *Sessions) Disconnect(subscriberID uint) (int, error) {
	var sessions []store.AccessSession
	if err := s.db.Where("subscriber_id = ? AND ended_at IS NULL", subscriberID).Find(&sessions).Error; err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	for i := range sessions {
		sess := &sessions[i]
		updates := map[string]interface{}{
			"status":           store.SessionInactive,
			"ended_at":         now,
			"duration_minutes": int(now.Sub(sess.StartedAt).Minutes()),
		}
		if err := s.db.Model(sess).Updates(updates).Error; err != nil {
			return 0, err
		}
	}
	return len(sessions), nil
}

// CloseByMAC ends the open session matching a MAC address, recording traffic
// counters from the access point's disconnect report. Returns the closed
// session or nil when no open session matched.
func (s *Sessions) CloseByMAC(mac string, bytesIn, bytesOut int64) (*store.AccessSession, error) {
	var sess store.AccessSession
	err := s.db.Where("mac_address = ? AND ended_at IS NULL", mac).
		Order("started_at desc").First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":           store.SessionInactive,
		"ended_at":         now,
		"duration_minutes": int(now.Sub(sess.StartedAt).Minutes()),
		"bytes_in":         sess.BytesIn + bytesIn,
		"bytes_out":        sess.BytesOut + bytesOut,
	}
	if err := s.db.Model(&sess).Updates(updates).Error; err != nil {
		return nil, err
	}
	return &sess, nil
}
