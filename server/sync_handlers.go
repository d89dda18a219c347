package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mtandao/hotspot/pkg/resolver"
	"github.com/mtandao/hotspot/pkg/store"
)

// syncEntry is one credential line in the router pull feed.
type syncEntry struct {
	Username  string    `json:"username"`
	Secret    string    `json:"secret"`
	RateLimit string    `json:"rate_limit"`
	EndTime   time.Time `json:"end_time"`
}

func (s *Server) activeEntries(changedSince *time.Time) ([]syncEntry, error) {
	now := time.Now().UTC()
	var rows []struct {
		Username  string
		Secret    string
		RateLimit string
		EndTime   time.Time
	}
	q := s.db.Model(&store.Subscription{}).
		Select("subscribers.username, subscribers.secret, plans.rate_limit, subscriptions.end_time").
		Joins("JOIN subscribers ON subscribers.id = subscriptions.subscriber_id").
		Joins("JOIN plans ON plans.id = subscriptions.plan_id").
		Where("subscriptions.status = ? AND subscriptions.end_time > ?", store.SubscriptionActive, now).
		Where("subscribers.blocked = ?", false).
		Order("subscriptions.end_time asc")
	if changedSince != nil {
		q = q.Where("subscriptions.updated_at > ?", *changedSince)
	}
	err := q.Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	entries := make([]syncEntry, 0, len(rows))
	for _, r := range rows {
		rate := r.RateLimit
		if rate == "" {
			rate = "10M/10M"
		}
		entries = append(entries, syncEntry{
			Username:  r.Username,
			Secret:    r.Secret,
			RateLimit: rate,
			EndTime:   r.EndTime,
		})
	}
	return entries, nil
}

// handleRouterSync serves the full active credential set. Routers that speak
// scripts rather than JSON can ask for text/plain and get one
// username:secret:rate_limit line per entry. A changed_since timestamp
// narrows the feed to entries touched after that instant.
func (s *Server) handleRouterSync(c *gin.Context) {
	var changedSince *time.Time
	if raw := c.Query("changed_since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "changed_since must be RFC3339", s.log)
			return
		}
		changedSince = &ts
	}

	entries, err := s.activeEntries(changedSince)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "sync query failed", s.log)
		return
	}

	if strings.Contains(c.GetHeader("Accept"), "text/plain") || c.Query("format") == "plain" {
		var b strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&b, "%s:%s:%s # until %s\n", e.Username, e.Secret, e.RateLimit, e.EndTime.Format(time.RFC3339))
		}
		c.String(http.StatusOK, b.String())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"generated_at": time.Now().UTC(),
		"count":        len(entries),
		"entries":      entries,
	})
}

// handleBypassList serves the MAC addresses a router may whitelist outright.
// Placeholder addresses never leave the engine.
func (s *Server) handleBypassList(c *gin.Context) {
	now := time.Now().UTC()
	var macs []string
	err := s.db.Model(&store.Subscription{}).
		Distinct("subscribers.mac_address").
		Joins("JOIN subscribers ON subscribers.id = subscriptions.subscriber_id").
		Where("subscriptions.status = ? AND subscriptions.end_time > ?", store.SubscriptionActive, now).
		Where("subscribers.blocked = ?", false).
		Where("subscribers.mac_is_temporary = ?", false).
		Pluck("subscribers.mac_address", &macs).Error
	if err != nil {
		respondError(c, http.StatusInternalServerError, "bypass query failed", s.log)
		return
	}

	filtered := macs[:0]
	for _, m := range macs {
		if m != "" && !resolver.IsPlaceholder(m) {
			filtered = append(filtered, m)
		}
	}

	if strings.Contains(c.GetHeader("Accept"), "text/plain") || c.Query("format") == "plain" {
		c.String(http.StatusOK, strings.Join(filtered, "\n")+"\n")
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(filtered), "macs": filtered})
}

// handleExpiredList serves usernames whose entitlement left ACTIVE within a
// trailing window, whether it lapsed or was canceled by an admin, so a router
// can tear down lingering sessions without diffing the full sync feed.
func (s *Server) handleExpiredList(c *gin.Context) {
	windowMinutes := intQuery(c, "window_minutes", intQuery(c, "window", 60))
	if windowMinutes <= 0 || windowMinutes > 24*60 {
		windowMinutes = 60
	}
	now := time.Now().UTC()
	since := now.Add(-time.Duration(windowMinutes) * time.Minute)

	// Keyed on updated_at rather than end_time: admin cancellation ends an
	// entitlement while its end_time is still in the future, and the router
	// must hear about that transition too.
	var usernames []string
	err := s.db.Model(&store.Subscription{}).
		Distinct("subscribers.username").
		Joins("JOIN subscribers ON subscribers.id = subscriptions.subscriber_id").
		Where("subscriptions.status IN ?", []string{store.SubscriptionExpired, store.SubscriptionCanceled}).
		Where("subscriptions.updated_at BETWEEN ? AND ?", since, now).
		Pluck("subscribers.username", &usernames).Error
	if err != nil {
		respondError(c, http.StatusInternalServerError, "expired query failed", s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"window_minutes": windowMinutes, "usernames": usernames})
}

// handleRouterEvent ingests connect/disconnect reports from the access point.
// Connect reports run through the device resolver and may learn a MAC or open
// a session; disconnect reports close open sessions and bank traffic
// counters.
func (s *Server) handleRouterEvent(c *gin.Context) {
	var req struct {
		Event        string `json:"event" binding:"required"`
		Username     string `json:"username"`
		MACAddress   string `json:"mac_address" binding:"required"`
		IPAddress    string `json:"ip_address"`
		BytesIn      int64  `json:"bytes_in"`
		BytesOut     int64  `json:"bytes_out"`
		PairingToken string `json:"pairing_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	logger := requestLogger(c, s.log)

	switch req.Event {
	case "connect":
		result, err := s.resolver.Resolve(resolver.Report{
			Identifier:   req.Username,
			DetectedMAC:  req.MACAddress,
			IPAddress:    req.IPAddress,
			PairingToken: req.PairingToken,
		})
		if err != nil {
			respondDomainError(c, err, s.log)
			return
		}
		resp := gin.H{"rule": result.Rule, "mac_ignored": result.MACIgnored}
		if result.Subscriber != nil {
			resp["subscriber_id"] = result.Subscriber.ID
			resp["username"] = result.Subscriber.Username
			resp["created"] = result.Created
		}
		if result.SessionOpened {
			resp["session_id"] = result.SessionID
		}
		c.JSON(http.StatusOK, resp)

	case "disconnect":
		session, err := s.sessions.CloseByMAC(req.MACAddress, req.BytesIn, req.BytesOut)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "session close failed", s.log)
			return
		}
		if session == nil {
			c.JSON(http.StatusOK, gin.H{"message": "no open session for mac"})
			return
		}
		logger.Info().Str("mac", req.MACAddress).Uint("session_id", session.ID).Msg("Session closed by router event")
		c.JSON(http.StatusOK, gin.H{"session_id": session.ID, "duration_minutes": session.DurationMinutes})

	default:
		respondError(c, http.StatusBadRequest, "event must be connect or disconnect", s.log)
	}
}

// handleIdentify runs a device report through the same resolution a connect
// event gets, learning the MAC and syncing the session, and reports who the
// device bound to. Portals call it on page load so the binding is already
// settled by the time the subscriber acts.
func (s *Server) handleIdentify(c *gin.Context) {
	var req struct {
		Identifier   string `json:"identifier"`
		MACAddress   string `json:"mac_address" binding:"required"`
		Phone        string `json:"phone"`
		PairingToken string `json:"pairing_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	result, err := s.resolver.Resolve(resolver.Report{
		Identifier:   req.Identifier,
		DetectedMAC:  req.MACAddress,
		Phone:        req.Phone,
		PairingToken: req.PairingToken,
	})
	if err != nil {
		respondDomainError(c, err, s.log)
		return
	}

	resp := gin.H{"rule": result.Rule, "mac_ignored": result.MACIgnored}
	if result.Subscriber != nil {
		resp["subscriber"] = gin.H{
			"id":       result.Subscriber.ID,
			"username": result.Subscriber.Username,
			"created":  result.Created,
		}
		if active, err := s.ledger.CurrentActive(result.Subscriber.ID); err == nil && active != nil {
			resp["subscription"] = gin.H{"id": active.ID, "end_time": active.EndTime}
		}
	}
	c.JSON(http.StatusOK, resp)
}
