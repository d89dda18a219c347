package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mtandao/hotspot/pkg/store"
)

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func intParam(c *gin.Context, name string) int {
	n, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return 0
	}
	return n
}

func (s *Server) handleListSubscribers(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := intQuery(c, "offset", 0)

	q := s.db.Model(&store.Subscriber{})
	if search := c.Query("search"); search != "" {
		like := "%" + search + "%"
		q = q.Where("username LIKE ? OR phone LIKE ? OR mac_address LIKE ?", like, like, like)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to count subscribers", s.log)
		return
	}
	var subscribers []store.Subscriber
	if err := q.Order("created_at desc").Limit(limit).Offset(offset).Find(&subscribers).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list subscribers", s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribers": subscribers, "total": total})
}

func (s *Server) handleSubscriberDetail(c *gin.Context) {
	id := uint(intParam(c, "id"))
	var subscriber store.Subscriber
	if err := s.db.First(&subscriber, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "subscriber not found", s.log)
			return
		}
		respondError(c, http.StatusInternalServerError, "subscriber lookup failed", s.log)
		return
	}

	subscriptions, err := s.ledger.Subscriptions(subscriber.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "subscription lookup failed", s.log)
		return
	}

	var checks []store.RadCheck
	var replies []store.RadReply
	_ = s.db.Where("username = ?", subscriber.Username).Find(&checks).Error
	_ = s.db.Where("username = ?", subscriber.Username).Find(&replies).Error

	active, _ := s.sessions.Active(subscriber.ID)
	monthAgo := time.Now().UTC().AddDate(0, -1, 0)
	usage, _ := s.sessions.UsageSince(subscriber.ID, &monthAgo)

	c.JSON(http.StatusOK, gin.H{
		"subscriber":      subscriber,
		"subscriptions":   subscriptions,
		"radius_checks":   checks,
		"radius_replies":  replies,
		"active_sessions": active,
		"usage_30d":       usage,
	})
}

func (s *Server) handleDisconnect(c *gin.Context) {
	id := uint(intParam(c, "id"))
	var subscriber store.Subscriber
	if err := s.db.First(&subscriber, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "subscriber not found", s.log)
			return
		}
		respondError(c, http.StatusInternalServerError, "subscriber lookup failed", s.log)
		return
	}

	closed, err := s.sessions.Disconnect(subscriber.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "disconnect failed", s.log)
		return
	}
	logger := requestLogger(c, s.log)
	logger.Info().Uint("subscriber_id", subscriber.ID).Int("closed", closed).
		Msg("Subscriber sessions closed by admin")
	c.JSON(http.StatusOK, gin.H{"closed_sessions": closed})
}

func (s *Server) handleForceExpire(c *gin.Context) {
	id := uint(intParam(c, "id"))
	if err := s.ledger.Cancel(id); err != nil {
		respondDomainError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "subscription canceled"})
}

func (s *Server) handleSpeedOverride(c *gin.Context) {
	var req struct {
		RateLimit string `json:"rate_limit" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	username := c.Param("username")
	if err := s.provisioner.UpdateProfile(username, req.RateLimit); err != nil {
		respondDomainError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": username, "rate_limit": req.RateLimit})
}

func (s *Server) handleManualSweep(c *gin.Context) {
	summary := s.sweeper.RunOnce()
	c.JSON(http.StatusOK, summary)
}
