package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mtandao/hotspot/pkg/store"
	"github.com/mtandao/hotspot/pkg/voucher"
)

func (s *Server) handleRedeem(c *gin.Context) {
	var req struct {
		Code       string `json:"code" binding:"required"`
		Phone      string `json:"phone"`
		DeviceName string `json:"device_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	redemption, err := s.vouchers.Redeem(req.Code, voucher.Hint{
		Phone:      req.Phone,
		DeviceName: req.DeviceName,
	})
	if err != nil {
		respondDomainError(c, err, s.log)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "voucher redeemed",
		"subscriber": gin.H{
			"id":       redemption.Subscriber.ID,
			"username": redemption.Subscriber.Username,
			"new":      redemption.NewAccount,
		},
		"subscription": gin.H{
			"id":       redemption.Subscription.ID,
			"end_time": redemption.Subscription.EndTime,
		},
		"pairing_token": redemption.PairingToken,
	})
}

func (s *Server) handleCheckVoucher(c *gin.Context) {
	v, err := s.vouchers.Check(c.Param("code"))
	if err != nil {
		respondDomainError(c, err, s.log)
		return
	}

	var plan store.Plan
	_ = s.db.First(&plan, v.PlanID).Error

	c.JSON(http.StatusOK, gin.H{
		"code":       v.Code,
		"status":     v.Status,
		"expires_at": v.ExpiresAt,
		"plan": gin.H{
			"id":         plan.ID,
			"name":       plan.Name,
			"rate_limit": plan.RateLimit,
		},
	})
}

func (s *Server) handleCreateVouchers(c *gin.Context) {
	var req struct {
		PlanID   uint `json:"plan_id" binding:"required"`
		Quantity int  `json:"quantity"`
		TTLHours int  `json:"ttl_hours"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}
	if req.Quantity > 500 {
		respondError(c, http.StatusBadRequest, "quantity must be 500 or fewer", s.log)
		return
	}
	ttl := time.Duration(req.TTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	created, err := s.vouchers.Create(req.PlanID, req.Quantity, ttl)
	if err != nil {
		respondDomainError(c, err, s.log)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"vouchers": created, "count": len(created)})
}

func (s *Server) handleListVouchers(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	planID := uint(intQuery(c, "plan_id", 0))

	vouchers, total, err := s.vouchers.List(c.Query("status"), planID, limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list vouchers", s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vouchers": vouchers, "total": total})
}

func (s *Server) handleDeleteVoucher(c *gin.Context) {
	id := uint(intParam(c, "id"))
	if id == 0 {
		respondError(c, http.StatusBadRequest, "invalid voucher id", s.log)
		return
	}
	if err := s.vouchers.Delete(id); err != nil {
		respondDomainError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "voucher deleted"})
}

func (s *Server) handleExpireVouchers(c *gin.Context) {
	n, err := s.vouchers.ExpireStale()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "voucher expiry failed", s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}
