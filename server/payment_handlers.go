package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/mtandao/hotspot/pkg/ledger"
	"github.com/mtandao/hotspot/pkg/mpesa"
	"github.com/mtandao/hotspot/pkg/radius"
	"github.com/mtandao/hotspot/pkg/resolver"
	"github.com/mtandao/hotspot/pkg/store"
)

func (s *Server) listPlans(c *gin.Context) {
	var plans []store.Plan
	if err := s.db.Order("price_kes asc").Find(&plans).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list plans", s.log)
		return
	}
	c.JSON(http.StatusOK, plans)
}

func (s *Server) handleInitiatePayment(c *gin.Context) {
	var req struct {
		Phone      string `json:"phone" binding:"required"`
		PlanID     uint   `json:"plan_id" binding:"required"`
		MACAddress string `json:"mac_address"`
		DeviceName string `json:"device_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	var plan store.Plan
	if err := s.db.First(&plan, req.PlanID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "plan not found", s.log)
			return
		}
		respondError(c, http.StatusInternalServerError, "plan lookup failed", s.log)
		return
	}

	subscriber, _, err := s.resolver.ResolveHint(s.db, req.Phone, req.DeviceName)
	if err != nil {
		respondDomainError(c, err, s.log)
		return
	}
	// A portal that already knows the device's address lets us skip the
	// learn-on-connect dance. Keyed on the resolved username so the report
	// binds to this subscriber and nobody else.
	if req.MACAddress != "" && !resolver.IsPlaceholder(req.MACAddress) {
		if _, err := s.resolver.Resolve(resolver.Report{
			Identifier:  subscriber.Username,
			DetectedMAC: req.MACAddress,
		}); err != nil {
			logger := requestLogger(c, s.log)
			logger.Warn().Err(err).Msg("MAC learn during payment initiation failed")
		}
	}

	payment := store.Payment{
		SubscriberID: subscriber.ID,
		PlanID:       plan.ID,
		AmountKES:    plan.PriceKES,
		Status:       store.PaymentPending,
	}
	if err := s.db.Create(&payment).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to create payment", s.log)
		return
	}

	resp, err := s.payments.InitiateStkPush(c.Request.Context(), mpesa.StkRequest{
		AmountKES:  plan.PriceKES,
		Phone:      req.Phone,
		AccountRef: accountRef(payment.ID),
	})
	if err != nil {
		_ = s.db.Model(&payment).Update("status", store.PaymentFailed).Error
		respondDomainError(c, err, s.log)
		return
	}

	if err := s.db.Model(&payment).Updates(map[string]interface{}{
		"checkout_request_id": resp.CheckoutRequestID,
		"merchant_request_id": resp.MerchantRequestID,
	}).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to record checkout id", s.log)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":             "STK push initiated, check your phone to complete payment",
		"payment_id":          payment.ID,
		"checkout_request_id": resp.CheckoutRequestID,
		"subscriber": gin.H{
			"id":       subscriber.ID,
			"username": subscriber.Username,
		},
	})
}

// handlePaymentCallback ingests the gateway's asynchronous result. The
// gateway retries delivery, so a callback for an already-settled payment is
// acknowledged without side effects.
func (s *Server) handlePaymentCallback(c *gin.Context) {
	var body mpesa.CallbackBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}
	result, err := mpesa.ParseCallback(&body)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	logger := requestLogger(c, s.log)

	var payment store.Payment
	err = s.db.Where("checkout_request_id = ?", result.CheckoutRequestID).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Warn().Str("checkout_request_id", result.CheckoutRequestID).Msg("Callback for unknown payment")
		c.JSON(http.StatusOK, gin.H{"message": "no matching payment"})
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "payment lookup failed", s.log)
		return
	}

	if payment.Status == store.PaymentSuccess {
		logger.Info().Uint("payment_id", payment.ID).Msg("Duplicate callback, already settled")
		c.Status(http.StatusOK)
		return
	}

	status := store.PaymentFailed
	if result.Success {
		status = store.PaymentSuccess
	}
	if err := s.db.Model(&payment).Updates(map[string]interface{}{
		"status":       status,
		"receipt_code": result.ReceiptCode,
	}).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "payment update failed", s.log)
		return
	}

	if !result.Success {
		logger.Warn().Uint("payment_id", payment.ID).Str("reason", result.ResultDesc).Msg("Payment failed")
		c.Status(http.StatusOK)
		return
	}

	sub, err := s.ledger.Activate(payment.SubscriberID, payment.PlanID, ledger.PaymentOrigin(payment.ID))
	if err != nil {
		// The payment is settled; activation gets another chance via the
		// sweep or an admin retry. Acknowledge so the gateway stops retrying.
		logger.Error().Err(err).Uint("payment_id", payment.ID).Msg("Activation failed after payment")
		c.Status(http.StatusOK)
		return
	}

	s.provisionFor(logger, sub)
	c.Status(http.StatusOK)
}

func (s *Server) handlePaymentStatus(c *gin.Context) {
	checkoutID := c.Param("checkout_request_id")
	var payment store.Payment
	err := s.db.Where("checkout_request_id = ?", checkoutID).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(c, http.StatusNotFound, "payment not found", s.log)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "payment lookup failed", s.log)
		return
	}

	resp := gin.H{
		"status":       payment.Status,
		"receipt_code": payment.ReceiptCode,
	}
	var sub store.Subscription
	if err := s.db.Where("payment_id = ?", payment.ID).First(&sub).Error; err == nil {
		resp["subscription"] = gin.H{"id": sub.ID, "status": sub.Status, "end_time": sub.EndTime}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListPayments(c *gin.Context) {
	q := s.db.Model(&store.Payment{})
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	var payments []store.Payment
	if err := q.Order("created_at desc").Limit(100).Find(&payments).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list payments", s.log)
		return
	}
	c.JSON(http.StatusOK, payments)
}

func accountRef(paymentID uint) string {
	return fmt.Sprintf("HOTSPOT-%d", paymentID)
}

// provisionFor pushes credentials for a fresh subscription, downgrading any
// failure to a warning. Billing-side success never rolls back on an
// access-control fault.
func (s *Server) provisionFor(logger zerolog.Logger, sub *store.Subscription) {
	var subscriber store.Subscriber
	if err := s.db.First(&subscriber, sub.SubscriberID).Error; err != nil {
		logger.Warn().Err(err).Uint("subscriber_id", sub.SubscriberID).Msg("Provisioning skipped, subscriber load failed")
		return
	}
	var plan store.Plan
	if err := s.db.First(&plan, sub.PlanID).Error; err != nil {
		logger.Warn().Err(err).Uint("plan_id", sub.PlanID).Msg("Provisioning skipped, plan load failed")
		return
	}
	if err := s.provisioner.Provision(&subscriber, radius.ProfileFor(&plan)); err != nil {
		logger.Warn().Err(err).Str("username", subscriber.Username).Msg("Credential provisioning failed, sweep will retry")
	}
}
