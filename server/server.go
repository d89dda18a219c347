package main

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/mtandao/hotspot/pkg/config"
	"github.com/mtandao/hotspot/pkg/ledger"
	"github.com/mtandao/hotspot/pkg/mpesa"
	"github.com/mtandao/hotspot/pkg/radius"
	"github.com/mtandao/hotspot/pkg/resolver"
	"github.com/mtandao/hotspot/pkg/sweep"
	"github.com/mtandao/hotspot/pkg/voucher"
)

// stkPusher is the slice of the payment gateway client the handlers need.
type stkPusher interface {
	InitiateStkPush(ctx context.Context, req mpesa.StkRequest) (*mpesa.StkResponse, error)
}

// Server wires the engine components behind the HTTP surface.
type Server struct {
	db          *gorm.DB
	cfg         *config.Config
	log         zerolog.Logger
	ledger      *ledger.Ledger
	provisioner *radius.Provisioner
	resolver    *resolver.Resolver
	vouchers    *voucher.Engine
	sessions    *radius.Sessions
	sweeper     *sweep.Reconciler
	payments    stkPusher
	rateLimiter *RateLimiter
}

func newServer(db *gorm.DB, cfg *config.Config, payments stkPusher, log zerolog.Logger) *Server {
	prov := radius.NewProvisioner(db, log)
	lg := ledger.New(db, prov, log)
	res := resolver.New(db, resolver.NewTokenHasher([]byte(cfg.PairingSalt)), log)
	eng := voucher.NewEngine(db, lg, res, prov, log)
	interval := time.Duration(cfg.Sweep.IntervalSeconds) * time.Second

	return &Server{
		db:          db,
		cfg:         cfg,
		log:         log,
		ledger:      lg,
		provisioner: prov,
		resolver:    res,
		vouchers:    eng,
		sessions:    radius.NewSessions(db),
		sweeper:     sweep.New(db, lg, prov, eng, interval, log),
		payments:    payments,
		rateLimiter: NewRateLimiter(),
	}
}

func (s *Server) routes(r *gin.Engine) {
	r.Use(withRequestContext(s.log))

	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "rate_limiter": s.rateLimiter.Stats()})
	})

	r.GET("/api/plans", s.listPlans)

	r.POST("/api/vouchers/redeem", s.rateLimited("redeem", s.cfg.Limits.RedeemPerMinute, time.Minute, clientKey, s.handleRedeem))
	r.GET("/api/vouchers/check/:code", s.handleCheckVoucher)

	r.POST("/api/payments/initiate", s.rateLimited("payments", s.cfg.Limits.PaymentsPerMinute, time.Minute, clientKey, s.handleInitiatePayment))
	r.POST("/api/payments/callback", s.handlePaymentCallback)
	r.GET("/api/payments/status/:checkout_request_id", s.handlePaymentStatus)

	router := r.Group("/api/router", s.requireSyncKey)
	router.GET("/sync", s.handleRouterSync)
	router.GET("/bypass", s.handleBypassList)
	router.GET("/expired", s.handleExpiredList)
	router.POST("/events", s.handleRouterEvent)
	router.POST("/identify", s.handleIdentify)

	admin := r.Group("/api/admin", s.requireAdmin)
	admin.POST("/vouchers", s.handleCreateVouchers)
	admin.GET("/vouchers", s.handleListVouchers)
	admin.DELETE("/vouchers/:id", s.handleDeleteVoucher)
	admin.POST("/vouchers/expire", s.handleExpireVouchers)
	admin.GET("/subscribers", s.handleListSubscribers)
	admin.GET("/subscribers/:id", s.handleSubscriberDetail)
	admin.POST("/subscribers/:id/disconnect", s.handleDisconnect)
	admin.POST("/subscriptions/:id/expire", s.handleForceExpire)
	admin.PATCH("/radius/:username/speed", s.handleSpeedOverride)
	admin.POST("/sweep", s.handleManualSweep)
	admin.GET("/payments", s.handleListPayments)
}

// requireSyncKey guards the pull interface the access point polls. The key
// check happens before any store access.
func (s *Server) requireSyncKey(c *gin.Context) {
	key := c.GetHeader("X-Sync-Key")
	if key == "" || !secureCompare(key, s.cfg.SyncKey) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid sync key"})
		return
	}
	c.Next()
}

func (s *Server) requireAdmin(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	token := strings.TrimPrefix(authz, "Bearer ")
	if !secureCompare(token, s.cfg.AdminToken) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token"})
		return
	}
	c.Next()
}

func (s *Server) rateLimited(scope string, limit int, window time.Duration, keyFn func(*gin.Context) string, next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := scope + ":" + keyFn(c)
		if !s.rateLimiter.Allow(key, limit, window) {
			respondError(c, http.StatusTooManyRequests, "rate limit exceeded", s.log)
			return
		}
		next(c)
	}
}

func clientKey(c *gin.Context) string {
	return c.ClientIP()
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
