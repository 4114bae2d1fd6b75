package handler

import (
	"net/http"

	"nova-ledger/internal/adapter/http/middleware"
	"nova-ledger/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	LedgerSvc      ports.LedgerService
	PayoutSvc      ports.PayoutService
	ReconcileSvc   ports.ReconcileService
	HealthCheckers []ports.HealthChecker
	JWTSecret      string
	JWTIssuer      string
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1 MB request body limit

	// Health check (deep — verifies storage dependencies)
	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	jwtAuth := middleware.JWTAuth(deps.JWTSecret, deps.JWTIssuer, deps.Logger)
	adminOnly := middleware.AdminOnly()

	ledgerHandler := NewLedgerHandler(deps.LedgerSvc)
	payoutHandler := NewPayoutHandler(deps.PayoutSvc, deps.ReconcileSvc)

	v1 := r.Group("/api/v1", jwtAuth)
	{
		v1.GET("/balance", ledgerHandler.GetBalance)
		v1.GET("/ledger", ledgerHandler.GetHistory)
		v1.POST("/topup", ledgerHandler.Topup)
		v1.POST("/redeem", ledgerHandler.Redeem)

		payouts := v1.Group("/payouts")
		{
			payouts.POST("", payoutHandler.CreatePayout)
			payouts.GET("/:id", payoutHandler.GetPayoutStatus)
		}

		// Platform/operator surface
		admin := v1.Group("", adminOnly)
		{
			admin.POST("/rewards/grant", ledgerHandler.GrantReward)
			admin.POST("/admin/grants", ledgerHandler.AdminGrant)
			admin.POST("/admin/payouts/:id/reconcile", payoutHandler.Reconcile)
		}
	}

	return r
}

// HealthCheck handles GET /health — deep health check verifying all dependencies.
func HealthCheck(checkers ...ports.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		type depStatus struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}

		deps := make(map[string]depStatus)
		allHealthy := true

		for _, checker := range checkers {
			if err := checker.Ping(c.Request.Context()); err != nil {
				deps[checker.Name()] = depStatus{Status: "unhealthy", Error: err.Error()}
				allHealthy = false
			} else {
				deps[checker.Name()] = depStatus{Status: "healthy"}
			}
		}

		status := "healthy"
		httpCode := http.StatusOK
		if !allHealthy {
			status = "degraded"
			httpCode = http.StatusServiceUnavailable
		}

		c.JSON(httpCode, gin.H{
			"status":       status,
			"dependencies": deps,
		})
	}
}
