package handlers

import (
	"context"
	"time"

	"github.com/Mosas2000/ProphetBase-sub004/internal/alert"
	"github.com/Mosas2000/ProphetBase-sub004/internal/audit"
	"github.com/Mosas2000/ProphetBase-sub004/internal/credential"
	"github.com/Mosas2000/ProphetBase-sub004/internal/devicetrust"
	"github.com/Mosas2000/ProphetBase-sub004/internal/quota"
	"github.com/Mosas2000/ProphetBase-sub004/internal/withdrawal"
	"github.com/Mosas2000/ProphetBase-sub004/libs/auth"
	"github.com/gin-gonic/gin"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// LoginLimiter is the shared fixed-window limiter consulted before the
// local sliding window on login checks. Optional; nil means local only.
type LoginLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// SecurityHandler exposes the security core over HTTP. Every sensitive
// mutation it performs lands in the audit ledger.
type SecurityHandler struct {
	Credentials *credential.Service
	Quota       *quota.Enforcer
	Devices     *devicetrust.Engine
	Audit       *audit.Ledger
	Alerts      *alert.Dispatcher
	Withdrawals *withdrawal.Workflow
	Metrics     *Metrics
	// LoginLimiter guards the login rule across instances when redis is
	// configured.
	LoginLimiter LoginLimiter
	Clock        Clock
}

func NewSecurityHandler(
	credentials *credential.Service,
	enforcer *quota.Enforcer,
	devices *devicetrust.Engine,
	ledger *audit.Ledger,
	alerts *alert.Dispatcher,
	withdrawals *withdrawal.Workflow,
	metrics *Metrics,
) *SecurityHandler {
	return &SecurityHandler{
		Credentials: credentials,
		Quota:       enforcer,
		Devices:     devices,
		Audit:       ledger,
		Alerts:      alerts,
		Withdrawals: withdrawals,
		Metrics:     metrics,
		Clock:       systemClock{},
	}
}

func (h *SecurityHandler) RegisterRoutes(r gin.IRouter) {
	v1 := r.Group("/v1")

	// Per-method route trees keep static segments and :id params from
	// ever sharing a level; gin rejects such mixes at startup.
	keys := v1.Group("/keys")
	keys.POST("", h.IssueKey)
	keys.GET("", h.ListKeys)
	keys.POST("/:id/rotate", h.RotateKey)
	keys.DELETE("/:id", h.RevokeKey)
	v1.POST("/verify", h.VerifyKey)

	quotas := v1.Group("/quota")
	quotas.PUT("/rules", h.SetQuotaRule)
	quotas.POST("/check", h.CheckQuota)
	quotas.POST("/adjust", h.AdjustQuota)
	quotas.GET("/bruteforce/:identifier", h.BruteForceReport)

	devices := v1.Group("/devices")
	devices.POST("/register", h.RegisterDevice)
	devices.POST("/login", h.RecordDeviceLogin)
	devices.PUT("/:id/verify", h.VerifyDevice)
	devices.GET("/:id/analysis", h.AnalyzeDevice)
	devices.GET("/:id/score", h.DeviceScore)

	audits := v1.Group("/audit")
	audits.GET("/entries", h.SearchAudit)
	audits.GET("/verify", h.VerifyAuditChain)
	audits.POST("/export", h.ExportAudit)

	alerts := v1.Group("/alerts")
	alerts.GET("", h.ListAlerts)
	alerts.GET("/trend", h.AlertTrend)
	alerts.POST("", h.CreateAlert)
	alerts.POST("/:id/escalate", h.EscalateAlert)
	alerts.PUT("/:id/resolve", h.ResolveAlert)
	alerts.DELETE("", h.BulkResolveAlerts)

	withdrawals := v1.Group("/withdrawals")
	withdrawals.POST("", h.CreateWithdrawal)
	withdrawals.GET("", h.ListWithdrawals)
	withdrawals.POST("/:id/approve", h.ApproveWithdrawal)
	withdrawals.POST("/:id/reject", h.RejectWithdrawal)
	withdrawals.POST("/:id/execute", h.ExecuteWithdrawal)
	withdrawals.POST("/:id/cancel", h.CancelWithdrawal)

	whitelist := v1.Group("/whitelist")
	whitelist.POST("", h.AddWhitelistAddress)
	whitelist.POST("/verify", h.VerifyWhitelistAddress)
	whitelist.GET("", h.ListWhitelistAddresses)

	v1.POST("/guard/check", h.GuardCheck)
}

func currentUserID(c *gin.Context) string {
	return c.GetString(auth.ContextUserIDKey)
}

func requestMeta(c *gin.Context) *audit.RequestMeta {
	return &audit.RequestMeta{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}
