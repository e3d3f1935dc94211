package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Mosas2000/ProphetBase-sub004/internal/quota"
	"github.com/gin-gonic/gin"
)

type quotaRuleRequest struct {
	ID                 string  `json:"id"`
	WindowMS           int64   `json:"window_ms"`
	MaxRequests        int     `json:"max_requests"`
	Tier               string  `json:"tier"`
	ReputationModifier float64 `json:"reputation_modifier"`
}

func (h *SecurityHandler) SetQuotaRule(c *gin.Context) {
	var req quotaRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ID == "" || req.WindowMS <= 0 || req.MaxRequests <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	h.Quota.SetRule(quota.Rule{
		ID:                 req.ID,
		Window:             time.Duration(req.WindowMS) * time.Millisecond,
		MaxRequests:        req.MaxRequests,
		Tier:               req.Tier,
		ReputationModifier: req.ReputationModifier,
	})
	h.audit(c, "quota.rule.set", req.ID, map[string]string{"tier": req.Tier})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type quotaCheckRequest struct {
	Identifier string  `json:"identifier"`
	RuleID     string  `json:"rule_id"`
	Reputation float64 `json:"reputation"`
}

type quotaCheckResponse struct {
	Allowed      bool      `json:"allowed"`
	Remaining    int       `json:"remaining"`
	ResetAt      time.Time `json:"reset_at"`
	RetryAfterMS int64     `json:"retry_after_ms,omitempty"`
}

func (h *SecurityHandler) CheckQuota(c *gin.Context) {
	var req quotaCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Identifier == "" || req.RuleID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	if req.RuleID == quota.LoginRuleID && h.LoginLimiter != nil {
		allowed, retryAfter, err := h.LoginLimiter.Allow(c.Request.Context(), req.Identifier)
		if err == nil && !allowed {
			h.Metrics.QuotaChecks.WithLabelValues(req.RuleID, "denied").Inc()
			c.JSON(http.StatusOK, quotaCheckResponse{
				Allowed:      false,
				RetryAfterMS: retryAfter.Milliseconds(),
			})
			return
		}
	}

	res := h.Quota.Check(req.Identifier, req.RuleID, req.Reputation)
	result := "allowed"
	if !res.Allowed {
		result = "denied"
	}
	h.Metrics.QuotaChecks.WithLabelValues(req.RuleID, result).Inc()

	c.JSON(http.StatusOK, quotaCheckResponse{
		Allowed:      res.Allowed,
		Remaining:    res.Remaining,
		ResetAt:      res.ResetAt,
		RetryAfterMS: res.RetryAfter.Milliseconds(),
	})
}

type quotaAdjustRequest struct {
	RuleID     string  `json:"rule_id"`
	SystemLoad float64 `json:"system_load"`
	ErrorRate  float64 `json:"error_rate"`
}

func (h *SecurityHandler) AdjustQuota(c *gin.Context) {
	var req quotaAdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RuleID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	rule, ok := h.Quota.AdjustDynamically(req.RuleID, req.SystemLoad, req.ErrorRate)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "rule not found"})
		return
	}

	h.audit(c, "quota.rule.adjust", req.RuleID, map[string]string{
		"max_requests": strconv.Itoa(rule.MaxRequests),
	})
	c.JSON(http.StatusOK, quotaRuleRequest{
		ID:                 rule.ID,
		WindowMS:           rule.Window.Milliseconds(),
		MaxRequests:        rule.MaxRequests,
		Tier:               rule.Tier,
		ReputationModifier: rule.ReputationModifier,
	})
}

func (h *SecurityHandler) BruteForceReport(c *gin.Context) {
	report := h.Quota.DetectBruteForce(c.Param("identifier"))
	c.JSON(http.StatusOK, gin.H{
		"detected": report.Detected,
		"severity": string(report.Severity),
		"attempts": report.Attempts,
		"blocked":  report.Blocked,
	})
}
