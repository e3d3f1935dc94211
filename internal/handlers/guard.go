package handlers

import (
	"net/http"

	"github.com/Mosas2000/ProphetBase-sub004/internal/alert"
	"github.com/Mosas2000/ProphetBase-sub004/internal/credential"
	"github.com/Mosas2000/ProphetBase-sub004/internal/devicetrust"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type guardCheckRequest struct {
	Key        string `json:"key"`
	Permission string `json:"permission"`
	RuleID     string `json:"rule_id"`
	Identifier string `json:"identifier"`
	DeviceID   string `json:"device_id"`
	Location   string `json:"location"`
	Action     string `json:"action"`
	Resource   string `json:"resource"`
}

type guardCheckResponse struct {
	Allowed      bool     `json:"allowed"`
	Reason       string   `json:"reason,omitempty"`
	UserID       string   `json:"user_id,omitempty"`
	RiskLevel    string   `json:"risk_level,omitempty"`
	Anomalies    []string `json:"anomalies,omitempty"`
	RetryAfterMS int64    `json:"retry_after_ms,omitempty"`
}

// GuardCheck runs the full gate for one sensitive action: device pattern
// analysis, then rate limiting, then key verification, with an audit entry
// on success and alerts on every anomaly found along the way.
func (h *SecurityHandler) GuardCheck(c *gin.Context) {
	start := h.Clock.Now()
	var req guardCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Key == "" || req.RuleID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}
	defer func() {
		h.Metrics.GuardCheckLatency.Observe(h.Clock.Now().Sub(start).Seconds())
	}()

	resp := guardCheckResponse{}
	reputation := 0.5

	if req.DeviceID != "" {
		deviceID, err := uuid.Parse(req.DeviceID)
		if err != nil {
			h.deny(c, &resp, "invalid_device", "invalid device id")
			return
		}
		assessment := h.Devices.AnalyzePattern(deviceID, devicetrust.Activity{
			At:       h.Clock.Now(),
			Location: req.Location,
		})
		resp.RiskLevel = string(assessment.RiskLevel)
		resp.Anomalies = assessment.Anomalies
		if score, err := h.Devices.CompositeScore(deviceID); err == nil {
			reputation = score
		}
		if assessment.Anomalous {
			if device, ok := h.Devices.Get(deviceID); ok {
				score := device.TrustScore
				raised, err := h.Alerts.DetectAnomalies(c.Request.Context(), device.UserID.String(), alert.Activity{
					Location:      req.Location,
					UsualLocation: usualLocation(device, req.Location),
					FailedLogins:  device.FailedStreak,
					DeviceTrust:   &score,
				})
				if err == nil {
					for _, a := range raised {
						h.Metrics.AlertsRaised.WithLabelValues(string(a.Severity)).Inc()
					}
				}
			}
			if assessment.RiskLevel == devicetrust.RiskHigh {
				h.deny(c, &resp, "device_risk", "device activity anomalous")
				return
			}
		}
	}

	identifier := req.Identifier
	if identifier == "" {
		identifier = c.ClientIP()
	}
	quotaRes := h.Quota.Check(identifier, req.RuleID, reputation)
	if !quotaRes.Allowed {
		resp.RetryAfterMS = quotaRes.RetryAfter.Milliseconds()
		h.deny(c, &resp, "rate_limited", "rate limit exceeded")
		return
	}

	verifyRes, err := h.Credentials.Verify(c.Request.Context(), req.Key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}
	if !verifyRes.Valid {
		h.deny(c, &resp, "invalid_key", verifyRes.Reason)
		return
	}
	if req.Permission != "" && !h.Credentials.CheckPermission(verifyRes.Key, credential.Permission(req.Permission)) {
		h.deny(c, &resp, "forbidden", "insufficient permissions")
		return
	}
	if !h.Credentials.CheckIPAllowed(verifyRes.Key, c.ClientIP()) {
		h.deny(c, &resp, "forbidden", "ip not allowed")
		return
	}

	resp.Allowed = true
	resp.UserID = verifyRes.Key.UserID.String()
	h.Metrics.GuardChecks.WithLabelValues("allowed", "").Inc()

	action := req.Action
	if action == "" {
		action = "guard.check"
	}
	_, _ = h.Audit.Log(c.Request.Context(), resp.UserID, action, req.Resource, map[string]string{
		"rule_id": req.RuleID,
		"key_id":  verifyRes.Key.ID,
	}, requestMeta(c))

	c.JSON(http.StatusOK, resp)
}

func (h *SecurityHandler) deny(c *gin.Context, resp *guardCheckResponse, reason, message string) {
	resp.Allowed = false
	resp.Reason = message
	h.Metrics.GuardChecks.WithLabelValues("denied", reason).Inc()
	c.JSON(http.StatusOK, resp)
}

// usualLocation picks a known location differing from the current one so the
// location-mismatch rule has something to compare against.
func usualLocation(device *devicetrust.Device, current string) string {
	for _, loc := range device.Locations {
		if loc != current {
			return loc
		}
	}
	return ""
}
