package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/Mosas2000/ProphetBase-sub004/internal/alert"
	"github.com/Mosas2000/ProphetBase-sub004/internal/devicetrust"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type deviceInfoRequest struct {
	UserAgent        string   `json:"user_agent"`
	Platform         string   `json:"platform"`
	ScreenResolution string   `json:"screen_resolution"`
	Timezone         string   `json:"timezone"`
	Language         string   `json:"language"`
	Plugins          []string `json:"plugins"`
	Fonts            []string `json:"fonts"`
	CanvasHash       string   `json:"canvas_hash"`
	WebGLHash        string   `json:"webgl_hash"`
}

func (r deviceInfoRequest) info() devicetrust.DeviceInfo {
	return devicetrust.DeviceInfo{
		UserAgent:        r.UserAgent,
		Platform:         r.Platform,
		ScreenResolution: r.ScreenResolution,
		Timezone:         r.Timezone,
		Language:         r.Language,
		Plugins:          r.Plugins,
		Fonts:            r.Fonts,
		CanvasHash:       r.CanvasHash,
		WebGLHash:        r.WebGLHash,
	}
}

type deviceResponse struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	TrustScore  float64   `json:"trust_score"`
	LoginCount  int       `json:"login_count"`
	Verified    bool      `json:"verified"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	RiskFactors []string  `json:"risk_factors,omitempty"`
}

func toDeviceResponse(d *devicetrust.Device) deviceResponse {
	return deviceResponse{
		ID:          d.ID.String(),
		Fingerprint: d.Fingerprint,
		TrustScore:  d.TrustScore,
		LoginCount:  d.LoginCount,
		Verified:    d.Verified,
		FirstSeen:   d.FirstSeen,
		LastSeen:    d.LastSeen,
		RiskFactors: d.RiskFactors,
	}
}

func (h *SecurityHandler) RegisterDevice(c *gin.Context) {
	userID, err := uuid.Parse(currentUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid user"})
		return
	}

	var req deviceInfoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	device := h.Devices.Register(userID, req.info())
	c.JSON(http.StatusOK, toDeviceResponse(device))
}

type deviceLoginRequest struct {
	DeviceID string `json:"device_id"`
	Success  bool   `json:"success"`
	Location string `json:"location"`
}

func (h *SecurityHandler) RecordDeviceLogin(c *gin.Context) {
	var req deviceLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}
	deviceID, err := uuid.Parse(req.DeviceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid device id"})
		return
	}

	device, flag, err := h.Devices.RecordLogin(deviceID, req.Success, req.Location)
	if err != nil {
		if errors.Is(err, devicetrust.ErrUnknownDevice) {
			c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "device not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}

	// A failure streak crossing the alarm threshold raises a high alert.
	if flag != nil {
		_, err := h.Alerts.Create(c.Request.Context(), device.UserID.String(), flag.Type,
			riskToSeverity(flag.Severity), "Repeated failed logins",
			"Multiple consecutive failed login attempts from one device",
			map[string]string{"device_id": device.ID.String()})
		if err == nil {
			h.Metrics.AlertsRaised.WithLabelValues(string(riskToSeverity(flag.Severity))).Inc()
		}
	}

	resp := gin.H{"device": toDeviceResponse(device)}
	if flag != nil {
		resp["flag"] = gin.H{"type": flag.Type, "severity": string(flag.Severity)}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SecurityHandler) VerifyDevice(c *gin.Context) {
	deviceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid device id"})
		return
	}
	if err := h.Devices.MarkVerified(deviceID); err != nil {
		c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "device not found"})
		return
	}
	h.audit(c, "device.verify", deviceID.String(), nil)
	c.JSON(http.StatusOK, gin.H{"verified": true})
}

func (h *SecurityHandler) AnalyzeDevice(c *gin.Context) {
	deviceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid device id"})
		return
	}

	assessment := h.Devices.AnalyzePattern(deviceID, devicetrust.Activity{
		At:       h.Clock.Now(),
		Location: c.Query("location"),
	})
	c.JSON(http.StatusOK, gin.H{
		"anomalous":  assessment.Anomalous,
		"anomalies":  assessment.Anomalies,
		"risk_level": string(assessment.RiskLevel),
		"additional_verification_required": h.Devices.RequireAdditionalVerification(deviceID),
	})
}

func (h *SecurityHandler) DeviceScore(c *gin.Context) {
	deviceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid device id"})
		return
	}

	score, err := h.Devices.CompositeScore(deviceID)
	if err != nil {
		c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "device not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"score": score})
}

func riskToSeverity(level devicetrust.RiskLevel) alert.Severity {
	switch level {
	case devicetrust.RiskHigh:
		return alert.SeverityHigh
	case devicetrust.RiskMedium:
		return alert.SeverityMedium
	default:
		return alert.SeverityLow
	}
}
