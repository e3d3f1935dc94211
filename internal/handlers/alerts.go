package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Mosas2000/ProphetBase-sub004/internal/alert"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type createAlertRequest struct {
	UserID      string            `json:"user_id"`
	Type        string            `json:"type"`
	Severity    string            `json:"severity"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

func (h *SecurityHandler) CreateAlert(c *gin.Context) {
	var req createAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	created, err := h.Alerts.Create(c.Request.Context(), req.UserID, req.Type,
		alert.Severity(req.Severity), req.Title, req.Description, req.Metadata)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
		return
	}

	h.Metrics.AlertsRaised.WithLabelValues(string(created.Severity)).Inc()
	h.audit(c, "alert.create", created.ID.String(), map[string]string{
		"type":     created.Type,
		"severity": string(created.Severity),
	})
	c.JSON(http.StatusCreated, created)
}

func (h *SecurityHandler) ListAlerts(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		userID = currentUserID(c)
	}
	includeResolved := c.Query("include_resolved") == "true"
	c.JSON(http.StatusOK, gin.H{"alerts": h.Alerts.List(userID, includeResolved)})
}

func (h *SecurityHandler) ResolveAlert(c *gin.Context) {
	alertID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid alert id"})
		return
	}

	if err := h.Alerts.Resolve(alertID, currentUserID(c)); err != nil {
		switch {
		case errors.Is(err, alert.ErrNotFound):
			c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "alert not found"})
		case errors.Is(err, alert.ErrAlreadyResolved):
			c.JSON(http.StatusConflict, errorResponse{Code: "CONFLICT", Message: "alert already resolved"})
		default:
			c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		}
		return
	}

	h.audit(c, "alert.resolve", alertID.String(), nil)
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

type escalateAlertRequest struct {
	Severity string `json:"severity"`
}

func (h *SecurityHandler) EscalateAlert(c *gin.Context) {
	alertID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid alert id"})
		return
	}

	var req escalateAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	escalated, err := h.Alerts.Escalate(c.Request.Context(), alertID, alert.Severity(req.Severity))
	if err != nil {
		switch {
		case errors.Is(err, alert.ErrNotFound):
			c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "alert not found"})
		case errors.Is(err, alert.ErrAlreadyResolved):
			c.JSON(http.StatusConflict, errorResponse{Code: "CONFLICT", Message: "alert already resolved"})
		case errors.Is(err, alert.ErrNotEscalation):
			c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "severity must increase"})
		default:
			c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
		}
		return
	}

	h.audit(c, "alert.escalate", alertID.String(), map[string]string{"severity": string(escalated.Severity)})
	c.JSON(http.StatusOK, escalated)
}

func (h *SecurityHandler) BulkResolveAlerts(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "user_id is required"})
		return
	}

	resolved := h.Alerts.BulkResolve(userID, currentUserID(c))
	h.audit(c, "alert.bulk_resolve", userID, map[string]string{"count": strconv.Itoa(resolved)})
	c.JSON(http.StatusOK, gin.H{"resolved": resolved})
}

func (h *SecurityHandler) AlertTrend(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		userID = currentUserID(c)
	}
	days := 30
	if v := c.Query("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	c.JSON(http.StatusOK, h.Alerts.TrendFor(userID, days))
}
