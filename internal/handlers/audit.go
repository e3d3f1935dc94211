package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Mosas2000/ProphetBase-sub004/internal/audit"
	"github.com/gin-gonic/gin"
)

func (h *SecurityHandler) SearchAudit(c *gin.Context) {
	q := audit.Query{
		UserID:   c.Query("user_id"),
		Action:   c.Query("action"),
		Resource: c.Query("resource"),
		IP:       c.Query("ip"),
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid from"})
			return
		}
		q.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid to"})
			return
		}
		q.To = t
	}
	if v := c.Query("offset"); v != "" {
		q.Offset, _ = strconv.Atoi(v)
	}
	if v := c.Query("limit"); v != "" {
		q.Limit, _ = strconv.Atoi(v)
	}

	entries, total, err := h.Audit.Search(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": total})
}

func (h *SecurityHandler) VerifyAuditChain(c *gin.Context) {
	report, err := h.Audit.VerifyChain(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":        report.Valid,
		"checked":      report.Checked,
		"tampered_ids": report.TamperedIDs,
	})
}

type exportAuditRequest struct {
	Format string `json:"format"`
	UserID string `json:"user_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

func (h *SecurityHandler) ExportAudit(c *gin.Context) {
	var req exportAuditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	q := audit.Query{UserID: req.UserID}
	if req.From != "" {
		t, err := time.Parse(time.RFC3339, req.From)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid from"})
			return
		}
		q.From = t
	}
	if req.To != "" {
		t, err := time.Parse(time.RFC3339, req.To)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid to"})
			return
		}
		q.To = t
	}

	export, err := h.Audit.Export(c.Request.Context(), q, req.Format, currentUserID(c))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
		return
	}

	h.audit(c, "audit.export", req.Format, map[string]string{"count": strconv.Itoa(export.Count)})
	c.JSON(http.StatusOK, export)
}
