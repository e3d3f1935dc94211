package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/Mosas2000/ProphetBase-sub004/internal/credential"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type issueKeyRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	IPAllowList []string `json:"ip_allow_list"`
	ExpiresIn   string   `json:"expires_in"`
}

type apiKeyResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	IPAllowList []string   `json:"ip_allow_list,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

type issueKeyResponse struct {
	apiKeyResponse
	Key string `json:"key"`
}

func keyResponse(k *credential.APIKey) apiKeyResponse {
	perms := make([]string, 0, len(k.Permissions))
	for _, p := range k.Permissions.List() {
		perms = append(perms, string(p))
	}
	return apiKeyResponse{
		ID:          k.ID,
		Name:        k.Name,
		Permissions: perms,
		IPAllowList: k.IPAllowList,
		Status:      string(k.Status),
		CreatedAt:   k.CreatedAt,
		ExpiresAt:   k.ExpiresAt,
		LastUsedAt:  k.LastUsedAt,
	}
}

func (h *SecurityHandler) IssueKey(c *gin.Context) {
	userID, err := uuid.Parse(currentUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid user"})
		return
	}

	var req issueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	perms := make(credential.PermissionSet, len(req.Permissions))
	for _, p := range req.Permissions {
		perms[credential.Permission(p)] = struct{}{}
	}

	var expiresIn *time.Duration
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid expires_in"})
			return
		}
		expiresIn = &d
	}

	issued, err := h.Credentials.Issue(c.Request.Context(), userID, req.Name, perms, req.IPAllowList, expiresIn)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
		return
	}

	h.audit(c, "apikey.issue", issued.Key.ID, map[string]string{"name": req.Name})
	c.JSON(http.StatusCreated, issueKeyResponse{
		apiKeyResponse: keyResponse(issued.Key),
		Key:            issued.Plaintext,
	})
}

func (h *SecurityHandler) ListKeys(c *gin.Context) {
	userID, err := uuid.Parse(currentUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid user"})
		return
	}

	keys, err := h.Credentials.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}

	out := make([]apiKeyResponse, 0, len(keys))
	for i := range keys {
		out = append(out, keyResponse(&keys[i]))
	}
	c.JSON(http.StatusOK, gin.H{"keys": out})
}

type verifyKeyRequest struct {
	Key        string `json:"key"`
	Permission string `json:"permission"`
	ClientIP   string `json:"client_ip"`
}

type verifyKeyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	KeyID  string `json:"key_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

func (h *SecurityHandler) VerifyKey(c *gin.Context) {
	var req verifyKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Key == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	res, err := h.Credentials.Verify(c.Request.Context(), req.Key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}
	if !res.Valid {
		h.Metrics.KeyVerifications.WithLabelValues("denied").Inc()
		c.JSON(http.StatusOK, verifyKeyResponse{Valid: false, Reason: res.Reason})
		return
	}

	if req.Permission != "" && !h.Credentials.CheckPermission(res.Key, credential.Permission(req.Permission)) {
		h.Metrics.KeyVerifications.WithLabelValues("denied").Inc()
		c.JSON(http.StatusOK, verifyKeyResponse{Valid: false, Reason: "insufficient permissions"})
		return
	}
	if req.ClientIP != "" && !h.Credentials.CheckIPAllowed(res.Key, req.ClientIP) {
		h.Metrics.KeyVerifications.WithLabelValues("denied").Inc()
		c.JSON(http.StatusOK, verifyKeyResponse{Valid: false, Reason: "ip not allowed"})
		return
	}

	h.Metrics.KeyVerifications.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, verifyKeyResponse{
		Valid:  true,
		KeyID:  res.Key.ID,
		UserID: res.Key.UserID.String(),
	})
}

func (h *SecurityHandler) RotateKey(c *gin.Context) {
	issued, err := h.Credentials.Rotate(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, credential.ErrNotFound):
			c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "key not found"})
		case errors.Is(err, credential.ErrKeyInactive):
			c.JSON(http.StatusConflict, errorResponse{Code: "CONFLICT", Message: "key is not active"})
		default:
			c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		}
		return
	}

	h.audit(c, "apikey.rotate", c.Param("id"), map[string]string{"replacement": issued.Key.ID})
	c.JSON(http.StatusOK, issueKeyResponse{
		apiKeyResponse: keyResponse(issued.Key),
		Key:            issued.Plaintext,
	})
}

func (h *SecurityHandler) RevokeKey(c *gin.Context) {
	if err := h.Credentials.Revoke(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}

	h.audit(c, "apikey.revoke", c.Param("id"), nil)
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// audit records a handler-level mutation; ledger failures must not fail the
// request that already succeeded.
func (h *SecurityHandler) audit(c *gin.Context, action, resource string, metadata map[string]string) {
	_, _ = h.Audit.Log(c.Request.Context(), currentUserID(c), action, resource, metadata, requestMeta(c))
}
