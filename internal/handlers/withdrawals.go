package handlers

import (
	"net/http"

	"github.com/Mosas2000/ProphetBase-sub004/internal/alert"
	"github.com/Mosas2000/ProphetBase-sub004/internal/withdrawal"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type createWithdrawalRequest struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
	DeviceID    string `json:"device_id"`
}

func (h *SecurityHandler) CreateWithdrawal(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid user"})
		return
	}

	var req createWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid amount"})
		return
	}

	params := withdrawal.CreateParams{
		UserID:      userID,
		Amount:      amount,
		Currency:    req.Currency,
		Destination: req.Destination,
	}
	if req.DeviceID != "" {
		if deviceID, err := uuid.Parse(req.DeviceID); err == nil {
			if score, err := h.Devices.CompositeScore(deviceID); err == nil {
				params.DeviceTrust = &score
			}
		}
	}

	created, res := h.Withdrawals.Create(c.Request.Context(), params)
	if !res.OK {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: res.Message})
		return
	}
	h.Metrics.WithdrawalTransitions.WithLabelValues(string(withdrawal.StatusPending)).Inc()

	// Large requests also surface as alerts alongside the approval flow.
	if raised, err := h.Alerts.DetectAnomalies(c.Request.Context(), userID, alert.Activity{
		WithdrawalAmount: amount,
		DeviceTrust:      params.DeviceTrust,
	}); err == nil {
		for _, a := range raised {
			h.Metrics.AlertsRaised.WithLabelValues(string(a.Severity)).Inc()
		}
	}

	c.JSON(http.StatusCreated, created)
}

func (h *SecurityHandler) ListWithdrawals(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		userID = currentUserID(c)
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": h.Withdrawals.ListByUser(userID)})
}

type approveWithdrawalRequest struct {
	Signature string `json:"signature"`
	Comments  string `json:"comments"`
}

func (h *SecurityHandler) ApproveWithdrawal(c *gin.Context) {
	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid request id"})
		return
	}

	var req approveWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	res := h.Withdrawals.Approve(c.Request.Context(), requestID, currentUserID(c), req.Signature, req.Comments)
	if !res.OK {
		c.JSON(http.StatusConflict, errorResponse{Code: "CONFLICT", Message: res.Message})
		return
	}
	if got, ok := h.Withdrawals.Get(requestID); ok && got.Status == withdrawal.StatusApproved {
		h.Metrics.WithdrawalTransitions.WithLabelValues(string(withdrawal.StatusApproved)).Inc()
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": res.Message})
}

type rejectWithdrawalRequest struct {
	Reason string `json:"reason"`
}

func (h *SecurityHandler) RejectWithdrawal(c *gin.Context) {
	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid request id"})
		return
	}

	var req rejectWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	res := h.Withdrawals.Reject(c.Request.Context(), requestID, currentUserID(c), req.Reason)
	if !res.OK {
		c.JSON(http.StatusConflict, errorResponse{Code: "CONFLICT", Message: res.Message})
		return
	}
	h.Metrics.WithdrawalTransitions.WithLabelValues(string(withdrawal.StatusRejected)).Inc()
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": res.Message})
}

func (h *SecurityHandler) ExecuteWithdrawal(c *gin.Context) {
	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid request id"})
		return
	}

	res := h.Withdrawals.Execute(c.Request.Context(), requestID)
	if !res.OK {
		c.JSON(http.StatusConflict, errorResponse{Code: "CONFLICT", Message: res.Message})
		return
	}
	h.Metrics.WithdrawalTransitions.WithLabelValues(string(withdrawal.StatusExecuted)).Inc()
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": res.Message})
}

func (h *SecurityHandler) CancelWithdrawal(c *gin.Context) {
	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid request id"})
		return
	}

	res := h.Withdrawals.Cancel(c.Request.Context(), requestID, currentUserID(c))
	if !res.OK {
		c.JSON(http.StatusConflict, errorResponse{Code: "CONFLICT", Message: res.Message})
		return
	}
	h.Metrics.WithdrawalTransitions.WithLabelValues(string(withdrawal.StatusCancelled)).Inc()
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": res.Message})
}

type whitelistAddRequest struct {
	Address  string `json:"address"`
	Label    string `json:"label"`
	Currency string `json:"currency"`
}

func (h *SecurityHandler) AddWhitelistAddress(c *gin.Context) {
	var req whitelistAddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	res := h.Withdrawals.AddAddress(c.Request.Context(), req.Address, req.Label, req.Currency, currentUserID(c))
	if !res.OK {
		c.JSON(http.StatusConflict, errorResponse{Code: "CONFLICT", Message: res.Message})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "message": res.Message})
}

type whitelistVerifyRequest struct {
	Address  string `json:"address"`
	Currency string `json:"currency"`
}

func (h *SecurityHandler) VerifyWhitelistAddress(c *gin.Context) {
	var req whitelistVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	res := h.Withdrawals.VerifyAddress(c.Request.Context(), req.Address, req.Currency, currentUserID(c))
	if !res.OK {
		c.JSON(http.StatusConflict, errorResponse{Code: "CONFLICT", Message: res.Message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": res.Message})
}

func (h *SecurityHandler) ListWhitelistAddresses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"addresses": h.Withdrawals.ListAddresses(c.Query("currency"))})
}
