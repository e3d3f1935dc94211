package withdrawal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Result reports business-rule outcomes. Rule violations are ordinary
// results, not errors.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func ok(msg string) Result   { return Result{OK: true, Message: msg} }
func fail(msg string) Result { return Result{OK: false, Message: msg} }

type Approval struct {
	ApproverID string    `json:"approver_id"`
	Signature  string    `json:"signature"`
	Comments   string    `json:"comments,omitempty"`
	ApprovedAt time.Time `json:"approved_at"`
}

type Request struct {
	ID                uuid.UUID       `json:"id"`
	UserID            string          `json:"user_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Destination       string          `json:"destination"`
	Status            Status          `json:"status"`
	RequiredApprovals int             `json:"required_approvals"`
	Approvals         []Approval      `json:"approvals"`
	RejectedBy        string          `json:"rejected_by,omitempty"`
	RejectReason      string          `json:"reject_reason,omitempty"`
	CoolingOffUntil   *time.Time      `json:"cooling_off_until,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (r *Request) clone() *Request {
	cp := *r
	cp.Approvals = append([]Approval(nil), r.Approvals...)
	if r.CoolingOffUntil != nil {
		t := *r.CoolingOffUntil
		cp.CoolingOffUntil = &t
	}
	return &cp
}

type WhitelistedAddress struct {
	Address    string     `json:"address"`
	Label      string     `json:"label"`
	Currency   string     `json:"currency"`
	AddedBy    string     `json:"added_by"`
	Verified   bool       `json:"verified"`
	AddedAt    time.Time  `json:"added_at"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

// Config holds the approval thresholds. Amounts at or above
// MultiSigThreshold also get a cooling-off window before any approval
// counts.
type Config struct {
	ApprovalThreshold decimal.Decimal
	MultiSigThreshold decimal.Decimal
	CoolingPeriod     time.Duration
	PendingTTL        time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ApprovalThreshold.IsZero() {
		cfg.ApprovalThreshold = decimal.NewFromInt(1000)
	}
	if cfg.MultiSigThreshold.IsZero() {
		cfg.MultiSigThreshold = decimal.NewFromInt(10000)
	}
	if cfg.CoolingPeriod <= 0 {
		cfg.CoolingPeriod = time.Hour
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 168 * time.Hour
	}
	return cfg
}

// Recorder receives every workflow decision for the audit trail.
type Recorder interface {
	Record(ctx context.Context, userID, action, resource string, metadata map[string]string)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, string, string, string, map[string]string) {}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

const lowTrustApprovalBump = 0.3

// Workflow is the multi-signature withdrawal state machine.
//
// Legal transitions: pending -> {approved, rejected, cancelled, expired};
// approved -> {executed, cancelled}. Everything else is refused.
type Workflow struct {
	mu        sync.RWMutex
	requests  map[uuid.UUID]*Request
	order     []uuid.UUID
	whitelist map[string]*WhitelistedAddress
	cfg       Config
	recorder  Recorder
	logger    *slog.Logger
	Clock     Clock
}

func NewWorkflow(cfg Config, recorder Recorder, logger *slog.Logger) *Workflow {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		requests:  make(map[uuid.UUID]*Request),
		whitelist: make(map[string]*WhitelistedAddress),
		cfg:       cfg.withDefaults(),
		recorder:  recorder,
		logger:    logger,
		Clock:     systemClock{},
	}
}

type CreateParams struct {
	UserID      string
	Amount      decimal.Decimal
	Currency    string
	Destination string
	// DeviceTrust, when known, gates risk: low-trust devices need one
	// extra approval. Nil means no device signal.
	DeviceTrust *float64
}

func (w *Workflow) Create(ctx context.Context, p CreateParams) (*Request, Result) {
	if p.UserID == "" || p.Currency == "" || p.Destination == "" {
		return nil, fail("user, currency and destination are required")
	}
	if !p.Amount.IsPositive() {
		return nil, fail("amount must be positive")
	}

	now := w.Clock.Now().UTC()
	req := &Request{
		ID:                uuid.New(),
		UserID:            p.UserID,
		Amount:            p.Amount,
		Currency:          p.Currency,
		Destination:       p.Destination,
		Status:            StatusPending,
		RequiredApprovals: 1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	switch {
	case p.Amount.GreaterThanOrEqual(w.cfg.MultiSigThreshold):
		req.RequiredApprovals = 3
		until := now.Add(w.cfg.CoolingPeriod)
		req.CoolingOffUntil = &until
	case p.Amount.GreaterThanOrEqual(w.cfg.ApprovalThreshold):
		req.RequiredApprovals = 2
	}
	if p.DeviceTrust != nil && *p.DeviceTrust < lowTrustApprovalBump {
		req.RequiredApprovals++
	}

	w.mu.Lock()
	w.requests[req.ID] = req
	w.order = append(w.order, req.ID)
	w.mu.Unlock()

	w.recorder.Record(ctx, p.UserID, "withdrawal.create", req.ID.String(), map[string]string{
		"amount":             p.Amount.String(),
		"currency":           p.Currency,
		"destination":        p.Destination,
		"required_approvals": fmt.Sprintf("%d", req.RequiredApprovals),
	})
	w.logger.Info("withdrawal requested",
		"request_id", req.ID.String(),
		"user_id", p.UserID,
		"amount", p.Amount.String(),
		"required_approvals", req.RequiredApprovals,
	)
	return req.clone(), ok("withdrawal request created")
}

func (w *Workflow) Get(id uuid.UUID) (*Request, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	req, found := w.requests[id]
	if !found {
		return nil, false
	}
	return req.clone(), true
}

// ListByUser returns a user's requests, newest first.
func (w *Workflow) ListByUser(userID string) []Request {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []Request
	for i := len(w.order) - 1; i >= 0; i-- {
		req := w.requests[w.order[i]]
		if req.UserID == userID {
			out = append(out, *req.clone())
		}
	}
	return out
}

func (w *Workflow) Approve(ctx context.Context, id uuid.UUID, approverID, signature, comments string) Result {
	if approverID == "" {
		return fail("approver id is required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	req, found := w.requests[id]
	if !found {
		return fail("withdrawal request not found")
	}
	if req.Status != StatusPending {
		return fail(fmt.Sprintf("cannot approve a %s request", req.Status))
	}
	now := w.Clock.Now().UTC()
	if req.CoolingOffUntil != nil && now.Before(*req.CoolingOffUntil) {
		return fail(fmt.Sprintf("cooling-off period active until %s", req.CoolingOffUntil.Format(time.RFC3339)))
	}
	for _, a := range req.Approvals {
		if a.ApproverID == approverID {
			return fail("approver has already approved this request")
		}
	}

	req.Approvals = append(req.Approvals, Approval{
		ApproverID: approverID,
		Signature:  signature,
		Comments:   comments,
		ApprovedAt: now,
	})
	req.UpdatedAt = now
	if len(req.Approvals) >= req.RequiredApprovals {
		req.Status = StatusApproved
	}

	w.recorder.Record(ctx, req.UserID, "withdrawal.approve", req.ID.String(), map[string]string{
		"approver":  approverID,
		"approvals": fmt.Sprintf("%d/%d", len(req.Approvals), req.RequiredApprovals),
		"status":    string(req.Status),
	})
	if req.Status == StatusApproved {
		return ok("withdrawal fully approved")
	}
	return ok(fmt.Sprintf("approval recorded, %d of %d", len(req.Approvals), req.RequiredApprovals))
}

// Reject is a single-approver veto and is terminal.
func (w *Workflow) Reject(ctx context.Context, id uuid.UUID, approverID, reason string) Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	req, found := w.requests[id]
	if !found {
		return fail("withdrawal request not found")
	}
	if req.Status != StatusPending {
		return fail(fmt.Sprintf("cannot reject a %s request", req.Status))
	}

	req.Status = StatusRejected
	req.RejectedBy = approverID
	req.RejectReason = reason
	req.UpdatedAt = w.Clock.Now().UTC()

	w.recorder.Record(ctx, req.UserID, "withdrawal.reject", req.ID.String(), map[string]string{
		"approver": approverID,
		"reason":   reason,
	})
	return ok("withdrawal rejected")
}

func (w *Workflow) Execute(ctx context.Context, id uuid.UUID) Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	req, found := w.requests[id]
	if !found {
		return fail("withdrawal request not found")
	}
	if req.Status != StatusApproved {
		return fail(fmt.Sprintf("cannot execute a %s request", req.Status))
	}
	entry, listed := w.whitelist[whitelistKey(req.Currency, req.Destination)]
	if !listed {
		return fail("destination address is not whitelisted")
	}
	if !entry.Verified {
		return fail("destination address is not verified")
	}

	req.Status = StatusExecuted
	req.UpdatedAt = w.Clock.Now().UTC()

	w.recorder.Record(ctx, req.UserID, "withdrawal.execute", req.ID.String(), map[string]string{
		"amount":      req.Amount.String(),
		"currency":    req.Currency,
		"destination": req.Destination,
	})
	w.logger.Info("withdrawal executed",
		"request_id", req.ID.String(),
		"user_id", req.UserID,
		"amount", req.Amount.String(),
	)
	return ok("withdrawal executed")
}

func (w *Workflow) Cancel(ctx context.Context, id uuid.UUID, userID string) Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	req, found := w.requests[id]
	if !found {
		return fail("withdrawal request not found")
	}
	if req.UserID != userID {
		return fail("only the request owner may cancel")
	}
	if req.Status != StatusPending && req.Status != StatusApproved {
		return fail(fmt.Sprintf("cannot cancel a %s request", req.Status))
	}

	req.Status = StatusCancelled
	req.UpdatedAt = w.Clock.Now().UTC()

	w.recorder.Record(ctx, req.UserID, "withdrawal.cancel", req.ID.String(), nil)
	return ok("withdrawal cancelled")
}

func whitelistKey(currency, address string) string {
	return currency + "/" + address
}

func (w *Workflow) AddAddress(ctx context.Context, address, label, currency, addedBy string) Result {
	if address == "" || currency == "" {
		return fail("address and currency are required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	key := whitelistKey(currency, address)
	if _, exists := w.whitelist[key]; exists {
		return fail("address is already whitelisted")
	}
	w.whitelist[key] = &WhitelistedAddress{
		Address:  address,
		Label:    label,
		Currency: currency,
		AddedBy:  addedBy,
		AddedAt:  w.Clock.Now().UTC(),
	}

	w.recorder.Record(ctx, addedBy, "whitelist.add", key, map[string]string{"label": label})
	return ok("address whitelisted, pending verification")
}

func (w *Workflow) VerifyAddress(ctx context.Context, address, currency, verifiedBy string) Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := whitelistKey(currency, address)
	entry, exists := w.whitelist[key]
	if !exists {
		return fail("address is not whitelisted")
	}
	if entry.Verified {
		return fail("address is already verified")
	}

	now := w.Clock.Now().UTC()
	entry.Verified = true
	entry.VerifiedAt = &now

	w.recorder.Record(ctx, verifiedBy, "whitelist.verify", key, nil)
	return ok("address verified")
}

func (w *Workflow) ListAddresses(currency string) []WhitelistedAddress {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []WhitelistedAddress
	for _, entry := range w.whitelist {
		if currency == "" || entry.Currency == currency {
			out = append(out, *entry)
		}
	}
	return out
}

// ExpirePending transitions requests stuck in pending past the TTL.
func (w *Workflow) ExpirePending(ctx context.Context) int {
	cutoff := w.Clock.Now().UTC().Add(-w.cfg.PendingTTL)

	w.mu.Lock()
	defer w.mu.Unlock()

	expired := 0
	for _, req := range w.requests {
		if req.Status != StatusPending || req.CreatedAt.After(cutoff) {
			continue
		}
		req.Status = StatusExpired
		req.UpdatedAt = w.Clock.Now().UTC()
		w.recorder.Record(ctx, req.UserID, "withdrawal.expire", req.ID.String(), nil)
		expired++
	}
	if expired > 0 {
		w.logger.Info("expired stale withdrawal requests", "count", expired)
	}
	return expired
}

// StartExpirySweeper runs ExpirePending on a ticker until ctx is done.
func (w *Workflow) StartExpirySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.ExpirePending(ctx)
			}
		}
	}()
}
