package withdrawal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordedAction struct {
	userID string
	action string
}

type captureRecorder struct {
	mu      sync.Mutex
	actions []recordedAction
}

func (r *captureRecorder) Record(_ context.Context, userID, action, _ string, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, recordedAction{userID: userID, action: action})
}

func (r *captureRecorder) has(action string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.actions {
		if a.action == action {
			return true
		}
	}
	return false
}

func newTestWorkflow(t *testing.T) (*Workflow, *captureRecorder, *fixedClock) {
	t.Helper()
	rec := &captureRecorder{}
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	w := NewWorkflow(Config{}, rec, nil)
	w.Clock = clock
	return w, rec, clock
}

func TestRequiredApprovalTiers(t *testing.T) {
	w, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	cases := []struct {
		amount       int64
		wantRequired int
		wantCooling  bool
	}{
		{500, 1, false},
		{1000, 2, false},
		{9999, 2, false},
		{10000, 3, true},
		{15000, 3, true},
	}
	for _, tc := range cases {
		req, res := w.Create(ctx, CreateParams{
			UserID:      "user-1",
			Amount:      decimal.NewFromInt(tc.amount),
			Currency:    "BTC",
			Destination: "bc1qaddr",
		})
		if !res.OK {
			t.Fatalf("Create(%d): %s", tc.amount, res.Message)
		}
		if req.RequiredApprovals != tc.wantRequired {
			t.Fatalf("amount %d: required = %d, want %d", tc.amount, req.RequiredApprovals, tc.wantRequired)
		}
		if (req.CoolingOffUntil != nil) != tc.wantCooling {
			t.Fatalf("amount %d: cooling-off = %v, want %v", tc.amount, req.CoolingOffUntil != nil, tc.wantCooling)
		}
	}
}

func TestLowTrustDeviceBumpsApprovals(t *testing.T) {
	w, _, _ := newTestWorkflow(t)
	trust := 0.2

	req, res := w.Create(context.Background(), CreateParams{
		UserID:      "user-1",
		Amount:      decimal.NewFromInt(500),
		Currency:    "BTC",
		Destination: "bc1qaddr",
		DeviceTrust: &trust,
	})
	if !res.OK {
		t.Fatalf("Create: %s", res.Message)
	}
	if req.RequiredApprovals != 2 {
		t.Fatalf("required = %d, want 2 with low-trust device", req.RequiredApprovals)
	}
}

// High-value path end to end: cooling-off blocks approvals, three distinct
// approvers flip the state, execution needs a verified whitelist entry.
func TestMultiSigWithCoolingOff(t *testing.T) {
	w, rec, clock := newTestWorkflow(t)
	ctx := context.Background()

	req, res := w.Create(ctx, CreateParams{
		UserID:      "user-1",
		Amount:      decimal.NewFromInt(15000),
		Currency:    "BTC",
		Destination: "bc1qaddr",
	})
	if !res.OK {
		t.Fatalf("Create: %s", res.Message)
	}
	if req.RequiredApprovals != 3 || req.CoolingOffUntil == nil {
		t.Fatalf("unexpected request: %+v", req)
	}

	if res := w.Approve(ctx, req.ID, "approver-1", "sig-1", ""); res.OK {
		t.Fatal("approval accepted inside cooling-off window")
	}

	clock.advance(61 * time.Minute)

	for _, approver := range []string{"approver-1", "approver-2"} {
		if res := w.Approve(ctx, req.ID, approver, "sig", ""); !res.OK {
			t.Fatalf("Approve(%s): %s", approver, res.Message)
		}
	}
	if res := w.Approve(ctx, req.ID, "approver-2", "sig", ""); res.OK {
		t.Fatal("duplicate approver accepted")
	}
	if got, _ := w.Get(req.ID); got.Status != StatusPending {
		t.Fatalf("status = %s before third approval, want pending", got.Status)
	}
	if res := w.Approve(ctx, req.ID, "approver-3", "sig", ""); !res.OK {
		t.Fatalf("Approve(approver-3): %s", res.Message)
	}
	if got, _ := w.Get(req.ID); got.Status != StatusApproved {
		t.Fatalf("status = %s, want approved", got.Status)
	}

	if res := w.Execute(ctx, req.ID); res.OK {
		t.Fatal("executed without whitelisted destination")
	}
	if res := w.AddAddress(ctx, "bc1qaddr", "cold wallet", "BTC", "admin"); !res.OK {
		t.Fatalf("AddAddress: %s", res.Message)
	}
	if res := w.Execute(ctx, req.ID); res.OK {
		t.Fatal("executed with unverified destination")
	}
	if res := w.VerifyAddress(ctx, "bc1qaddr", "BTC", "admin"); !res.OK {
		t.Fatalf("VerifyAddress: %s", res.Message)
	}
	if res := w.Execute(ctx, req.ID); !res.OK {
		t.Fatalf("Execute: %s", res.Message)
	}
	if got, _ := w.Get(req.ID); got.Status != StatusExecuted {
		t.Fatalf("status = %s, want executed", got.Status)
	}

	for _, action := range []string{"withdrawal.create", "withdrawal.approve", "withdrawal.execute", "whitelist.add", "whitelist.verify"} {
		if !rec.has(action) {
			t.Fatalf("audit action %q not recorded", action)
		}
	}
}

func TestRejectIsTerminal(t *testing.T) {
	w, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	req, _ := w.Create(ctx, CreateParams{
		UserID: "user-1", Amount: decimal.NewFromInt(2000), Currency: "ETH", Destination: "0xabc",
	})
	if res := w.Reject(ctx, req.ID, "approver-1", "suspicious destination"); !res.OK {
		t.Fatalf("Reject: %s", res.Message)
	}
	if res := w.Approve(ctx, req.ID, "approver-2", "sig", ""); res.OK {
		t.Fatal("approved a rejected request")
	}
	if res := w.Reject(ctx, req.ID, "approver-2", "again"); res.OK {
		t.Fatal("rejected a rejected request")
	}
	if got, _ := w.Get(req.ID); got.RejectedBy != "approver-1" {
		t.Fatalf("rejected_by = %q, want approver-1", got.RejectedBy)
	}
}

func TestCancelOwnerOnly(t *testing.T) {
	w, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	req, _ := w.Create(ctx, CreateParams{
		UserID: "user-1", Amount: decimal.NewFromInt(100), Currency: "ETH", Destination: "0xabc",
	})
	if res := w.Cancel(ctx, req.ID, "user-2"); res.OK {
		t.Fatal("non-owner cancel accepted")
	}
	if res := w.Cancel(ctx, req.ID, "user-1"); !res.OK {
		t.Fatalf("Cancel: %s", res.Message)
	}

	// Executed requests stay executed.
	req2, _ := w.Create(ctx, CreateParams{
		UserID: "user-1", Amount: decimal.NewFromInt(100), Currency: "ETH", Destination: "0xabc",
	})
	w.AddAddress(ctx, "0xabc", "", "ETH", "admin")
	w.VerifyAddress(ctx, "0xabc", "ETH", "admin")
	if res := w.Approve(ctx, req2.ID, "approver-1", "sig", ""); !res.OK {
		t.Fatalf("Approve: %s", res.Message)
	}
	if res := w.Execute(ctx, req2.ID); !res.OK {
		t.Fatalf("Execute: %s", res.Message)
	}
	if res := w.Cancel(ctx, req2.ID, "user-1"); res.OK {
		t.Fatal("cancelled an executed request")
	}
}

func TestExpirePending(t *testing.T) {
	w, rec, clock := newTestWorkflow(t)
	ctx := context.Background()

	stale, _ := w.Create(ctx, CreateParams{
		UserID: "user-1", Amount: decimal.NewFromInt(100), Currency: "ETH", Destination: "0xabc",
	})
	clock.advance(169 * time.Hour)
	fresh, _ := w.Create(ctx, CreateParams{
		UserID: "user-1", Amount: decimal.NewFromInt(100), Currency: "ETH", Destination: "0xabc",
	})

	if n := w.ExpirePending(ctx); n != 1 {
		t.Fatalf("ExpirePending = %d, want 1", n)
	}
	if got, _ := w.Get(stale.ID); got.Status != StatusExpired {
		t.Fatalf("stale status = %s, want expired", got.Status)
	}
	if got, _ := w.Get(fresh.ID); got.Status != StatusPending {
		t.Fatalf("fresh status = %s, want pending", got.Status)
	}
	if res := w.Approve(ctx, stale.ID, "approver-1", "sig", ""); res.OK {
		t.Fatal("approved an expired request")
	}
	if !rec.has("withdrawal.expire") {
		t.Fatal("expiry not recorded")
	}
}
