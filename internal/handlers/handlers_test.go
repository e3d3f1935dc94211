package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Mosas2000/ProphetBase-sub004/internal/alert"
	"github.com/Mosas2000/ProphetBase-sub004/internal/audit"
	"github.com/Mosas2000/ProphetBase-sub004/internal/credential"
	"github.com/Mosas2000/ProphetBase-sub004/internal/devicetrust"
	"github.com/Mosas2000/ProphetBase-sub004/internal/quota"
	"github.com/Mosas2000/ProphetBase-sub004/internal/withdrawal"
	libauth "github.com/Mosas2000/ProphetBase-sub004/libs/auth"
	"github.com/Mosas2000/ProphetBase-sub004/libs/events"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const testUserID = "7f9c24e5-1b2a-4c3d-8e4f-5a6b7c8d9e0f"

type auditRecorder struct {
	ledger *audit.Ledger
}

func (r auditRecorder) Record(ctx context.Context, userID, action, resource string, metadata map[string]string) {
	_, _ = r.ledger.Log(ctx, userID, action, resource, metadata, nil)
}

func setupRouter(t *testing.T) (*gin.Engine, *SecurityHandler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ledger, err := audit.NewLedger(context.Background(), audit.NewMemoryStore(), 1, []byte("test-signing-key"), nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	h := NewSecurityHandler(
		credential.NewService(credential.NewMemoryStore(), "test", nil),
		quota.NewEnforcer(nil),
		devicetrust.NewEngine(nil),
		ledger,
		alert.NewDispatcher(events.NopPublisher{}, "security.alerts", nil),
		withdrawal.NewWorkflow(withdrawal.Config{}, auditRecorder{ledger: ledger}, nil),
		NewMetrics(prometheus.NewRegistry()),
	)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(libauth.ContextUserIDKey, testUserID)
		c.Next()
	})
	h.RegisterRoutes(router)
	return router, h
}

func performRequest(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestIssueAndVerifyKeyOverHTTP(t *testing.T) {
	router, _ := setupRouter(t)

	resp := performRequest(router, http.MethodPost, "/v1/keys", issueKeyRequest{
		Name:        "trading bot",
		Permissions: []string{"read", "trade"},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	var issued issueKeyResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &issued); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if issued.Key == "" {
		t.Fatal("expected plaintext key in issue response")
	}

	resp = performRequest(router, http.MethodPost, "/v1/verify", verifyKeyRequest{
		Key:        issued.Key,
		Permission: "trade",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var verified verifyKeyResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &verified); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !verified.Valid || verified.UserID != testUserID {
		t.Fatalf("unexpected verify result: %+v", verified)
	}

	// withdraw was never granted
	resp = performRequest(router, http.MethodPost, "/v1/verify", verifyKeyRequest{
		Key:        issued.Key,
		Permission: "withdraw",
	})
	if err := json.Unmarshal(resp.Body.Bytes(), &verified); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if verified.Valid {
		t.Fatal("verify succeeded with ungranted permission")
	}
}

func TestGuardCheckGatesAndAudits(t *testing.T) {
	router, h := setupRouter(t)

	resp := performRequest(router, http.MethodPut, "/v1/quota/rules", quotaRuleRequest{
		ID:          "api",
		WindowMS:    60000,
		MaxRequests: 2,
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("rule setup failed: %d", resp.Code)
	}

	issueResp := performRequest(router, http.MethodPost, "/v1/keys", issueKeyRequest{
		Name:        "guard key",
		Permissions: []string{"read"},
	})
	var issued issueKeyResponse
	if err := json.Unmarshal(issueResp.Body.Bytes(), &issued); err != nil {
		t.Fatalf("decode issue response: %v", err)
	}

	check := guardCheckRequest{
		Key:        issued.Key,
		Permission: "read",
		RuleID:     "api",
		Identifier: "client-1",
		Action:     "orders.read",
		Resource:   "orders",
	}

	var out guardCheckResponse
	for i := 0; i < 2; i++ {
		resp = performRequest(router, http.MethodPost, "/v1/guard/check", check)
		if resp.Code != http.StatusOK {
			t.Fatalf("guard check %d: status %d", i, resp.Code)
		}
		if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if !out.Allowed {
			t.Fatalf("guard check %d denied: %s", i, out.Reason)
		}
	}

	// third call trips the two-request rule
	resp = performRequest(router, http.MethodPost, "/v1/guard/check", check)
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Allowed || out.RetryAfterMS <= 0 {
		t.Fatalf("expected rate-limited denial, got %+v", out)
	}

	entries, _, err := h.Audit.Search(context.Background(), audit.Query{Action: "orders.read"})
	if err != nil {
		t.Fatalf("audit search: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audited %d guard passes, want 2", len(entries))
	}
}

func TestGuardCheckRejectsTamperedKey(t *testing.T) {
	router, _ := setupRouter(t)

	performRequest(router, http.MethodPut, "/v1/quota/rules", quotaRuleRequest{
		ID:          "api",
		WindowMS:    60000,
		MaxRequests: 10,
	})

	resp := performRequest(router, http.MethodPost, "/v1/guard/check", guardCheckRequest{
		Key:    "pb_test_abc123.tampered-secret",
		RuleID: "api",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var out guardCheckResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Allowed {
		t.Fatal("tampered key passed the guard")
	}
}

func TestWithdrawalFlowOverHTTP(t *testing.T) {
	router, h := setupRouter(t)

	resp := performRequest(router, http.MethodPost, "/v1/withdrawals", createWithdrawalRequest{
		Amount:      "500",
		Currency:    "BTC",
		Destination: "bc1qaddr",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var created withdrawal.Request
	if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.RequiredApprovals != 1 {
		t.Fatalf("required = %d, want 1", created.RequiredApprovals)
	}

	// execute before approval and whitelisting must fail
	resp = performRequest(router, http.MethodPost, "/v1/withdrawals/"+created.ID.String()+"/execute", nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("premature execute: status %d, want 409", resp.Code)
	}

	resp = performRequest(router, http.MethodPost, "/v1/withdrawals/"+created.ID.String()+"/approve", approveWithdrawalRequest{Signature: "sig"})
	if resp.Code != http.StatusOK {
		t.Fatalf("approve: status %d: %s", resp.Code, resp.Body.String())
	}

	performRequest(router, http.MethodPost, "/v1/whitelist", whitelistAddRequest{
		Address: "bc1qaddr", Label: "cold", Currency: "BTC",
	})
	performRequest(router, http.MethodPost, "/v1/whitelist/verify", whitelistVerifyRequest{
		Address: "bc1qaddr", Currency: "BTC",
	})

	resp = performRequest(router, http.MethodPost, "/v1/withdrawals/"+created.ID.String()+"/execute", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("execute: status %d: %s", resp.Code, resp.Body.String())
	}

	got, ok := h.Withdrawals.Get(created.ID)
	if !ok || got.Status != withdrawal.StatusExecuted {
		t.Fatalf("final status = %v, want executed", got.Status)
	}

	entries, _, err := h.Audit.Search(context.Background(), audit.Query{Action: "withdrawal.execute"})
	if err != nil {
		t.Fatalf("audit search: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audited %d executions, want 1", len(entries))
	}
}

func TestLargeWithdrawalRaisesAlert(t *testing.T) {
	router, h := setupRouter(t)

	resp := performRequest(router, http.MethodPost, "/v1/withdrawals", createWithdrawalRequest{
		Amount:      "25000",
		Currency:    "BTC",
		Destination: "bc1qaddr",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	var created withdrawal.Request
	if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.RequiredApprovals != 3 || created.CoolingOffUntil == nil {
		t.Fatalf("large withdrawal missing multi-sig gating: %+v", created)
	}
	if created.CoolingOffUntil.Sub(created.CreatedAt) < time.Hour {
		t.Fatalf("cooling-off shorter than an hour: %v", created.CoolingOffUntil)
	}

	alerts := h.Alerts.List(testUserID, false)
	if len(alerts) != 1 || alerts[0].Type != "large_withdrawal" {
		t.Fatalf("expected one large_withdrawal alert, got %+v", alerts)
	}
}
