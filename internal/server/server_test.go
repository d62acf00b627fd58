package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"

	"github.com/hirewire/hirewire/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing.
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		PlatformFeeBps:    config.DefaultPlatformFeeBps,
		StartedRefundBps:  config.DefaultStartedRefundBps,
		OngoingRefundBps:  config.DefaultOngoingRefundBps,
		CanceledPayoutBps: config.DefaultCanceledPayoutBps,
		AdminSecret:       "test-secret",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func do(t *testing.T, s *Server, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "GET", "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp["database"] != "disabled" {
		t.Errorf("Expected in-memory mode, got %v", resp["database"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "GET", "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestAdminRequiresSecret(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "GET", "/admin/escrow/held", "", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without secret, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/admin/escrow/held", nil)
	req.Header.Set("X-Admin-Secret", "test-secret")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with secret, got %d", rec.Code)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "GET", "/v1/nonexistent", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// TestContractLifecycleOverHTTP drives a contract from creation through
// funding, completion, and release using only the public routes.
func TestContractLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	// Client hires the freelancer.
	w := do(t, s, "POST", "/v1/contracts", "client-1", map[string]any{
		"jobId":        "job-1",
		"clientId":     "client-1",
		"freelancerId": "free-1",
		"amountCents":  1000,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Create contract: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	contractID := decode(t, w)["contract"].(map[string]interface{})["id"].(string)

	// Freelancer approves.
	w = do(t, s, "POST", "/v1/contracts/"+contractID+"/approve", "free-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Approve: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Funding arrives (simulated at the service layer; the webhook
	// route itself requires a Stripe signature).
	sess := &stripe.CheckoutSession{
		AmountTotal: 1000,
		Metadata:    map[string]string{"contract_id": contractID},
	}
	if err := s.paymentsSvc.HandleCheckoutCompleted(context.Background(), sess); err != nil {
		t.Fatalf("Funding failed: %v", err)
	}

	// Work progresses to completion.
	for _, status := range []string{"started", "ongoing", "completed"} {
		w = do(t, s, "POST", "/v1/contracts/"+contractID+"/status", "client-1", map[string]any{"status": status})
		if w.Code != http.StatusOK {
			t.Fatalf("Transition to %s: expected 200, got %d: %s", status, w.Code, w.Body.String())
		}
	}

	// Freelancer requests release, client approves payout.
	w = do(t, s, "POST", "/v1/contracts/"+contractID+"/release-request", "free-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Release request: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, s, "POST", "/v1/contracts/"+contractID+"/release", "client-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Release: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// The freelancer's wallet holds the earning (1000 minus 10% fee).
	w = do(t, s, "GET", "/v1/wallets/me", "free-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Get wallet: expected 200, got %d", w.Code)
	}
	balance := decode(t, w)["wallet"].(map[string]interface{})["balanceCents"].(float64)
	if balance != 900 {
		t.Errorf("Expected balance 900, got %v", balance)
	}

	// A second release conflicts.
	w = do(t, s, "POST", "/v1/contracts/"+contractID+"/release", "client-1", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Second release: expected 409, got %d", w.Code)
	}
}

func TestRefundOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "POST", "/v1/contracts", "client-1", map[string]any{
		"jobId":        "job-1",
		"clientId":     "client-1",
		"freelancerId": "free-1",
		"amountCents":  1000,
	})
	contractID := decode(t, w)["contract"].(map[string]interface{})["id"].(string)

	do(t, s, "POST", "/v1/contracts/"+contractID+"/approve", "free-1", nil)
	sess := &stripe.CheckoutSession{
		AmountTotal: 1000,
		Metadata:    map[string]string{"contract_id": contractID},
	}
	if err := s.paymentsSvc.HandleCheckoutCompleted(context.Background(), sess); err != nil {
		t.Fatalf("Funding failed: %v", err)
	}
	do(t, s, "POST", "/v1/contracts/"+contractID+"/status", "client-1", map[string]any{"status": "started"})

	// Freelancer cannot refund.
	w = do(t, s, "POST", "/v1/contracts/"+contractID+"/refund", "free-1", map[string]any{"reason": "x"})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for freelancer refund, got %d", w.Code)
	}

	// Client refund at started: 765 back, 135 to the freelancer.
	w = do(t, s, "POST", "/v1/contracts/"+contractID+"/refund", "client-1", map[string]any{"reason": "descoped"})
	if w.Code != http.StatusOK {
		t.Fatalf("Refund: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, s, "GET", "/v1/wallets/me", "client-1", nil)
	if balance := decode(t, w)["wallet"].(map[string]interface{})["balanceCents"].(float64); balance != 765 {
		t.Errorf("Expected client balance 765, got %v", balance)
	}
	w = do(t, s, "GET", "/v1/wallets/me", "free-1", nil)
	if balance := decode(t, w)["wallet"].(map[string]interface{})["balanceCents"].(float64); balance != 135 {
		t.Errorf("Expected freelancer balance 135, got %v", balance)
	}
}

func TestWebhookRejectsUnsignedPayload(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "POST", "/stripe/webhook", "", map[string]any{"type": "checkout.session.completed"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unsigned webhook, got %d", w.Code)
	}
}
