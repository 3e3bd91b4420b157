package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/starlit-live/walletcore/internal/config"
	"github.com/starlit-live/walletcore/internal/wallet"
)

// newTestServer spins up the full router over in-memory storage.
func newTestServer(t *testing.T) (*Server, *wallet.MemoryStore) {
	t.Helper()
	cfg := &config.Config{
		Port:                    "0",
		Env:                     "development",
		LogLevel:                "error",
		MaxSessionMinutes:       120,
		HeartbeatTimeoutSeconds: 90,
		CoinsPerUSD:             100,
		ReconcileSchedule:       "0 4 * * *",
	}
	store := wallet.NewMemoryStore()
	srv, err := New(cfg, WithWalletStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown() })
	return srv, store
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/health", "/health/live"} {
		rec := doJSON(t, srv, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}

func TestBalanceEndpoint(t *testing.T) {
	srv, store := newTestServer(t)

	_, err := store.Credit(context.Background(), "fan_1", 1000, wallet.TypePurchase, "seed:fan_1", "", nil)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := doJSON(t, srv, http.MethodGet, "/v1/users/fan_1/balance", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Wallet    wallet.Wallet `json:"wallet"`
		Spendable int64         `json:"spendable"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Wallet.Balance != 1000 || resp.Spendable != 1000 {
		t.Errorf("balance = %d spendable = %d, want 1000/1000", resp.Wallet.Balance, resp.Spendable)
	}
}

func TestBalanceEndpoint_RejectsOversizeUserID(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/v1/users/"+strings.Repeat("a", 65)+"/balance", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCreateHold_InsufficientFunds(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/holds", `{"userId":"fan_broke","amount":500}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, body = %s, want 409", rec.Code, rec.Body.String())
	}

	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "insufficient_funds" {
		t.Errorf("error code = %q, want insufficient_funds", resp.Error)
	}
}

func TestHoldLifecycleOverHTTP(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	_, err := store.Credit(ctx, "fan_1", 1000, wallet.TypePurchase, "seed:fan_1", "", nil)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/v1/holds", `{"userId":"fan_1","amount":300}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create hold = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Hold wallet.Hold `json:"hold"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/holds/"+created.Hold.ID+"/settle",
		`{"payeeUserId":"creator_1","actualCharge":200}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("settle = %d, body = %s", rec.Code, rec.Body.String())
	}

	w, _ := store.GetWallet(ctx, "fan_1")
	if w.Balance != 800 || w.HeldBalance != 0 {
		t.Errorf("fan = %d/%d, want 800/0", w.Balance, w.HeldBalance)
	}
	cw, _ := store.GetWallet(ctx, "creator_1")
	if cw.Balance != 200 {
		t.Errorf("creator = %d, want 200", cw.Balance)
	}
}

func TestMetricsEndpointServed(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Errorf("GET /metrics = %d, want 200", rec.Code)
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", "")
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("X-Content-Type-Options header missing")
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Error("Content-Security-Policy header missing")
	}
}
