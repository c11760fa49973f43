package routes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"crosslend/core"
	"crosslend/core/state"
	"crosslend/crypto"
	"crosslend/gateway/middleware"
	"crosslend/native/creditscore"
	"crosslend/native/lending"
	"crosslend/storage"
)

func testHub(t *testing.T) *core.Hub {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	scorer := creditscore.NewEngine(manager)
	moduleAddr := crypto.NewAddress(crypto.HubPrefix, bytes.Repeat([]byte{0xff}, 20))
	ledger := lending.NewEngine(1, moduleAddr, lending.Params{LoanTermSeconds: 180 * 24 * 3600})
	ledger.SetState(lending.NewState(manager))
	ledger.SetCreditScorer(scorer)
	return core.NewHub(ledger, scorer, nil, nil, nil)
}

func lenderAddress() string {
	raw := make([]byte, 20)
	raw[19] = 0x01
	return crypto.NewAddress(crypto.HubPrefix, raw).String()
}

func postJSON(t *testing.T, handler http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestDepositEndpoint(t *testing.T) {
	handler := New(Config{Hub: testHub(t)})

	rec := postJSON(t, handler, "/v1/pool/deposit", map[string]string{
		"address": lenderAddress(),
		"amount":  "10000000000",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["sharesMinted"] != "10000000000" {
		t.Fatalf("shares: %+v", resp)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pool", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pool view status: %d", rec.Code)
	}
}

func TestDepositRejectsBadInput(t *testing.T) {
	handler := New(Config{Hub: testHub(t)})

	rec := postJSON(t, handler, "/v1/pool/deposit", map[string]string{
		"address": "not-an-address",
		"amount":  "100",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad address: got %d", rec.Code)
	}

	rec = postJSON(t, handler, "/v1/pool/deposit", map[string]string{
		"address": lenderAddress(),
		"amount":  "0",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero amount: got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestLoanViewNotFound(t *testing.T) {
	handler := New(Config{Hub: testHub(t)})
	req := httptest.NewRequest(http.MethodGet, "/v1/loans/"+lenderAddress(), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRepayWithoutLoanMapsToNotFound(t *testing.T) {
	handler := New(Config{Hub: testHub(t)})
	rec := postJSON(t, handler, "/v1/loans/repay", map[string]string{
		"address": lenderAddress(),
		"amount":  "1000000",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestHealthzAndMetricsOpen(t *testing.T) {
	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: "secret"}, nil)
	handler := New(Config{Hub: testHub(t), Authenticator: auth})

	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: got %d", path, rec.Code)
		}
	}
}

func TestAuthRequiredOnV1(t *testing.T) {
	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: "secret"}, nil)
	handler := New(Config{Hub: testHub(t), Authenticator: auth})

	rec := postJSON(t, handler, "/v1/pool/deposit", map[string]string{
		"address": lenderAddress(),
		"amount":  "1000000",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	raw, _ := json.Marshal(map[string]string{"address": lenderAddress(), "amount": "1000000"})
	req := httptest.NewRequest(http.MethodPost, "/v1/pool/deposit", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimiterCaps(t *testing.T) {
	limiter := middleware.NewRateLimiter(middleware.RateLimit{RequestsPerSecond: 1, Burst: 2}, nil)
	handler := New(Config{Hub: testHub(t), RateLimiter: limiter})

	var last int
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/pool", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", last)
	}

	// A different client keeps its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/v1/pool", nil)
	req.RemoteAddr = fmt.Sprintf("10.0.0.2:%d", 1234)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("independent client limited: %d", rec.Code)
	}
}
