package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewpay/viewpay/internal/config"
	"github.com/viewpay/viewpay/internal/httpx"
	"github.com/viewpay/viewpay/internal/payments"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                    "0",
		Env:                     "test",
		LogLevel:                "error",
		LogFormat:               "text",
		StripeCurrency:          "usd",
		GatewayTimeout:          time.Second,
		CommissionRate:          "0.15",
		MaxCounterRounds:        5,
		PriceBandPct:            50,
		CancelCutoff:            24 * time.Hour,
		LateCancelForfeitPct:    50,
		RescheduleTTL:           48 * time.Hour,
		RescheduleSweepInterval: time.Minute,
		SettlementSweepInterval: time.Minute,
		ReconcileCron:           "@every 15m",
		RateLimitRPM:            6000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithGateway(payments.NewSimulatedGateway("500.00")), WithVersion("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.drainDelay = 0
	return s
}

func do(s *Server, method, path, actor, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if actor != "" {
		req.Header.Set(httpx.ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "reconciliation not started yet")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.reconciler.Start(ctx))
	defer s.reconciler.Stop()

	w = do(s, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestLivenessAndReadiness(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/live", "", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/health/ready", "", "").Code)

	s.ready.Store(true)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/ready", "", "").Code)

	s.healthy.Store(false)
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/health/live", "", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	do(s, http.MethodGet, "/health/live", "", "")

	w := do(s, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "viewpay_")
}

func TestMiddlewareHeaders(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/health/live", "", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req_fixed")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req_fixed", w.Header().Get("X-Request-ID"))
}

func TestV1RequiresActor(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/v1/viewing-requests/vr_missing", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestViewingFlowAgainstDemoDirectory(t *testing.T) {
	s := newTestServer(t)
	date := time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339)

	w := do(s, http.MethodPost, "/v1/viewing-requests", "tenant_1",
		`{"propertyId":"`+demoProperty+`","price":"200.00","date":"`+date+`"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	req := decode(t, w)["viewingRequest"].(map[string]any)
	assert.Equal(t, demoHunter, req["hunterId"])
	id := req["id"].(string)

	w = do(s, http.MethodPost, "/v1/viewing-requests/"+id+"/accept", demoHunter, `{}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	booking := decode(t, w)["booking"].(map[string]any)
	bookingID := booking["id"].(string)
	holdID := booking["escrowRef"].(string)

	w = do(s, http.MethodGet, "/v1/escrow/"+holdID, "tenant_1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	hold := decode(t, w)["hold"].(map[string]any)
	assert.Equal(t, "HELD", hold["state"])
	assert.Equal(t, "200.00", hold["amount"])

	for _, actor := range []string{"tenant_1", demoHunter} {
		w = do(s, http.MethodPost, "/v1/bookings/"+bookingID+"/confirm-meeting", actor, `{}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	assert.Equal(t, "COMPLETED", decode(t, w)["booking"].(map[string]any)["status"])

	w = do(s, http.MethodGet, "/v1/escrow/"+holdID, demoAdjudicator, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "RELEASED", body["hold"].(map[string]any)["state"])
	assert.NotNil(t, body["settlement"])

	w = do(s, http.MethodGet, "/v1/escrow/"+holdID, "stranger", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)
	assert.NoError(t, s.Shutdown())
	assert.False(t, s.ready.Load())
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://user:xxxxx@db:5432/viewpay", maskDSN("postgres://user:secret@db:5432/viewpay"))
	assert.Equal(t, "redis://localhost:6379", maskDSN("redis://localhost:6379"))
}

func TestAdminReconcile(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodPost, "/v1/admin/reconcile", "tenant_1", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(s, http.MethodPost, "/v1/admin/reconcile", demoAdjudicator, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["healthy"])
}
