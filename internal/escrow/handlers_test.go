package escrow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewpay/viewpay/internal/directory"
	"github.com/viewpay/viewpay/internal/httpx"
)

func setupRouter(t *testing.T, f *fixture) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := directory.NewMemoryDirectory()
	dir.AddAdjudicator("adj_1")
	r := gin.New()
	g := r.Group("/v1", httpx.ActorMiddleware())
	NewHandler(f.svc, dir).RegisterRoutes(g)
	return r
}

func get(r *gin.Engine, path, actor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if actor != "" {
		req.Header.Set(httpx.ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_GetHold(t *testing.T) {
	f := newFixture(t)
	h := f.hold(t, "100.00")
	r := setupRouter(t, f)

	w := get(r, "/v1/escrow/"+h.ID, "tenant_1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Hold Hold `json:"hold"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, StateHeld, body.Hold.State)
	assert.NotContains(t, w.Body.String(), h.GatewayToken)

	assert.Equal(t, http.StatusOK, get(r, "/v1/escrow/"+h.ID, "adj_1").Code)
}

func TestHandler_Errors(t *testing.T) {
	f := newFixture(t)
	h := f.hold(t, "100.00")
	r := setupRouter(t, f)

	w := get(r, "/v1/escrow/"+h.ID, "stranger")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"NOT_AUTHORIZED"`)

	w = get(r, "/v1/escrow/hold_missing", "tenant_1")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = get(r, "/v1/escrow/"+h.ID, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_ListEntries(t *testing.T) {
	f := newFixture(t)
	h := f.hold(t, "100.00")
	r := setupRouter(t, f)

	w := get(r, "/v1/escrow/"+h.ID+"/entries", "tenant_1")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Entries []Entry `json:"entries"`
		Count   int     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
}
