package viewing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewpay/viewpay/internal/httpx"
	"github.com/viewpay/viewpay/internal/validation"
)

func setupRouter(t *testing.T, f *fixture) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f.dir.AddAdjudicator("adj_1")
	r := gin.New()
	g := r.Group("/v1", httpx.ActorMiddleware())
	NewHandler(f.svc, f.dir).RegisterRoutes(g)
	return r
}

func do(r *gin.Engine, method, path, actor, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set(httpx.ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type requestBody struct {
	ViewingRequest ViewingRequest `json:"viewingRequest"`
	Booking        *Booking       `json:"booking"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) requestBody {
	t.Helper()
	var body requestBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestHandler_RequestLifecycle(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(t, f)
	date := f.in(72 * time.Hour).Format(time.RFC3339)

	w := do(r, http.MethodPost, "/v1/viewing-requests", tenant,
		`{"propertyId":"prop_1","price":"2500","date":"`+date+`","location":"Front door"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w).ViewingRequest
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, tenant, created.TenantID)

	w = do(r, http.MethodPost, "/v1/viewing-requests/"+created.ID+"/counter", hunter, `{"price":"2000"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	countered := decode(t, w).ViewingRequest
	assert.Equal(t, "2000.00", countered.CounteredPrice)

	w = do(r, http.MethodPost, "/v1/viewing-requests/"+created.ID+"/accept", tenant, `{"offerVersion":1}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	accepted := decode(t, w)
	require.NotNil(t, accepted.Booking)
	assert.Equal(t, StatusAccepted, accepted.ViewingRequest.Status)

	w = do(r, http.MethodGet, "/v1/viewing-requests/"+created.ID, hunter, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decode(t, w).Booking)

	bookingPath := "/v1/bookings/" + accepted.Booking.ID
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, bookingPath+"/confirm-meeting", tenant, "").Code)
	w = do(r, http.MethodPost, bookingPath+"/confirm-meeting", hunter, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"COMPLETED"`)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, bookingPath, "adj_1", "").Code)
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodGet, bookingPath, "stranger", "").Code)
}

func TestHandler_Validation(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(t, f)
	date := f.in(72 * time.Hour).Format(time.RFC3339)

	tests := []struct {
		name string
		body string
	}{
		{"unknown field", `{"propertyId":"prop_1","price":"10","date":"` + date + `","tip":"5"}`},
		{"missing price", `{"propertyId":"prop_1","date":"` + date + `"}`},
		{"price as number", `{"propertyId":"prop_1","price":10,"date":"` + date + `"}`},
		{"three decimals", `{"propertyId":"prop_1","price":"1.234","date":"` + date + `"}`},
		{"bad date", `{"propertyId":"prop_1","price":"10","date":"tomorrow"}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/v1/viewing-requests", tenant, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), "VALIDATION_FAILED")
		})
	}
	assert.Equal(t, 0, f.gateway.Calls())
}

func TestHandler_Errors(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(t, f)
	created := f.create(t, "2500")

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/v1/viewing-requests/"+created.ID, "", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/v1/viewing-requests/vr_missing", tenant, "").Code)
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/v1/viewing-requests/"+created.ID, "stranger", "").Code)

	w := do(r, http.MethodPost, "/v1/viewing-requests/"+created.ID+"/counter", hunter, `{"price":"9000"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "OFFER_OUT_OF_BOUNDS")

	w = do(r, http.MethodPost, "/v1/viewing-requests/"+created.ID+"/counter", hunter, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListForActor(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(t, f)
	f.create(t, "2500")

	w := do(r, http.MethodGet, "/v1/actors/"+hunter+"/viewing-requests?role=hunter&limit=5", hunter, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var page struct {
		Items   []ViewingRequest `json:"items"`
		HasMore bool             `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Items, 1)
	assert.False(t, page.HasMore)

	assert.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/v1/actors/"+tenant+"/viewing-requests", hunter, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/v1/actors/"+hunter+"/viewing-requests?role=admin", hunter, "").Code)
}

func TestSchemas_Compile(t *testing.T) {
	for _, s := range []*validation.Schema{createSchema, counterSchema, acceptSchema, reasonSchema} {
		require.NotNil(t, s)
	}

	valid := `{"propertyId":"prop_1","price":"120.50","date":"2030-01-02T15:04:05Z"}`
	assert.NoError(t, createSchema.Check([]byte(valid)))
	assert.Error(t, createSchema.Check([]byte(`{"propertyId":"prop 1","price":"120.50","date":"2030-01-02T15:04:05Z"}`)))
	assert.Error(t, counterSchema.Check([]byte(`{"price":"1.005"}`)))
}
