package reschedule

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
)

func do(r *gin.Engine, method, path, actor, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpx.ActorHeader, actor)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_ProposeAndRespond(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	b := f.booking(t)
	r := gin.New()
	NewHandler(f.svc).RegisterRoutes(r.Group("/v1", httpx.ActorMiddleware()))

	date := f.clock().Add(9 * 24 * time.Hour).Format(time.RFC3339)
	w := do(r, http.MethodPost, "/v1/bookings/"+b.ID+"/reschedules", tenant, `{"newDate":"`+date+`","reason":"flight delayed"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Reschedule Request `json:"reschedule"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = do(r, http.MethodPost, "/v1/bookings/"+b.ID+"/reschedules", hunter, `{"newDate":"`+date+`"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "ALREADY_PENDING")

	w = do(r, http.MethodPost, "/v1/reschedules/"+created.Reschedule.ID+"/respond", hunter, `{"accept":"yes"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/reschedules/"+created.Reschedule.ID+"/respond", hunter, `{"accept":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"ACCEPTED"`)

	w = do(r, http.MethodGet, "/v1/bookings/"+b.ID+"/reschedules", tenant, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}
