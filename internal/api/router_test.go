package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/pmpilot/internal/api"
	mw "github.com/kiranshivaraju/pmpilot/internal/api/middleware"
	"github.com/kiranshivaraju/pmpilot/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoParam writes the named URL parameter so tests can see which route matched.
func echoParam(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(name + "=" + chi.URLParam(r, name)))
	}
}

func newTestRouter() http.Handler {
	return api.NewRouter(api.Dependencies{
		RateLimit: mw.NewRateLimit(cache.NewMemoryCache(), 2),
		Webhook:   mw.NewWebhookSignature("s3cret"),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		},
		ChatTurnHandler:       echoParam("sessionID"),
		SessionJobsHandler:    echoParam("sessionID"),
		SessionHistoryHandler: echoParam("sessionID"),
		GetJobHandler:         echoParam("jobID"),
		JobStatusHandler:      echoParam("jobID"),
		WebhookHandler:        echoParam("jobID"),
		SessionEventsHandler:  nil,
	})
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)["code"].(string)
}

func TestRouter_HealthEndpoint(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(mw.RequestIDHeader))
}

func TestRouter_Routes(t *testing.T) {
	router := newTestRouter()

	tests := []struct {
		method string
		path   string
		want   string
	}{
		{"POST", "/api/v1/sessions/s1/turns", "sessionID=s1"},
		{"GET", "/api/v1/sessions/s1/jobs", "sessionID=s1"},
		{"GET", "/api/v1/sessions/s1/history", "sessionID=s1"},
		{"GET", "/api/v1/jobs/job-1", "jobID=job-1"},
		{"GET", "/api/v1/jobs/job-1/status", "jobID=job-1"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, w.Body.String())
		})
	}
}

func TestRouter_TurnsAreRateLimited(t *testing.T) {
	router := newTestRouter()

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/sessions/s1/turns", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/sessions/s1/turns", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Reads are not limited.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/sessions/s1/jobs", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestRouter_WebhookRequiresSignature(t *testing.T) {
	router := newTestRouter()
	body := `{"results":{}}`

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/jobs/job-1/webhook", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_SIGNATURE", errCode(t, w))

	req := httptest.NewRequest("POST", "/api/v1/jobs/job-1/webhook", strings.NewReader(body))
	req.Header.Set(mw.SignatureHeader, mw.NewWebhookSignature("s3cret").Sign([]byte(body)))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jobID=job-1", w.Body.String())
}

func TestRouter_UnwiredHandlerIsNotImplemented(t *testing.T) {
	router := newTestRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/sessions/s1/events", nil))

	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, "NOT_IMPLEMENTED", errCode(t, w))
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	router := newTestRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/sessions/s1/turns", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
