package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/squadklaw/squadklaw/internal/metrics"
	"github.com/squadklaw/squadklaw/internal/models"
)

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		target      string
		body        string
		contentType string
		agent       string
		want        int
	}{
		{name: "plain get", method: http.MethodGet, target: "/v1/agents", want: http.StatusOK},
		{name: "json post", method: http.MethodPost, target: "/v1/agents", body: `{}`, contentType: "application/json; charset=utf-8", want: http.StatusOK},
		{name: "empty post", method: http.MethodPost, target: "/v1/agents", want: http.StatusOK},
		{name: "form post", method: http.MethodPost, target: "/", body: "a=b", contentType: "application/x-www-form-urlencoded", want: http.StatusUnsupportedMediaType},
		{name: "missing content type", method: http.MethodPut, target: "/v1/agents/sk_1", body: `{}`, want: http.StatusUnsupportedMediaType},
		{name: "path traversal", method: http.MethodGet, target: "/v1/agents/../stats", want: http.StatusBadRequest},
		{name: "script in query", method: http.MethodGet, target: "/v1/agents?next=javascript:alert(1)", want: http.StatusBadRequest},
		{name: "control character in agent header", method: http.MethodDelete, target: "/v1/agents/sk_1", agent: "sk_1\x07", want: http.StatusBadRequest},
		{name: "normal agent header", method: http.MethodDelete, target: "/v1/agents/sk_1", agent: "sk_1", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			if tt.agent != "" {
				req.Header.Set(HeaderAgent, tt.agent)
			}
			rec := httptest.NewRecorder()
			ValidateRequest(okHandler()).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, models.ProtocolVersion, rec.Header().Get(HeaderProtocol))
}

func TestMaxBodySize(t *testing.T) {
	handler := MaxBodySize(8)(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"too":"long"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetrics_LabelsByRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/v1/agents/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	})

	counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/agents/{id}", "200")
	before := testutil.ToFloat64(counter)
	for _, id := range []string{"sk_a", "sk_b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/agents/"+id, nil))
	}
	assert.Equal(t, before+2, testutil.ToFloat64(counter))

	missing := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/nowhere", "404")
	before = testutil.ToFloat64(missing)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(missing))
}
