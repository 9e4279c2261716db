package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/api"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/config"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
)

func ok(context.Context) error   { return nil }
func down(context.Context) error { return errors.New("connection refused") }

func newServer(t *testing.T, checks []api.Check, gatherer prometheus.Gatherer) *api.Server {
	t.Helper()

	opts := api.HealthOptions{
		ServiceName:    "chat-ingestor",
		ServiceVersion: "test",
		StartTime:      time.Now().Add(-90 * time.Second),
		Checks:         checks,
	}
	return api.NewServer(config.ServerConfig{Port: 0}, false, logger.NewNop(), func(r *gin.Engine) {
		api.RegisterRoutes(r, opts, gatherer)
		r.GET("/panic", func(*gin.Context) { panic("boom") })
	})
}

func serve(s *api.Server, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checks     []api.Check
		wantCode   int
		wantStatus api.HealthStatus
	}{
		{
			name:       "all healthy",
			checks:     []api.Check{{Name: "postgres", Ping: ok, Critical: true}, {Name: "redis", Ping: ok, Critical: true}},
			wantCode:   http.StatusOK,
			wantStatus: api.HealthStatusHealthy,
		},
		{
			name:       "critical dependency down",
			checks:     []api.Check{{Name: "postgres", Ping: down, Critical: true}, {Name: "redis", Ping: ok, Critical: true}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: api.HealthStatusUnhealthy,
		},
		{
			name:       "optional dependency down",
			checks:     []api.Check{{Name: "postgres", Ping: ok, Critical: true}, {Name: "discord", Ping: down}},
			wantCode:   http.StatusOK,
			wantStatus: api.HealthStatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newServer(t, tt.checks, nil)

			w := serve(s, http.MethodGet, "/health")
			require.Equal(t, tt.wantCode, w.Code)

			var body api.HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Equal(t, "chat-ingestor", body.Service)
			assert.Equal(t, "1m 30s", body.Uptime)
			assert.Len(t, body.Checks, len(tt.checks))

			head := serve(s, http.MethodHead, "/health")
			assert.Equal(t, tt.wantCode, head.Code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "chat_ingestor_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s := newServer(t, nil, reg)
	w := serve(s, http.MethodGet, "/metrics")

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "chat_ingestor_test_total 1"))
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil, nil)

	w := serve(s, http.MethodGet, "/panic")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}
