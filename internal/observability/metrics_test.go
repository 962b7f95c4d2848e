package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dlgate/internal/models"
	"dlgate/internal/version"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metricsProvider(t *testing.T) *Provider {
	t.Helper()
	provider, err := Setup(models.MetricsConfig{Enabled: true, Path: "/metrics", Port: 9090},
		models.ObservabilityConfig{ServiceName: "dlgate-test"}, version.Info{Version: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { provider.Shutdown(context.Background()) })
	return provider
}

func TestMetricsServer_ServesRegistry(t *testing.T) {
	provider := metricsProvider(t)

	decisions, err := NewDecisionMetrics()
	require.NoError(t, err)
	decisions.RecordDecision(context.Background(), models.CodeChallengeRequired, false, false)

	h := NewMetricsServer(0, "/metrics", provider).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, `code="CHALLENGE_REQUIRED"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsServer_WithoutRegistry(t *testing.T) {
	for name, provider := range map[string]*Provider{"nil provider": nil, "metrics disabled": {}} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewMetricsServer(0, "/metrics", provider).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			assert.Equal(t, http.StatusNotFound, rec.Code)
		})
	}
}

func TestMetricsServer_StartAndShutdown(t *testing.T) {
	ms := NewMetricsServer(0, "/metrics", metricsProvider(t))

	errCh := make(chan error, 1)
	go func() { errCh <- ms.Start() }()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ms.Shutdown(ctx))
	assert.True(t, errors.Is(<-errCh, http.ErrServerClosed))
}
