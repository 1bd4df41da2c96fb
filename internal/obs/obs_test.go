package obs

import (
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggingSetsDefault(t *testing.T) {
	logger := InitLogging("my-workflow")
	require.NotNil(t, logger)
	assert.Same(t, logger, slog.Default())
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m := NewMetrics("test-workflow")
	m.RecordSpawn()
	m.RecordSucceeded()
	m.SetPoolSize(3)
	m.SetStalled(true)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "flowcore_tasks_spawned_total")
	assert.Contains(t, body, "flowcore_pool_size")
	assert.Contains(t, body, `workflow="test-workflow"`)
}
