package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectorWith("dreamforge_test", reg, zap.NewNop())

	c.RecordHTTPRequest("POST", "/v1/generations", 201, 10*time.Millisecond)
	c.RecordRunStarted()
	c.RecordStage("enhance", nil, 50*time.Millisecond)
	c.RecordStage("image", errors.New("boom"), time.Second)
	c.RecordStageRetry("image")
	c.RecordEnhanceFallback("ENHANCE_TIMEOUT")
	c.RecordStoreOp("put_generation", time.Millisecond)
	c.RecordRunFinished("completed", 2*time.Second)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, want := range []string{
		"dreamforge_test_http_requests_total",
		"dreamforge_test_generations_started_total",
		"dreamforge_test_generations_finished_total",
		"dreamforge_test_stage_duration_seconds",
		"dreamforge_test_stage_retries_total",
		"dreamforge_test_enhance_fallbacks_total",
		"dreamforge_test_store_op_duration_seconds",
		"dreamforge_test_active_runs",
	} {
		assert.True(t, names[want], "missing metric family %s", want)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector

	c.RecordHTTPRequest("GET", "/healthz", 200, time.Millisecond)
	c.RecordRunStarted()
	c.RecordRunFinished("failed", time.Second)
	c.RecordStage("model", nil, time.Second)
	c.RecordStageRetry("model")
	c.RecordEnhanceFallback("ENHANCE_UNAVAILABLE")
	c.RecordStoreOp("get_generation", time.Millisecond)
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(201))
	assert.Equal(t, "3xx", statusClass(304))
	assert.Equal(t, "4xx", statusClass(404))
	assert.Equal(t, "5xx", statusClass(503))
	assert.Equal(t, "unknown", statusClass(42))
}
