package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator"
)

func TestObserveRunCountsFailures(t *testing.T) {
	m := New(nil)
	dur := 42.0

	m.ObserveRun(&orchestrator.Run{Status: orchestrator.RunSuccess, DurationSeconds: &dur})
	m.ObserveRun(&orchestrator.Run{Status: orchestrator.RunFailed})
	m.ObserveRun(&orchestrator.Run{Status: orchestrator.RunCanceled})

	assert.Equal(t, 3.0, testutil.ToFloat64(m.RunsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsFailedTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RunDuration))
}

func TestGauges(t *testing.T) {
	m := New(nil)
	m.SetQueueDepth(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth))

	at := time.Unix(1700000000, 0)
	m.Heartbeat("host:1234", at)
	assert.Equal(t, 1.7e9, testutil.ToFloat64(m.WorkerHeartbeat.WithLabelValues("host:1234")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RunsTotal.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "botfleet_runs_total 1")
}
