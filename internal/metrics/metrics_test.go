package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-plex/internal/executor"
	"fleet-plex/internal/model"
)

func TestRecorderHostResults(t *testing.T) {
	r := NewRecorder()
	conn := model.ServerConnection{ID: "c1"}

	successBefore := testutil.ToFloat64(HostResults.WithLabelValues("success", "none"))
	timeoutBefore := testutil.ToFloat64(HostResults.WithLabelValues("error", "timeout"))
	runningBefore := testutil.ToFloat64(HostsRunning)

	r.OnHostStart("e1", conn)
	assert.Equal(t, runningBefore+1, testutil.ToFloat64(HostsRunning))

	start := time.Now()
	end := start.Add(2 * time.Second)
	code := 0
	r.OnProgress("e1", "c1", model.CommandResult{ConnectionID: "c1", Status: model.ResultSuccess, ExitCode: &code, StartedAt: &start, CompletedAt: &end})
	assert.Equal(t, runningBefore, testutil.ToFloat64(HostsRunning))
	assert.Equal(t, successBefore+1, testutil.ToFloat64(HostResults.WithLabelValues("success", "none")))

	r.OnProgress("e1", "c2", model.CommandResult{ConnectionID: "c2", Status: model.ResultError, Error: "Command timed out"})
	assert.Equal(t, timeoutBefore+1, testutil.ToFloat64(HostResults.WithLabelValues("error", "timeout")))
	assert.Equal(t, runningBefore, testutil.ToFloat64(HostsRunning), "hosts that never started do not move the gauge")
}

func TestRecorderExecutions(t *testing.T) {
	r := NewRecorder()
	tests := []struct {
		summary executor.Summary
		outcome string
	}{
		{executor.Summary{Counts: map[model.ResultStatus]int{model.ResultSuccess: 2}}, "completed"},
		{executor.Summary{Counts: map[model.ResultStatus]int{model.ResultError: 1}}, "failed"},
		{executor.Summary{Cancelled: true, Counts: map[model.ResultStatus]int{model.ResultError: 1}}, "cancelled"},
	}
	for _, tt := range tests {
		before := testutil.ToFloat64(Executions.WithLabelValues(tt.outcome))
		r.OnComplete("e", tt.summary)
		assert.Equal(t, before+1, testutil.ToFloat64(Executions.WithLabelValues(tt.outcome)), tt.outcome)
	}
}

func TestRecorderSync(t *testing.T) {
	r := NewRecorder()

	r.ObserveSync("prov-m", &model.ProviderSyncResult{Summary: model.SyncSummary{Total: 5, New: 2, Existing: 3}}, time.Second, nil)
	assert.Equal(t, float64(5), testutil.ToFloat64(ProviderHosts.WithLabelValues("prov-m", "total")))
	assert.Equal(t, float64(2), testutil.ToFloat64(ProviderHosts.WithLabelValues("prov-m", "new")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ProviderSyncs.WithLabelValues("prov-m", "success")))

	r.ObserveSync("prov-m", nil, time.Second, errors.New("unreachable"))
	assert.Equal(t, float64(1), testutil.ToFloat64(ProviderSyncs.WithLabelValues("prov-m", "error")))
	assert.Equal(t, float64(5), testutil.ToFloat64(ProviderHosts.WithLabelValues("prov-m", "total")), "failed syncs keep the last classification")
}

func TestHandlerExposesMetrics(t *testing.T) {
	Executions.WithLabelValues("completed").Add(0)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "fleet_executions_total"))
}
