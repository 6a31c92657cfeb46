// Package metrics exports dispatch and discovery metrics to Prometheus.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleet-plex/internal/errors"
	"fleet-plex/internal/executor"
	"fleet-plex/internal/model"
)

var (
	// HostResults counts terminal host results by status and error class.
	HostResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_host_results_total",
		Help: "Terminal host results by status and error type",
	}, []string{"status", "error_type"})

	// HostDuration tracks how long host attempts take.
	HostDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_host_duration_seconds",
		Help:    "Wall-clock duration of a host attempt",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"status"})

	// HostsRunning is the number of host attempts in flight.
	HostsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_hosts_running",
		Help: "Host attempts currently in flight",
	})

	// Executions counts finished executions by outcome.
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_executions_total",
		Help: "Finished executions by outcome",
	}, []string{"outcome"})

	// ExecutionDuration tracks execution wall-clock time.
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_execution_duration_seconds",
		Help:    "Duration of a whole execution",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	// ProviderSyncs counts sync attempts by provider and outcome.
	ProviderSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_provider_syncs_total",
		Help: "Provider sync attempts by outcome",
	}, []string{"provider", "outcome"})

	// ProviderHosts is the last sync's classification per provider.
	ProviderHosts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_provider_sync_hosts",
		Help: "Hosts per class in the last successful sync",
	}, []string{"provider", "class"})

	// ProviderSyncDuration tracks sync latency.
	ProviderSyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_provider_sync_duration_seconds",
		Help:    "Duration of provider syncs including the adapter fetch",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Recorder feeds dispatcher and discovery events into the metrics above.
type Recorder struct {
	mu      sync.Mutex
	running map[string]struct{}
}

// NewRecorder creates a recorder.
func NewRecorder() *Recorder {
	return &Recorder{running: make(map[string]struct{})}
}

func runKey(executionID, connectionID string) string {
	return executionID + "/" + connectionID
}

// OnHostStart implements executor.StartListener
func (r *Recorder) OnHostStart(executionID string, conn model.ServerConnection) {
	r.mu.Lock()
	r.running[runKey(executionID, conn.ID)] = struct{}{}
	r.mu.Unlock()
	HostsRunning.Inc()
}

// OnProgress implements executor.Listener
func (r *Recorder) OnProgress(executionID, connectionID string, result model.CommandResult) {
	key := runKey(executionID, connectionID)
	r.mu.Lock()
	_, wasRunning := r.running[key]
	delete(r.running, key)
	r.mu.Unlock()
	if wasRunning {
		HostsRunning.Dec()
	}

	errorType := "none"
	if result.Status == model.ResultError {
		errorType = errors.ClassifyResult(result).String()
	}
	HostResults.WithLabelValues(string(result.Status), errorType).Inc()
	if d := result.Duration(); d > 0 {
		HostDuration.WithLabelValues(string(result.Status)).Observe(d.Seconds())
	}
}

// OnComplete implements executor.Listener
func (r *Recorder) OnComplete(executionID string, summary executor.Summary) {
	outcome := model.ExecCompleted
	switch {
	case summary.Cancelled:
		outcome = model.ExecCancelled
	case summary.Counts[model.ResultError] > 0:
		outcome = model.ExecFailed
	}
	Executions.WithLabelValues(string(outcome)).Inc()
	ExecutionDuration.Observe(summary.Duration.Seconds())
}

// ObserveSync implements discovery.SyncObserver
func (r *Recorder) ObserveSync(providerID string, result *model.ProviderSyncResult, duration time.Duration, err error) {
	ProviderSyncDuration.WithLabelValues(providerID).Observe(duration.Seconds())
	if err != nil || result == nil {
		ProviderSyncs.WithLabelValues(providerID, "error").Inc()
		return
	}
	ProviderSyncs.WithLabelValues(providerID, "success").Inc()

	s := result.Summary
	for class, n := range map[string]int{
		"total":    s.Total,
		"new":      s.New,
		"removed":  s.Removed,
		"existing": s.Existing,
		"changed":  s.Changed,
		"imported": s.Imported,
	} {
		ProviderHosts.WithLabelValues(providerID, class).Set(float64(n))
	}
}
