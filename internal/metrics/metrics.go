package metrics

import (
	"context"
	"net/http"

	"github.com/bcnelson/vultr-fw-sync/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "vultr_fw_sync"

// Recorder collects the metrics of a single run. The process is a batch job,
// so metrics are pushed to a Pushgateway instead of being scraped.
type Recorder struct {
	registry *prometheus.Registry

	apiRequests    *prometheus.CounterVec
	apiDuration    *prometheus.HistogramVec
	runs           *prometheus.CounterVec
	rulesDeleted   prometheus.Counter
	deleteFailures prometheus.Counter
	rulesCreated   prometheus.Counter
	lastSuccess    prometheus.Gauge
	lastTimestamp  prometheus.Gauge
	lastDuration   prometheus.Gauge
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total amount of requests sent to the firewall API",
			},
			[]string{"code", "method"},
		),
		apiDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "Duration from sending a request to the firewall API to retrieving the response in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Reconciliation runs by final status",
			},
			[]string{"status"},
		),
		rulesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_deleted_total",
			Help:      "Single-host rules deleted during purge",
		}),
		deleteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_delete_failures_total",
			Help:      "Single-host rules that could not be deleted during purge",
		}),
		rulesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_created_total",
			Help:      "Rules created for the current public IP",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last run succeeded, 0 otherwise",
		}),
		lastTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
		lastDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Wall-clock duration of the last run",
		}),
	}

	r.registry.MustRegister(
		r.apiRequests,
		r.apiDuration,
		r.runs,
		r.rulesDeleted,
		r.deleteFailures,
		r.rulesCreated,
		r.lastSuccess,
		r.lastTimestamp,
		r.lastDuration,
	)
	return r
}

// Registry returns the registry holding all metrics of the recorder.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// InstrumentTransport wraps next so every firewall API round trip is counted and timed.
func (r *Recorder) InstrumentTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperCounter(r.apiRequests,
		promhttp.InstrumentRoundTripperDuration(r.apiDuration, next))
}

// ObserveRun records the outcome of a finished run.
func (r *Recorder) ObserveRun(rec *domain.RunRecord) {
	r.runs.WithLabelValues(rec.Status).Inc()
	r.rulesDeleted.Add(float64(rec.DeletedCount))
	r.deleteFailures.Add(float64(rec.DeleteFailures))
	r.rulesCreated.Add(float64(rec.CreatedCount))

	if rec.Status == domain.RunStatusFailed {
		r.lastSuccess.Set(0)
	} else {
		r.lastSuccess.Set(1)
	}
	r.lastTimestamp.Set(float64(rec.FinishedAt.Unix()))
	r.lastDuration.Set(rec.Duration().Seconds())
}

// Push sends all collected metrics to the Pushgateway at url under the given job name.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	return push.New(url, job).Gatherer(r.registry).PushContext(ctx)
}
