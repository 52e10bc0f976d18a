// Package jobmetrics instruments the asynq task handlers run by the worker.
package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

// Metrics holds the job collectors. A nil *Metrics records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	purged   prometheus.Counter
}

var defaultMetrics = sync.OnceValue(func() *Metrics {
	return register(prometheus.DefaultRegisterer)
})

// NewMetrics registers the collectors on reg. A nil reg shares one set of
// collectors on the default registerer across callers.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return defaultMetrics()
	}
	return register(reg)
}

func register(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_jobs_total",
			Help: "Job executions by job name and status.",
		}, []string{"job", "status"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_jobs_failures_total",
			Help: "Job executions that returned an error.",
		}, []string{"job"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatekeeper_job_duration_seconds",
			Help:    "Job execution time.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"job"}),
		purged: f.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_reset_tokens_purged_total",
			Help: "Forgotten-password tokens removed after expiry.",
		}),
	}
}

// Tracker times one execution of a job.
type Tracker struct {
	m     *Metrics
	job   string
	start time.Time
}

// Track starts timing job. Call End with the handler's result.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{m: m, job: job, start: time.Now()}
}

// End records the run and passes err through so handlers can
// `return tracker.End(err)`.
func (t *Tracker) End(err error) error {
	if t == nil || t.m == nil || t.job == "" {
		return err
	}
	status := statusSuccess
	if err != nil {
		status = statusFailure
		t.m.failures.WithLabelValues(t.job).Inc()
	}
	t.m.runs.WithLabelValues(t.job, status).Inc()
	t.m.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddPurged adds count to the purged-token counter.
func (m *Metrics) AddPurged(count int64) {
	if m != nil && count > 0 {
		m.purged.Add(float64(count))
	}
}
