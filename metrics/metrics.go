package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestration collectors. Each instance owns its registry
// so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	StepsExecuted   *prometheus.CounterVec
	StepsReplayed   *prometheus.CounterVec
	RunOutcomes     *prometheus.CounterVec
	RunsSuspended   *prometheus.CounterVec
	WaitTimeouts    *prometheus.CounterVec
	PollAttempts    *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		StepsExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarvideo_steps_executed_total",
			Help: "Durable steps whose body ran.",
		}, []string{"function"}),
		StepsReplayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarvideo_steps_replayed_total",
			Help: "Durable steps answered from the step table.",
		}, []string{"function"}),
		RunOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarvideo_runs_total",
			Help: "Finished function runs by outcome.",
		}, []string{"function", "outcome"}),
		RunsSuspended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarvideo_runs_suspended_total",
			Help: "Runs that gave their worker back to wait or sleep.",
		}, []string{"function"}),
		WaitTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarvideo_wait_timeouts_total",
			Help: "Event waits that hit their deadline.",
		}, []string{"topic"}),
		PollAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarvideo_poll_attempts_total",
			Help: "Status checks against long-running provider jobs.",
		}, []string{"provider", "state"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarvideo_events_published_total",
			Help: "Events appended to the orchestration log.",
		}, []string{"topic"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "avatarvideo_run_duration_seconds",
			Help:    "Wall time of one function run attempt.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		}, []string{"function"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
