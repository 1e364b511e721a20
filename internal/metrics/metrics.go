// Package metrics holds the prometheus collectors shared by the session
// manager and the HTTP layer.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Phases of a forward call.
const (
	Prefill = "prefill"
	Decode  = "decode"
)

type Metrics struct {
	Registry *prometheus.Registry

	forward  *prometheus.HistogramVec
	tokens   *prometheus.CounterVec
	sessions prometheus.Gauge
	requests *prometheus.CounterVec
	inflight prometheus.Gauge
}

// New registers every collector on a fresh registry. Go runtime and
// process collectors are included so /metrics is useful on its own.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		forward: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ember_forward_seconds",
			Help:    "Time spent in transformer forward calls",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"phase"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_tokens_total",
			Help: "Tokens pushed through the transformer",
		}, []string{"phase"}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "ember_sessions",
			Help: "Live sessions holding a layer cache",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "ember_forward_inflight",
			Help: "Requests currently admitted to the transformer",
		}),
	}
}

// Forward records one forward call over n tokens. Nil receivers are no-ops.
func (m *Metrics) Forward(phase string, n int, d time.Duration) {
	if m == nil {
		return
	}
	m.forward.WithLabelValues(phase).Observe(d.Seconds())
	m.tokens.WithLabelValues(phase).Add(float64(n))
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) Admitted() {
	if m != nil {
		m.inflight.Inc()
	}
}

func (m *Metrics) Finished() {
	if m != nil {
		m.inflight.Dec()
	}
}

func (m *Metrics) Request(route string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
