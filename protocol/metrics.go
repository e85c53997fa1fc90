package protocol

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsPrefix = "mcp_runtime_"

const (
	kindLabel    = "kind"
	methodLabel  = "method"
	outcomeLabel = "outcome"
)

// Message outcomes.
const (
	outcomeOK        = "ok"
	outcomeError     = "error"
	outcomeRejected  = "rejected"
	outcomeCancelled = "cancelled"
)

// metrics is nil-safe: a Protocol built without WithMetrics records nothing.
type metrics struct {
	messages        *prometheus.CounterVec
	sessionsGC      prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricsPrefix + "messages_total",
				Help: "Inbound JSON-RPC messages by kind, method and outcome",
			},
			[]string{kindLabel, methodLabel, outcomeLabel},
		),
		sessionsGC: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricsPrefix + "sessions_gc_total",
				Help: "Sessions reaped by garbage collection",
			},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricsPrefix + "request_duration_seconds",
				Help:    "Time spent serving requests",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{methodLabel},
		),
	}
	for _, c := range []prometheus.Collector{m.messages, m.sessionsGC, m.requestDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) message(kind, method, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind, method, outcome).Inc()
}

func (m *metrics) request(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *metrics) reaped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.sessionsGC.Add(float64(n))
}
