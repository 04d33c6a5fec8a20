package router

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"panther/internal/models"
	"panther/internal/provider"
)

// Metrics are the executor's Prometheus collectors.
type Metrics struct {
	TurnsTotal       *prometheus.CounterVec
	CallsTotal       *prometheus.CounterVec
	EscalationsTotal *prometheus.CounterVec
	CallLatency      *prometheus.HistogramVec
	RedactionsTotal  prometheus.Counter
}

// NewMetrics registers the executor collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "panther",
				Name:      "turns_total",
				Help:      "Routed turns by final stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "panther",
				Name:      "adapter_calls_total",
				Help:      "Adapter calls by provider type and result kind",
			},
			[]string{"provider_type", "kind"},
		),
		EscalationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "panther",
				Name:      "escalations_total",
				Help:      "Stage escalations by trigger",
			},
			[]string{"trigger"},
		),
		CallLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "panther",
				Name:      "adapter_call_duration_seconds",
				Help:      "Adapter call latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider_type"},
		),
		RedactionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "panther",
				Name:      "redactions_total",
				Help:      "Spans replaced in outbound packets",
			},
		),
	}
}

func (m *Metrics) observeCall(t models.ProviderType, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	kind := "ok"
	if err != nil {
		kind = string(provider.KindOf(err))
	}
	m.CallsTotal.WithLabelValues(string(t), kind).Inc()
	m.CallLatency.WithLabelValues(string(t)).Observe(elapsed.Seconds())
}

func (m *Metrics) observeTurn(stage Stage, outcome Outcome) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(string(stage), string(outcome)).Inc()
}

func (m *Metrics) observeEscalation(trigger string) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(trigger).Inc()
}

func (m *Metrics) observeRedactions(n int) {
	if m == nil || n == 0 {
		return
	}
	m.RedactionsTotal.Add(float64(n))
}
