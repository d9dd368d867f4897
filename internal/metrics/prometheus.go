package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	inboundTotal       *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	generationsTotal   *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	deliveriesTotal    *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder whose collectors are registered on reg.
// A dedicated registry keeps tests from colliding on the global default one.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		inboundTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insightpipe_inbound_events_total",
				Help: "Total number of inbound message events by channel and duplicate flag",
			},
			[]string{"channel", "duplicate"},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insightpipe_survey_transitions_total",
				Help: "Total number of survey state transitions",
			},
			[]string{"from", "to"},
		),
		generationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insightpipe_generation_attempts_total",
				Help: "Total number of generation attempts by role, tier, backend and status",
			},
			[]string{"role", "tier", "backend", "status", "reason"},
		),
		generationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "insightpipe_generation_duration_seconds",
				Help:    "Duration of generation attempts in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"role", "tier"},
		),
		deliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insightpipe_delivery_parts_total",
				Help: "Total number of outbound message parts by channel, method and status",
			},
			[]string{"channel", "method", "status"},
		),
	}
}

// ObserveInbound counts an inbound event.
func (p *PrometheusRecorder) ObserveInbound(channel string, duplicate bool) {
	dup := "false"
	if duplicate {
		dup = "true"
	}
	p.inboundTotal.WithLabelValues(channel, dup).Inc()
}

// ObserveTransition counts a survey state change.
func (p *PrometheusRecorder) ObserveTransition(from, to string) {
	p.transitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveGeneration records a generation attempt.
func (p *PrometheusRecorder) ObserveGeneration(role, tier, backend string, success bool, reason string, duration time.Duration) {
	p.generationsTotal.WithLabelValues(role, tier, backend, statusLabel(success), reason).Inc()
	p.generationDuration.WithLabelValues(role, tier).Observe(duration.Seconds())
}

// ObserveDelivery counts an outbound message part.
func (p *PrometheusRecorder) ObserveDelivery(channel, method string, success bool) {
	p.deliveriesTotal.WithLabelValues(channel, method, statusLabel(success)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
