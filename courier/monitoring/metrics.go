package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/krew-solutions/courier-go/courier/saga"
)

const defaultNamespace = "courier"

// Metrics turns saga events into Prometheus series.
type Metrics struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	terminal *prometheus.CounterVec
}

// NewMetrics registers the collectors on registerer. An empty namespace
// defaults to "courier".
func NewMetrics(registerer prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	factory := promauto.With(registerer)
	return &Metrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_events_total",
			Help:      "Saga events by kind and activity",
		}, []string{"kind", "activity"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activity_duration_seconds",
			Help:      "Activity execute and compensate duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}, []string{"kind", "activity"}),
		terminal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sagas_terminal_total",
			Help:      "Sagas that reached a terminal state",
		}, []string{"state"}),
	}
}

func (m *Metrics) Observe(event saga.Event) error {
	m.events.WithLabelValues(string(event.Kind), event.ActivityName).Inc()
	switch event.Kind {
	case saga.EventStepCompleted, saga.EventStepFaulted:
		m.duration.WithLabelValues("execute", event.ActivityName).Observe(event.Duration.Seconds())
	case saga.EventStepCompensated, saga.EventStepCompensationFailed:
		m.duration.WithLabelValues("compensate", event.ActivityName).Observe(event.Duration.Seconds())
	}
	if event.Kind.IsTerminal() {
		m.terminal.WithLabelValues(string(event.State)).Inc()
	}
	return nil
}
