package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "profile_notifier"

// Metrics - метрики конвейера. Регистрируются в переданном реестре,
// а не в глобальном prometheus.DefaultRegistry.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	PollErrors       *prometheus.CounterVec
	AckErrors        *prometheus.CounterVec
	EventOutcomes    *prometheus.CounterVec
	EventsFirstSeen  prometheus.Counter
	EventsDuplicate  prometheus.Counter
	DeviceDeliveries *prometheus.CounterVec
	EndpointPrunes   *prometheus.CounterVec
	EventsInFlight   prometheus.Gauge
	EventDuration    prometheus.Histogram
}

// New создает и регистрирует метрики в reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of raw messages received, partitioned by queue source.",
		}, []string{"source"}),
		PollErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Total number of failed queue polls, partitioned by queue source.",
		}, []string{"source"}),
		AckErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_errors_total",
			Help:      "Total number of failed ack/release/reject calls, partitioned by operation.",
		}, []string{"op"}),
		EventOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_outcomes_total",
			Help:      "Total number of processed messages, partitioned by outcome (ack, retry_later, dead_letter).",
		}, []string{"outcome"}),
		EventsFirstSeen: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_first_seen_total",
			Help:      "Total number of events seen for the first time within the dedup window.",
		}),
		EventsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Total number of redelivered events detected by the dedup window.",
		}),
		DeviceDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_deliveries_total",
			Help:      "Total number of per-device push attempts, partitioned by status.",
		}, []string{"status"}),
		EndpointPrunes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_prunes_total",
			Help:      "Total number of push endpoint prune requests, partitioned by result.",
		}, []string{"result"}),
		EventsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_in_flight",
			Help:      "Number of events currently being processed.",
		}),
		EventDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_seconds",
			Help:      "Time spent processing a single event, from decode to the ack decision.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// NewNop возвращает метрики, зарегистрированные в отдельном реестре (для тестов и заглушек).
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveEvent фиксирует длительность обработки события.
func (m *Metrics) ObserveEvent(start time.Time) {
	m.EventDuration.Observe(time.Since(start).Seconds())
}
