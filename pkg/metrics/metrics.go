// Package metrics exposes Prometheus counters for the callback pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "shadowtwin"

// Image outcomes.
const (
	ImageUploaded     = "uploaded"
	ImageDeduplicated = "deduplicated"
	ImageFailed       = "failed"
)

type Metrics struct {
	CallbacksTotal        *prometheus.CounterVec
	ImagesTotal           *prometheus.CounterVec
	WatchdogStallsTotal   *prometheus.CounterVec
	ArtifactsWrittenTotal *prometheus.CounterVec
	EventSubscribers      prometheus.Gauge
}

// New registers all collectors on reg, or the default registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "callback",
				Name:      "handled_total",
				Help:      "Worker callbacks handled, by response kind",
			},
			[]string{"kind"},
		),
		ImagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "images",
				Name:      "processed_total",
				Help:      "Images processed by the content-addressed store, by outcome",
			},
			[]string{"outcome"},
		),
		WatchdogStallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "watchdog",
				Name:      "stalls_total",
				Help:      "Jobs detected as stalled, by policy",
			},
			[]string{"policy"},
		),
		ArtifactsWrittenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "shadowtwin",
				Name:      "artifacts_written_total",
				Help:      "Shadow-Twin artifacts written, by kind",
			},
			[]string{"kind"},
		),
		EventSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "events",
				Name:      "subscribers",
				Help:      "Live job update subscriptions",
			},
		),
	}
}

func (m *Metrics) Callback(kind string) {
	if m == nil {
		return
	}
	m.CallbacksTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Image(outcome string) {
	if m == nil {
		return
	}
	m.ImagesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Stall(policy string) {
	if m == nil {
		return
	}
	m.WatchdogStallsTotal.WithLabelValues(policy).Inc()
}

func (m *Metrics) ArtifactWritten(kind string) {
	if m == nil {
		return
	}
	m.ArtifactsWrittenTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) SubscriberDelta(d float64) {
	if m == nil {
		return
	}
	m.EventSubscribers.Add(d)
}
