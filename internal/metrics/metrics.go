// Package metrics exposes push cycle metrics for Prometheus
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cycles counts finished push cycles by outcome (sent, failed, skipped, busy)
var Cycles = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "trmnlpush_cycles_total",
		Help: "The total number of push cycles by outcome",
	},
	[]string{"outcome"},
)

// PayloadBytes tracks the encoded document size against the 2048 byte limit
var PayloadBytes = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "trmnlpush_payload_bytes",
		Help:    "Size of the document sent to the webhook",
		Buckets: []float64{256, 512, 1024, 1536, 1792, 2048},
	},
)

// EntitiesSent is the entity count of the last assembled document
var EntitiesSent = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "trmnlpush_entities_sent",
		Help: "Number of entities in the last assembled document",
	},
)

// EntitiesTrimmed counts secondaries dropped to fit the size limit
var EntitiesTrimmed = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "trmnlpush_entities_trimmed_total",
		Help: "The total number of secondary sensors dropped by trimming",
	},
)

var WebhookDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "trmnlpush_webhook_duration_seconds",
		Help:    "Time spent on the webhook POST",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
)

// ObserveAssembly records the size and trimming of an assembled document
func ObserveAssembly(size, entities, dropped int) {
	PayloadBytes.Observe(float64(size))
	EntitiesSent.Set(float64(entities))
	if dropped > 0 {
		EntitiesTrimmed.Add(float64(dropped))
	}
}

// ObserveWebhook records a webhook round trip
func ObserveWebhook(d time.Duration) {
	WebhookDuration.Observe(d.Seconds())
}

// CycleFinished counts a cycle outcome
func CycleFinished(outcome string) {
	Cycles.WithLabelValues(outcome).Inc()
}
