// Package metrics provides Prometheus metrics for facevec.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for RequestsTotal
const (
	OutcomeOK          = "ok"
	OutcomeNoImagePart = "no_image_part"
	OutcomeLoadFailed  = "load_failed"
	OutcomeNoFace      = "no_face"
)

var (
	// RequestsTotal counts /process_image requests by outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facevec",
			Name:      "requests_total",
			Help:      "Total number of process_image requests",
		},
		[]string{"outcome"},
	)

	// EmbedDuration measures time spent inside the embedding engine.
	EmbedDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "facevec",
			Name:      "embed_duration_seconds",
			Help:      "Duration of embedding extraction in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// FacesDetected observes how many faces each image contained.
	FacesDetected = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "facevec",
			Name:      "faces_detected",
			Help:      "Distribution of detected faces per image",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 25},
		},
	)

	// EngineRespawnsTotal counts engines replaced after a crash.
	EngineRespawnsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "facevec",
			Name:      "engine_respawns_total",
			Help:      "Total number of engine processes respawned after a crash",
		},
	)

	// EnginesIdle tracks engines currently waiting for work.
	EnginesIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "facevec",
			Name:      "engines_idle",
			Help:      "Number of idle embedding engines",
		},
	)
)

// RecordRequest records the final outcome of one request.
func RecordRequest(outcome string) {
	RequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordEmbed records one engine call.
func RecordEmbed(seconds float64, faces int) {
	EmbedDuration.Observe(seconds)
	FacesDetected.Observe(float64(faces))
}
