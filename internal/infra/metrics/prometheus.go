package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SegmentsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbingest_segments_processed_total",
		Help: "Total number of video segments processed, by status",
	}, []string{"status"})

	SegmentProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bbingest_segment_processing_duration_seconds",
		Help:    "Duration of segment processing stages",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	FramesDecodedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bbingest_frames_decoded_total",
		Help: "Total number of raw frames read from decoders",
	})

	DetectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bbingest_detections_total",
		Help: "Total number of detections aggregated into containers",
	})

	ContainersStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bbingest_containers_stored_total",
		Help: "Total number of containers appended to the repository",
	})

	ContainerSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bbingest_container_size_bytes",
		Help:    "Encoded size of stored containers",
		Buckets: prometheus.ExponentialBuckets(1<<10, 4, 10),
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bbingest_active_workers",
		Help: "Number of workers currently processing a segment",
	})
)
