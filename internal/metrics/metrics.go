package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mindmap_sessions_collecting",
		Help: "1 while a session is sampling, 0 otherwise",
	})

	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mindmap_uploads_total",
		Help: "Audio uploads by decode outcome",
	}, []string{"format", "outcome"})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hume_jobs_total",
		Help: "Batch emotion jobs by final outcome",
	}, []string{"outcome"})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hume_job_duration_seconds",
		Help:    "Submit-to-scores latency of batch jobs",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	})

	PollAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hume_poll_attempts",
		Help:    "Status polls needed per job",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 30},
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hume_stage_duration_seconds",
		Help:    "Per-stage latency of the batch job client",
		Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mindmap_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	SamplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_samples_total",
		Help: "Session datums recorded by the sampler",
	})

	SamplesEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_samples_evicted_total",
		Help: "Oldest datums dropped to honor the session capacity",
	})

	Backfilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_backfilled_total",
		Help: "Datums recomputed when emotion scores arrived",
	})

	StaleResults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_stale_results_total",
		Help: "Job results discarded because the session was reset",
	})

	EmotionLabels = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hume_emotion_labels",
		Help:    "Distinct emotion labels extracted per job",
		Buckets: []float64{1, 5, 10, 25, 48, 64, 100},
	})

	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dashboard_stream_clients",
		Help: "Connected SSE and WebSocket dashboard clients",
	})
)
