package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docpipeline",
			Name:      "jobs_processed_total",
			Help:      "Pipeline executions by final result (completed, error, race_lost)",
		},
		[]string{"result"},
	)

	jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docpipeline",
			Name:      "jobs_submitted_total",
			Help:      "Submissions by execution path (broker, fallback)",
		},
		[]string{"path"},
	)

	retriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docpipeline",
			Name:      "retries_total",
			Help:      "Total number of job retries scheduled by the broker",
		},
	)

	stallsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docpipeline",
			Name:      "stalls_total",
			Help:      "Total number of stalled-job redeliveries",
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "docpipeline",
			Name:      "queue_depth",
			Help:      "Broker depth gauges for waiting, delayed, active and failed",
		},
		[]string{"state"},
	)

	extractionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docpipeline",
			Name:      "extraction_duration_seconds",
			Help:      "Duration of extraction gateway calls by result",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"result"},
	)

	dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docpipeline",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of template webhook calls by template and result",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"template", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		jobsProcessed,
		jobsSubmitted,
		retriesTotal,
		stallsTotal,
		queueDepth,
		extractionLatency,
		dispatchLatency,
	)
}

// Handler exposes the prometheus scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }

func JobProcessed(result string) { jobsProcessed.WithLabelValues(result).Inc() }
func JobSubmitted(path string)   { jobsSubmitted.WithLabelValues(path).Inc() }
func Retry()                     { retriesTotal.Inc() }
func Stall()                     { stallsTotal.Inc() }

// SetQueueDepth updates the depth gauges from one broker snapshot.
func SetQueueDepth(waiting, delayed, active, failed int64) {
	queueDepth.WithLabelValues("waiting").Set(float64(waiting))
	queueDepth.WithLabelValues("delayed").Set(float64(delayed))
	queueDepth.WithLabelValues("active").Set(float64(active))
	queueDepth.WithLabelValues("failed").Set(float64(failed))
}

func ObserveExtraction(result string, d time.Duration) {
	extractionLatency.WithLabelValues(result).Observe(d.Seconds())
}

func ObserveDispatch(template, result string, d time.Duration) {
	dispatchLatency.WithLabelValues(template, result).Observe(d.Seconds())
}
