package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	registry *prometheus.Registry

	stageTotal     *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	stageInFlight  prometheus.Gauge
	queueLag       *prometheus.HistogramVec
	imageJobsTotal *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	stageTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poflow",
			Subsystem: "worker",
			Name:      "stage_process_total",
			Help:      "Total processed stage jobs by stage and status.",
		},
		[]string{"service", "stage", "status"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "poflow",
			Subsystem: "worker",
			Name:      "stage_process_duration_seconds",
			Help:      "Stage processing duration in seconds by stage and status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "stage", "status"},
	)
	stageInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "poflow",
			Subsystem: "worker",
			Name:      "stage_process_in_flight",
			Help:      "Number of in-flight stage jobs.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "poflow",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between stage job enqueue and processing start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service", "stage"},
	)
	imageJobsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poflow",
			Subsystem: "worker",
			Name:      "image_jobs_total",
			Help:      "Total background image-search jobs by status.",
		},
		[]string{"service", "status"},
	)

	registry.MustRegister(stageTotal, stageDuration, stageInFlight, queueLag, imageJobsTotal)

	return &WorkerMetrics{
		registry:       registry,
		stageTotal:     stageTotal,
		stageDuration:  stageDuration,
		stageInFlight:  stageInFlight,
		queueLag:       queueLag,
		imageJobsTotal: imageJobsTotal,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartStage() {
	m.stageInFlight.Inc()
}

func (m *WorkerMetrics) FinishStage(service, stage string, duration time.Duration, err error) {
	m.stageInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}

	m.stageTotal.WithLabelValues(service, stage, status).Inc()
	m.stageDuration.WithLabelValues(service, stage, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveQueueLag(service, stage string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(service, stage).Observe(lag.Seconds())
}

func (m *WorkerMetrics) FinishImageJob(service string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.imageJobsTotal.WithLabelValues(service, status).Inc()
}
