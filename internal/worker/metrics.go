package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry      *prometheus.Registry
	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	activeTasks   prometheus.Gauge
	settleErrors  *prometheus.CounterVec
	dequeueErrors prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbflow_worker_tasks_total",
			Help: "Task deliveries handled by the worker, by disposition and reason.",
		}, []string{"disposition", "reason"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "thumbflow_worker_task_duration_seconds",
			Help:    "Time spent handling one task delivery.",
			Buckets: prometheus.DefBuckets,
		}, []string{"reason"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "thumbflow_worker_active_tasks",
			Help: "Task deliveries currently being handled.",
		}),
		settleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbflow_worker_settle_errors_total",
			Help: "Failed ack/nack calls, by operation.",
		}, []string{"op"}),
		dequeueErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thumbflow_worker_dequeue_errors_total",
			Help: "Failed dequeue calls.",
		}),
	}

	registry.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.activeTasks,
		m.settleErrors,
		m.dequeueErrors,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
