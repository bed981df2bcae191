package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EnqueuedJobs    prometheus.Counter
	ProcessedJobs   prometheus.Counter
	FailedJobs      prometheus.Counter
	RelayRequests   prometheus.Counter
	RelayFailures   prometheus.Counter
	UsageRejections *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "sofia",
				Name:      "queue_enqueued_total",
				Help:      "Total jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "sofia",
				Name:      "queue_processed_total",
				Help:      "Total jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "sofia",
				Name:      "queue_failed_total",
				Help:      "Total jobs failed during processing",
			}),
			RelayRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "sofia",
				Name:      "relay_requests_total",
				Help:      "Total chat relay requests sent to the provider",
			}),
			RelayFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "sofia",
				Name:      "relay_failures_total",
				Help:      "Total chat relay requests that failed upstream",
			}),
			UsageRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sofia",
				Name:      "usage_rejections_total",
				Help:      "Requests rejected by the free tier usage limits",
			}, []string{"kind"}),
			HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sofia",
				Name:      "http_requests_total",
				Help:      "HTTP requests by route pattern and status class",
			}, []string{"route", "code"}),
		}
		prometheus.MustRegister(
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.RelayRequests,
			global.RelayFailures,
			global.UsageRejections,
			global.HTTPRequests,
		)
	})
	return global
}
