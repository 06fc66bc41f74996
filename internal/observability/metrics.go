package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpDurationHistogram *prometheus.HistogramVec
	transferCounter       *prometheus.CounterVec
	dispatchCounter       *prometheus.CounterVec
	dispatchDuration      *prometheus.HistogramVec
	outboxBacklogGauge    prometheus.Gauge
	workerRunCounter      *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		transferCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_transitions_total",
			Help: "Transfer lifecycle operations by outcome",
		}, []string{"operation", "outcome"})

		dispatchCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_dispatch_total",
			Help: "Settlement dispatch attempts by provider and outcome",
		}, []string{"provider", "outcome"})

		dispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settlement_dispatch_duration_seconds",
			Help:    "Provider call latency per attempt",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"})

		outboxBacklogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "settlement_outbox_claimed",
			Help: "Entries claimed in the most recent dispatcher poll",
		})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			transferCounter,
			dispatchCounter,
			dispatchDuration,
			outboxBacklogGauge,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementTransfer(operation, outcome string) {
	if transferCounter == nil {
		return
	}
	transferCounter.WithLabelValues(operation, outcome).Inc()
}

func IncrementDispatch(provider, outcome string) {
	if dispatchCounter == nil {
		return
	}
	dispatchCounter.WithLabelValues(provider, outcome).Inc()
}

func ObserveDispatch(provider string, duration time.Duration) {
	if dispatchDuration == nil {
		return
	}
	dispatchDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetOutboxClaimed(n int) {
	if outboxBacklogGauge == nil {
		return
	}
	outboxBacklogGauge.Set(float64(n))
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
