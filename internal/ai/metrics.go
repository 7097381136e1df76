package ai

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	aiMetricsOnce sync.Once
	aiRequests    *prometheus.CounterVec
	aiLatency     *prometheus.HistogramVec
)

func initAIMetrics() {
	aiRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "ai",
		Name:      "requests_total",
		Help:      "LLM adapter calls by provider, operation and outcome.",
	}, []string{"provider", "operation", "outcome"})
	aiLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentcore",
		Subsystem: "ai",
		Name:      "request_duration_seconds",
		Help:      "LLM adapter call latency.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"provider", "operation"})
	for _, c := range []prometheus.Collector{aiRequests, aiLatency} {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch existing := are.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					aiRequests = existing
				case *prometheus.HistogramVec:
					aiLatency = existing
				}
			}
		}
	}
}

func recordCall(provider, op string, started time.Time, err error) {
	aiMetricsOnce.Do(initAIMetrics)
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	aiRequests.WithLabelValues(provider, op, outcome).Inc()
	aiLatency.WithLabelValues(provider, op).Observe(time.Since(started).Seconds())
}
