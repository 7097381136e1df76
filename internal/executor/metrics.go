package executor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates optional telemetry callbacks.
type Metrics struct {
	Duration func(ctx context.Context, tool string, d time.Duration)
	Failure  func(ctx context.Context, tool string, kind ErrorKind)
}

// NewPrometheusMetrics registers tool latency and failure collectors on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (Metrics, error) {
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentcore",
		Subsystem: "executor",
		Name:      "tool_duration_seconds",
		Help:      "Wall-clock duration of tool calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "executor",
		Name:      "tool_failures_total",
		Help:      "Failed tool calls by kind.",
	}, []string{"tool", "kind"})
	if reg != nil {
		if err := reg.Register(latency); err != nil {
			return Metrics{}, err
		}
		if err := reg.Register(failures); err != nil {
			return Metrics{}, err
		}
	}
	return Metrics{
		Duration: func(_ context.Context, tool string, d time.Duration) {
			latency.WithLabelValues(tool).Observe(d.Seconds())
		},
		Failure: func(_ context.Context, tool string, kind ErrorKind) {
			failures.WithLabelValues(tool, string(kind)).Inc()
		},
	}, nil
}
