package agent

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/agentcore/internal/a2a"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	agentMetricsOnce sync.Once
	tasksFinished    otelmetric.Int64Counter
	taskDuration     otelmetric.Float64Histogram
)

func initAgentMetrics() {
	meter := otel.Meter("agentcore/agent")
	var err error
	tasksFinished, err = meter.Int64Counter(
		"agent_tasks_total",
		otelmetric.WithDescription("Tasks that reached a terminal state"),
	)
	if err != nil {
		log.Printf("agent metrics init: agent_tasks_total: %v", err)
	}
	taskDuration, err = meter.Float64Histogram(
		"agent_task_duration_seconds",
		otelmetric.WithDescription("Wall time from submission to terminal state"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("agent metrics init: agent_task_duration_seconds: %v", err)
	}
}

func recordTask(ctx context.Context, agentName string, state a2a.TaskState, elapsed time.Duration) {
	agentMetricsOnce.Do(initAgentMetrics)
	attrs := otelmetric.WithAttributes(
		attribute.String("agent", agentName),
		attribute.String("state", string(state)),
	)
	if tasksFinished != nil {
		tasksFinished.Add(ctx, 1, attrs)
	}
	if taskDuration != nil {
		taskDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}
