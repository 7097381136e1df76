package streams

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	journalEvents     otelmetric.Int64Counter
	cancelMessages    otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("agentcore/queue/streams")
	var err error
	journalEvents, err = meter.Int64Counter(
		"task_journal_events_total",
		otelmetric.WithDescription("Task events mirrored to Redis streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: task_journal_events_total: %v", err)
	}
	cancelMessages, err = meter.Int64Counter(
		"task_cancel_messages_total",
		otelmetric.WithDescription("Cancel requests published or received over pub/sub"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: task_cancel_messages_total: %v", err)
	}
}

func recordJournal(ctx context.Context, env Envelope) {
	streamMetricsOnce.Do(initStreamMetrics)
	if journalEvents == nil {
		return
	}
	var doc struct {
		Kind string `json:"kind"`
	}
	_ = json.Unmarshal(env.Data, &doc)
	journalEvents.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(
		attribute.String("event_type", env.EventType),
		attribute.String("kind", doc.Kind),
	))
}

func recordCancel(ctx context.Context, direction string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if cancelMessages == nil {
		return
	}
	cancelMessages.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(attribute.String("direction", direction)))
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
