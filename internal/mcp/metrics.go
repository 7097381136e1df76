package mcp

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	registryMetricsOnce sync.Once
	serverLoads         otelmetric.Int64Counter
)

func initRegistryMetrics() {
	meter := otel.Meter("agentcore/mcp")
	var err error
	serverLoads, err = meter.Int64Counter(
		"mcp_server_loads_total",
		otelmetric.WithDescription("MCP server tool loads by outcome"),
	)
	if err != nil {
		log.Printf("mcp metrics init: mcp_server_loads_total: %v", err)
	}
}

func recordLoad(ctx context.Context, loaded, failed int) {
	registryMetricsOnce.Do(initRegistryMetrics)
	if serverLoads == nil {
		return
	}
	if loaded > 0 {
		serverLoads.Add(ctx, int64(loaded), otelmetric.WithAttributes(attribute.String("outcome", "ok")))
	}
	if failed > 0 {
		serverLoads.Add(ctx, int64(failed), otelmetric.WithAttributes(attribute.String("outcome", "error")))
	}
}
