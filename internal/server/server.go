// Package server exposes the orchestrator over A2A JSON-RPC.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/agentcore/config"
	"github.com/mohammad-safakhou/agentcore/internal/agent"
	"github.com/mohammad-safakhou/agentcore/internal/ai"
	"github.com/mohammad-safakhou/agentcore/internal/executor"
	"github.com/mohammad-safakhou/agentcore/internal/ids"
	"github.com/mohammad-safakhou/agentcore/internal/mcp"
	"github.com/mohammad-safakhou/agentcore/internal/queue/streams"
	"github.com/mohammad-safakhou/agentcore/internal/runtime"
	"github.com/mohammad-safakhou/agentcore/internal/store"
	"github.com/mohammad-safakhou/agentcore/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// New assembles the HTTP surface. The A2A endpoint requires a bearer
// token signed with secret.
func New(h *A2AHandler, secret []byte, logger *log.Logger) *echo.Echo {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	g := e.Group("/a2a")
	g.Use(runtime.EchoAuthMiddleware(secret))
	h.Register(g)
	return e
}

// Run wires storage, the MCP registry, the AI adapter and the orchestrator
// from cfg and serves until ctx ends.
func Run(ctx context.Context, cfg *config.Config, addr string) error {
	if addr == "" {
		addr = cfg.Server.Address
	}
	tele, _, _, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    "agentcore",
		ServiceVersion: "1",
		Registerer:     prometheus.DefaultRegisterer,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tele.Shutdown(context.Background()) }()

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}
	writeDSN, err := runtime.BuildPostgresDSN(cfg)
	if err != nil {
		return err
	}
	readDSN, err := runtime.BuildReadDSN(cfg)
	if err != nil {
		return err
	}
	st, err := store.NewWithDSN(ctx, writeDSN, readDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	adapter, err := ai.NewAdapterFromConfig(cfg.LLM, ai.WithLogger(log.New(log.Writer(), "[AI] ", log.LstdFlags)))
	if err != nil {
		return err
	}
	registry := mcp.NewRegistry(cfg.MCP, st,
		mcp.WithJWTSecret(secret),
		mcp.WithLogger(log.New(log.Writer(), "[MCP] ", log.LstdFlags)),
	)
	execMetrics, err := executor.NewPrometheusMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	opts := []agent.Option{
		agent.WithTaskStore(st),
		agent.WithCheckpointManager(executor.NewStoreCheckpointManager(st)),
		agent.WithExecutorMetrics(execMetrics),
		agent.WithRetryDelay(cfg.LLM.RetryDelay),
		agent.WithToolTimeout(cfg.Agents.ToolTimeout),
		agent.WithLogger(orchLogger),
	}

	var bus *streams.CancelBus
	if cfg.Storage.Redis.Enabled() {
		rdb, err := streams.NewClient(ctx, cfg.Storage.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		schemas := streams.NewSchemaRegistry()
		if err := streams.RegisterBaseSchemas(schemas); err != nil {
			return err
		}
		host, _ := os.Hostname()
		bus = streams.NewCancelBus(rdb, schemas, cfg.Storage.Redis.Stream+".cancel", fmt.Sprintf("%s-%d", host, os.Getpid()), nil)
		opts = append(opts,
			agent.WithEventJournal(streams.NewJournal(rdb, schemas, cfg.Storage.Redis.Stream)),
			agent.WithCancelBroadcaster(bus),
		)
	}

	catalog := agent.NewDirCatalog(cfg.Agents.Dir, log.New(log.Writer(), "[AGENTS] ", log.LstdFlags))
	orch := agent.NewOrchestrator(catalog, adapter, registry, registry, opts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if bus != nil {
		go func() {
			err := bus.Listen(runCtx, func(_ context.Context, req streams.CancelRequest) {
				if req.Origin == bus.Origin() {
					return
				}
				orch.CancelLocal(ids.TaskID(req.TaskID))
			})
			if err != nil {
				orchLogger.Printf("cancel listener stopped: %v", err)
			}
		}()
	}

	if len(cfg.Services.Entries) > 0 {
		sup := supervisor.New(cfg.Services, st, supervisor.WithChildEnv(supervisor.ChildEnv{
			DatabaseURL: writeDSN,
			JWTSecret:   string(secret),
			LogLevel:    cfg.General.LogLevel,
		}))
		go func() {
			if err := sup.RunReaper(runCtx, ""); err != nil {
				orchLogger.Printf("reaper stopped: %v", err)
			}
		}()
	}

	e := New(&A2AHandler{Agents: orch, Logger: log.New(log.Writer(), "[A2A] ", log.LstdFlags)}, secret, nil)
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[HTTP] listening on %s", addr)
		errCh <- e.Start(addr)
	}()

	go func() {
		runtime.WaitForShutdown(runCtx, "agentcore")
		cancel()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-runCtx.Done():
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	return e.Shutdown(shutdownCtx)
}
