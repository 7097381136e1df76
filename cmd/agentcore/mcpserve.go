package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/agentcore/internal/mcp"
	"github.com/spf13/cobra"
)

func mcpServeCMD() *cobra.Command {
	var name, port, path string
	serve := &cobra.Command{
		Use:   "mcp-serve",
		Short: "Run a small MCP server with demo tools",
		Long:  "Serves echo, add and now over streamable HTTP. NAME/MCP_NAME and PORT are read from the environment the supervisor provides.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				name = getenv("MCP_NAME", getenv("NAME", "demo"))
			}
			if port == "" {
				port = getenv("PORT", "7100")
			}
			logger := log.New(log.Writer(), "[MCP-SERVER] ", log.LstdFlags)
			srv := mcp.NewServer(name, "0.1.0", logger)
			if tok := getenv("MCP_TOKEN", ""); tok != "" {
				srv.RequireToken(tok)
			}
			registerDemoTools(srv)

			e := echo.New()
			e.HideBanner = true
			e.HidePort = true
			e.Use(middleware.Recover())
			e.Any(path, echo.WrapHandler(srv))
			e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

			addr := net.JoinHostPort("127.0.0.1", port)
			errCh := make(chan error, 1)
			go func() {
				logger.Printf("%s listening on %s%s", name, addr, path)
				errCh <- e.Start(addr)
			}()
			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return e.Shutdown(ctx)
		},
	}
	serve.Flags().StringVar(&name, "name", "", "server name reported during initialize")
	serve.Flags().StringVar(&port, "port", "", "listen port (default $PORT)")
	serve.Flags().StringVar(&path, "path", "/mcp", "endpoint path")
	return serve
}

func registerDemoTools(srv *mcp.Server) {
	srv.Register(mcp.Tool{
		Name:        "echo",
		Description: "Returns the given text unchanged.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}, func(ctx context.Context, args map[string]any) (*mcp.CallResult, error) {
		text, _ := args["text"].(string)
		return &mcp.CallResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}, nil
	})

	srv.Register(mcp.Tool{
		Name:         "add",
		Description:  "Adds two numbers.",
		InputSchema:  json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"sum":{"type":"number"}}}`),
	}, func(ctx context.Context, args map[string]any) (*mcp.CallResult, error) {
		a, okA := args["a"].(float64)
		b, okB := args["b"].(float64)
		if !okA || !okB {
			return nil, fmt.Errorf("a and b must be numbers")
		}
		return mcp.StructuredResult(map[string]float64{"sum": a + b})
	})

	srv.Register(mcp.Tool{
		Name:         "now",
		Description:  "Returns the current time in the given IANA zone, UTC by default.",
		InputSchema:  json.RawMessage(`{"type":"object","properties":{"zone":{"type":"string"}}}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"time":{"type":"string"},"zone":{"type":"string"}}}`),
	}, func(ctx context.Context, args map[string]any) (*mcp.CallResult, error) {
		zone, _ := args["zone"].(string)
		zone = strings.TrimSpace(zone)
		if zone == "" {
			zone = "UTC"
		}
		loc, err := time.LoadLocation(zone)
		if err != nil {
			return nil, fmt.Errorf("unknown zone %q", zone)
		}
		return mcp.StructuredResult(map[string]string{"time": time.Now().In(loc).Format(time.RFC3339), "zone": zone})
	})
}
