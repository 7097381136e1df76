package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mohammad-safakhou/agentcore/internal/mcp"
	"github.com/mohammad-safakhou/agentcore/internal/store"
)

// HealthChecker waits until a freshly spawned service answers.
type HealthChecker interface {
	Wait(ctx context.Context, name string, kind store.ModuleKind, port int) error
}

// ProbeHealth dials the port and, for MCP servers, completes an initialize
// handshake that must name the server.
type ProbeHealth struct {
	Host     string
	MCPPath  func(name string) string
	Interval time.Duration
}

func (h ProbeHealth) Wait(ctx context.Context, name string, kind store.ModuleKind, port int) error {
	interval := h.Interval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	var last error
	op := func() error {
		last = h.probe(ctx, name, kind, port)
		return last
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)); err != nil {
		if last != nil {
			return last
		}
		return err
	}
	return nil
}

func (h ProbeHealth) probe(ctx context.Context, name string, kind store.ModuleKind, port int) error {
	host := h.Host
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	_ = conn.Close()
	if kind != store.ModuleMCP {
		return nil
	}

	path := "/mcp"
	if h.MCPPath != nil {
		if p := h.MCPPath(name); p != "" {
			path = p
		}
	}
	client := mcp.NewClient("http://"+addr+path, "", mcp.WithClientInfo("agentcore-supervisor", "1"))
	res, err := client.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("mcp handshake with %s: %w", name, err)
	}
	if res.ServerInfo.Name == "" || res.ServerInfo.Version == "" {
		return errors.New("mcp handshake returned no server name or version")
	}
	return nil
}
