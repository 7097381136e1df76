//go:build integration

package streams

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T, ctx context.Context) *redis.Client {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("failed to start redis: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := c.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestJournalAppendAndRead(t *testing.T) {
	ctx := context.Background()
	client := startRedis(t, ctx)
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	j := NewJournal(client, reg, "test.events", WithTTL(time.Minute))

	for _, kind := range []string{"text", "complete"} {
		if _, err := j.Append(ctx, "task-1", "ctx-1", map[string]string{"kind": kind}); err != nil {
			t.Fatalf("append %s: %v", kind, err)
		}
	}
	if _, err := j.Append(ctx, "task-1", "ctx-1", map[string]string{"kind": "nope"}); err == nil {
		t.Fatalf("expected schema rejection")
	}

	msgs, err := j.Read(ctx, "task-1", "", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Envelope.Sequence != 0 || msgs[1].Envelope.Sequence != 1 {
		t.Fatalf("unexpected journal contents %+v", msgs)
	}
	rest, err := j.Read(ctx, "task-1", msgs[0].ID, 10)
	if err != nil || len(rest) != 1 {
		t.Fatalf("expected one entry after first, got %d (%v)", len(rest), err)
	}
	ttl, err := client.TTL(ctx, j.StreamKey("task-1")).Result()
	if err != nil || ttl <= 0 {
		t.Fatalf("expected stream ttl, got %v (%v)", ttl, err)
	}
}

func TestCancelBusDelivers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := startRedis(t, ctx)
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	listener := NewCancelBus(client, reg, "test.cancel", "node-a", nil)
	sender := NewCancelBus(client, reg, "test.cancel", "node-b", nil)

	got := make(chan CancelRequest, 1)
	listenCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = listener.Listen(listenCtx, func(_ context.Context, req CancelRequest) { got <- req })
	}()

	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := sender.Publish(ctx, "task-9", "alice"); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case req := <-got:
			if req.TaskID != "task-9" || req.Origin != "node-b" || req.RequestedBy != "alice" {
				t.Fatalf("unexpected request %+v", req)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("cancel request not delivered")
		}
	}
}
