//go:build integration

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "agentcore",
			"POSTGRES_PASSWORD": "agentcore",
			"POSTGRES_DB":       "agentcore",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("failed to start postgres: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432")
	if err != nil {
		_ = pg.Terminate(ctx)
		t.Fatalf("failed to get mapped port: %v", err)
	}
	host, err := pg.Host(ctx)
	if err != nil {
		_ = pg.Terminate(ctx)
		t.Fatalf("failed to get host: %v", err)
	}
	dsn := fmt.Sprintf("postgres://agentcore:agentcore@%s:%s/agentcore?sslmode=disable", host, port.Port())
	return pg, dsn
}

func findMigrationsDir(t *testing.T) string {
	t.Helper()
	cwd, _ := os.Getwd()
	for i := 0; i < 6; i++ {
		candidate := filepath.Join(cwd, "migrations")
		if st, err := os.Stat(candidate); err == nil && st.IsDir() {
			return "file://" + candidate
		}
		cwd = filepath.Dir(cwd)
	}
	t.Fatalf("could not locate migrations directory from test cwd")
	return ""
}

func TestStoreAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	pg, dsn := startPostgres(t, ctx)
	defer func() { _ = pg.Terminate(ctx) }()

	var migErr error
	for i := 0; i < 6; i++ {
		if migErr = Migrate(findMigrationsDir(t), dsn, "up", 0); migErr == nil {
			break
		}
		time.Sleep(300 * time.Millisecond)
	}
	if migErr != nil {
		t.Fatalf("migrate up failed after retries: %v", migErr)
	}

	st, err := NewWithDSN(ctx, dsn, "")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer st.Close()

	now := time.Now().UTC()
	if err := st.UpsertService(ctx, ServiceRecord{Name: "blog", ModuleKind: ModuleMCP, Status: ServiceRunning, PID: 123, Port: 7301, StartedAt: &now}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.UpsertService(ctx, ServiceRecord{Name: "blog", ModuleKind: ModuleMCP, Status: ServiceStopped, Port: 7301, StoppedAt: &now}); err != nil {
		t.Fatalf("upsert stop: %v", err)
	}
	rec, ok, err := st.GetService(ctx, "blog")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if rec.Status != ServiceStopped || rec.PID != 0 {
		t.Fatalf("expected stopped record with cleared pid, got %+v", rec)
	}

	payload, _ := json.Marshal(map[string]any{"id": "t1", "kind": "task"})
	if err := st.SaveTask(ctx, TaskRecord{ID: "t1", ContextID: "c1", AgentName: "blogger", State: "completed", TaskJSON: payload}); err != nil {
		t.Fatalf("save task: %v", err)
	}
	tasks, err := st.ListTasksByContext(ctx, "c1", 10)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("list tasks: %v (%d)", err, len(tasks))
	}

	if err := Migrate(findMigrationsDir(t), dsn, "down", 0); err != nil {
		t.Fatalf("migrate down: %v", err)
	}
}
