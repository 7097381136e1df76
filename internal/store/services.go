package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ModuleKind distinguishes supervised agents from MCP servers.
type ModuleKind string

const (
	ModuleAgent ModuleKind = "agent"
	ModuleMCP   ModuleKind = "mcp"
)

// ServiceStatus is the persisted lifecycle state of a supervised process.
type ServiceStatus string

const (
	ServiceStopped  ServiceStatus = "stopped"
	ServiceStarting ServiceStatus = "starting"
	ServiceRunning  ServiceStatus = "running"
	ServiceError    ServiceStatus = "error"
	ServiceCrashed  ServiceStatus = "crashed"
)

// ServiceRecord is the persisted intent and observed state of one child process.
type ServiceRecord struct {
	Name       string
	ModuleKind ModuleKind
	Status     ServiceStatus
	PID        int
	Port       int
	Binary     string
	LastError  string
	StartedAt  *time.Time
	StoppedAt  *time.Time
	LastSeenAt *time.Time
	UpdatedAt  time.Time
}

const serviceColumns = `name, module_kind, status, pid, port, binary_path, last_error, started_at, stopped_at, last_seen_at, updated_at`

// UpsertService writes the full record, last writer wins.
func (s *Store) UpsertService(ctx context.Context, rec ServiceRecord) error {
	if rec.Name == "" {
		return errors.New("service name is required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO services (name, module_kind, status, pid, port, binary_path, last_error, started_at, stopped_at, last_seen_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
ON CONFLICT (name) DO UPDATE SET
  module_kind  = EXCLUDED.module_kind,
  status       = EXCLUDED.status,
  pid          = EXCLUDED.pid,
  port         = EXCLUDED.port,
  binary_path  = EXCLUDED.binary_path,
  last_error   = EXCLUDED.last_error,
  started_at   = EXCLUDED.started_at,
  stopped_at   = EXCLUDED.stopped_at,
  last_seen_at = EXCLUDED.last_seen_at,
  updated_at   = NOW();
`, rec.Name, string(rec.ModuleKind), string(rec.Status), nullInt(rec.PID), rec.Port, rec.Binary, rec.LastError,
		rec.StartedAt, rec.StoppedAt, rec.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert service %s: %w", rec.Name, err)
	}
	recordWrite(ctx, "services")
	return nil
}

// GetService reads a record from the read pool. The bool reports whether it exists.
func (s *Store) GetService(ctx context.Context, name string) (ServiceRecord, bool, error) {
	return s.getService(ctx, s.reader(), name)
}

// GetServicePrimary reads a record from the write pool, bypassing replica lag.
func (s *Store) GetServicePrimary(ctx context.Context, name string) (ServiceRecord, bool, error) {
	return s.getService(ctx, s.DB, name)
}

func (s *Store) getService(ctx context.Context, db *sql.DB, name string) (ServiceRecord, bool, error) {
	row := db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE name = $1`, name)
	rec, err := scanService(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ServiceRecord{}, false, nil
		}
		return ServiceRecord{}, false, err
	}
	return rec, true, nil
}

// ListServices returns a snapshot of every record ordered by name.
func (s *Store) ListServices(ctx context.Context) ([]ServiceRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+serviceColumns+` FROM services ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ServiceRecord
	for rows.Next() {
		rec, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListServicesByStatus returns records in any of the given states.
func (s *Store) ListServicesByStatus(ctx context.Context, statuses ...ServiceStatus) ([]ServiceRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	raw := make([]string, len(statuses))
	for i, st := range statuses {
		raw[i] = string(st)
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE status = ANY($1) ORDER BY name`, pq.Array(raw))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ServiceRecord
	for rows.Next() {
		rec, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteService removes a record.
func (s *Store) DeleteService(ctx context.Context, name string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM services WHERE name = $1`, name)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (ServiceRecord, error) {
	var (
		rec                        ServiceRecord
		kind, status               string
		pid                        sql.NullInt64
		started, stopped, lastSeen sql.NullTime
	)
	if err := row.Scan(&rec.Name, &kind, &status, &pid, &rec.Port, &rec.Binary, &rec.LastError,
		&started, &stopped, &lastSeen, &rec.UpdatedAt); err != nil {
		return ServiceRecord{}, err
	}
	rec.ModuleKind = ModuleKind(kind)
	rec.Status = ServiceStatus(status)
	if pid.Valid {
		rec.PID = int(pid.Int64)
	}
	rec.StartedAt = timePtr(started)
	rec.StoppedAt = timePtr(stopped)
	rec.LastSeenAt = timePtr(lastSeen)
	return rec, nil
}

func nullInt(v int) sql.NullInt64 {
	if v <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(v), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
