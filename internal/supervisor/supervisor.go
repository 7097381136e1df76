// Package supervisor runs MCP servers and agents as local child processes,
// one port each, with state kept only in the services table.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/mohammad-safakhou/agentcore/config"
	"github.com/mohammad-safakhou/agentcore/internal/store"
)

// ServiceStore persists service records. Implemented by *store.Store.
type ServiceStore interface {
	UpsertService(ctx context.Context, rec store.ServiceRecord) error
	GetServicePrimary(ctx context.Context, name string) (store.ServiceRecord, bool, error)
	ListServices(ctx context.Context) ([]store.ServiceRecord, error)
	ListServicesByStatus(ctx context.Context, statuses ...store.ServiceStatus) ([]store.ServiceRecord, error)
}

// State is the caller-facing view of a service.
type State string

const (
	StateRunning  State = "running"
	StateStarting State = "starting"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Status is the result of Enable and Status.
type Status struct {
	Name   string `json:"name"`
	State  State  `json:"state"`
	PID    int    `json:"pid,omitempty"`
	Port   int    `json:"port,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ChildEnv is handed to every spawned process.
type ChildEnv struct {
	DatabaseURL string
	JWTSecret   string
	LogLevel    string
}

// Supervisor manages registered services. It keeps no process table of
// its own; every decision reads the persisted record.
type Supervisor struct {
	cfg       config.ServicesConfig
	records   ServiceStore
	inspector ProcessInspector
	launcher  Launcher
	health    HealthChecker
	env       ChildEnv
	logger    *log.Logger
	now       func() time.Time
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithInspector(i ProcessInspector) Option { return func(s *Supervisor) { s.inspector = i } }

func WithLauncher(l Launcher) Option { return func(s *Supervisor) { s.launcher = l } }

func WithHealthChecker(h HealthChecker) Option { return func(s *Supervisor) { s.health = h } }

func WithChildEnv(env ChildEnv) Option { return func(s *Supervisor) { s.env = env } }

func WithLogger(l *log.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

func withClock(now func() time.Time) Option { return func(s *Supervisor) { s.now = now } }

// New builds a supervisor over the registered services.
func New(cfg config.ServicesConfig, records ServiceStore, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg.Normalize(),
		records:   records,
		inspector: HostInspector{},
		health:    ProbeHealth{},
		logger:    log.New(log.Writer(), "[SUPERVISOR] ", log.LstdFlags),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.launcher == nil {
		s.launcher = NewExecLauncher(s.inspector)
	}
	if s.cfg.Entries == nil {
		s.cfg.Entries = map[string]config.ServiceConfig{}
	}
	return s
}

// liveOwner returns the other service whose running or starting record
// owns holder, either directly or as the parent of the listener.
func (s *Supervisor) liveOwner(ctx context.Context, name string, holder PortHolder) (string, error) {
	recs, err := s.records.ListServicesByStatus(ctx, store.ServiceRunning, store.ServiceStarting)
	if err != nil {
		return "", fmt.Errorf("list live services: %w", err)
	}
	for _, rec := range recs {
		if rec.Name == name || rec.PID <= 0 {
			continue
		}
		if rec.PID == holder.PID || rec.PID == holder.PPID {
			return rec.Name, nil
		}
	}
	return "", nil
}

// Enable starts name on port, or on its registered port when port is nil.
func (s *Supervisor) Enable(ctx context.Context, name string, port *int) (Status, error) {
	svc, ok := s.cfg.Entries[name]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	p := svc.Port
	if port != nil && *port > 0 {
		p = *port
	}

	rec, found, err := s.records.GetServicePrimary(ctx, name)
	if err != nil {
		return Status{}, fmt.Errorf("read service %s: %w", name, err)
	}
	if found && rec.Status == store.ServiceRunning && s.inspector.Alive(ctx, rec.PID) {
		return running(rec), fmt.Errorf("%w: %s (pid %d, port %d)", ErrAlreadyRunning, name, rec.PID, rec.Port)
	}

	holder, held, err := s.inspector.PortHolder(ctx, p)
	if err != nil {
		return Status{}, err
	}
	if held {
		if !ownedBy(holder.Cmdline, s.cfg.BinaryPatterns) {
			return Status{}, &PortConflictError{Conflicts: []PortHolder{holder}}
		}
		owner, err := s.liveOwner(ctx, name, holder)
		if err != nil {
			return Status{}, err
		}
		if owner != "" {
			return Status{}, fmt.Errorf("port %d belongs to service %s: %w", p, owner, &PortConflictError{Conflicts: []PortHolder{holder}})
		}
		s.logger.Printf("%s: port %d held by stale pid %d, terminating", name, p, holder.PID)
		if err := s.launcher.Terminate(ctx, holder.PID, s.cfg.StopTimeout); err != nil {
			return Status{}, fmt.Errorf("reclaim port %d: %w", p, err)
		}
	}

	started := s.now()
	rec = store.ServiceRecord{
		Name:       name,
		ModuleKind: store.ModuleKind(svc.Kind),
		Status:     store.ServiceStarting,
		Port:       p,
		Binary:     svc.Binary,
		StartedAt:  &started,
	}
	if err := s.persist(ctx, rec); err != nil {
		return Status{}, err
	}

	pid, err := s.launcher.Launch(LaunchSpec{
		Name:    name,
		Binary:  svc.Binary,
		Args:    svc.Args,
		Env:     s.childEnv(name, svc, p),
		LogFile: filepath.Join(s.cfg.LogDir, name+".log"),
	})
	if err != nil {
		rec.Status = store.ServiceError
		rec.LastError = err.Error()
		if perr := s.persist(ctx, rec); perr != nil {
			return Status{}, perr
		}
		return failed(rec), fmt.Errorf("%w: %s: %v", ErrSpawnFailed, name, err)
	}
	rec.PID = pid
	if err := s.persist(ctx, rec); err != nil {
		return Status{}, err
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
	herr := s.health.Wait(hctx, name, rec.ModuleKind, p)
	cancel()
	if herr != nil {
		s.logger.Printf("%s: health check failed: %v", name, herr)
		if err := s.launcher.Terminate(context.WithoutCancel(ctx), pid, s.cfg.StopTimeout); err != nil {
			s.logger.Printf("%s: terminate after failed health check: %v", name, err)
		}
		rec.Status = store.ServiceError
		rec.PID = 0
		rec.LastError = "health check: " + herr.Error()
		if err := s.persist(context.WithoutCancel(ctx), rec); err != nil {
			return Status{}, err
		}
		return failed(rec), fmt.Errorf("%w: %s after %s", ErrHealthTimeout, name, s.cfg.HealthTimeout)
	}

	seen := s.now()
	rec.Status = store.ServiceRunning
	rec.LastSeenAt = &seen
	if err := s.persist(ctx, rec); err != nil {
		return Status{}, err
	}
	s.logger.Printf("%s: running pid=%d port=%d", name, pid, p)
	return running(rec), nil
}

// Disable stops name. Stopping an unknown or stopped service is a no-op.
func (s *Supervisor) Disable(ctx context.Context, name string) error {
	rec, found, err := s.records.GetServicePrimary(ctx, name)
	if err != nil {
		return fmt.Errorf("read service %s: %w", name, err)
	}
	if !found || (rec.Status == store.ServiceStopped && rec.PID == 0) {
		return nil
	}
	if rec.PID > 0 && s.inspector.Alive(ctx, rec.PID) {
		if err := s.launcher.Terminate(ctx, rec.PID, s.cfg.StopTimeout); err != nil {
			return err
		}
	}
	stopped := s.now()
	rec.Status = store.ServiceStopped
	rec.PID = 0
	rec.StoppedAt = &stopped
	if err := s.persist(ctx, rec); err != nil {
		return err
	}
	s.logger.Printf("%s: stopped", name)
	return nil
}

// Restart stops name and starts it again on the same port.
func (s *Supervisor) Restart(ctx context.Context, name string) (Status, error) {
	rec, found, err := s.records.GetServicePrimary(ctx, name)
	if err != nil {
		return Status{}, fmt.Errorf("read service %s: %w", name, err)
	}
	if err := s.Disable(ctx, name); err != nil {
		return Status{}, err
	}
	var port *int
	if found && rec.Port > 0 {
		p := rec.Port
		port = &p
	}
	return s.Enable(ctx, name, port)
}

// Status reports the state of name. A running record whose process is
// gone is marked crashed before returning.
func (s *Supervisor) Status(ctx context.Context, name string) (Status, error) {
	rec, found, err := s.records.GetServicePrimary(ctx, name)
	if err != nil {
		return Status{}, fmt.Errorf("read service %s: %w", name, err)
	}
	if !found {
		if _, ok := s.cfg.Entries[name]; !ok {
			return Status{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
		}
		return Status{Name: name, State: StateStopped}, nil
	}
	switch rec.Status {
	case store.ServiceRunning:
		if s.inspector.Alive(ctx, rec.PID) {
			return running(rec), nil
		}
		if err := s.markCrashed(ctx, &rec); err != nil {
			return Status{}, err
		}
		return failed(rec), nil
	case store.ServiceStarting:
		return Status{Name: name, State: StateStarting, PID: rec.PID, Port: rec.Port}, nil
	case store.ServiceError, store.ServiceCrashed:
		return failed(rec), nil
	default:
		return Status{Name: name, State: StateStopped, Port: rec.Port}, nil
	}
}

// ListAll returns every persisted record.
func (s *Supervisor) ListAll(ctx context.Context) ([]store.ServiceRecord, error) {
	return s.records.ListServices(ctx)
}

// OrphanDetected is a running record whose port is not held by its process.
type OrphanDetected struct {
	Service   string `json:"service"`
	Port      int    `json:"port"`
	RecordPID int    `json:"record_pid"`
	HolderPID int    `json:"holder_pid"`
	Cmdline   string `json:"cmdline,omitempty"`
}

// OrphanReport summarises one cleanup pass.
type OrphanReport struct {
	Crashed []string         `json:"crashed"`
	Orphans []OrphanDetected `json:"orphans"`
}

// CleanupOrphans marks running records with dead processes as crashed and
// reports ports whose holder does not match the record. It never kills.
func (s *Supervisor) CleanupOrphans(ctx context.Context) (OrphanReport, error) {
	var report OrphanReport
	recs, err := s.records.ListServicesByStatus(ctx, store.ServiceRunning)
	if err != nil {
		return report, fmt.Errorf("list running services: %w", err)
	}
	for _, rec := range recs {
		if !s.inspector.Alive(ctx, rec.PID) {
			if err := s.markCrashed(ctx, &rec); err != nil {
				return report, err
			}
			report.Crashed = append(report.Crashed, rec.Name)
			recordOrphan("crashed")
			continue
		}
		if rec.Port <= 0 {
			continue
		}
		holder, held, err := s.inspector.PortHolder(ctx, rec.Port)
		if err != nil {
			return report, err
		}
		if held && (holder.PID == rec.PID || holder.PPID == rec.PID) {
			continue
		}
		o := OrphanDetected{Service: rec.Name, Port: rec.Port, RecordPID: rec.PID}
		if held {
			o.HolderPID = holder.PID
			o.Cmdline = holder.Cmdline
		}
		s.logger.Printf("%s: port %d not held by recorded pid %d (holder %d)", rec.Name, rec.Port, rec.PID, o.HolderPID)
		report.Orphans = append(report.Orphans, o)
		recordOrphan("port_mismatch")
	}
	sort.Strings(report.Crashed)
	return report, nil
}

// VerifyPortsAvailable fails with a *PortConflictError when any port is
// held by a process that is not a recognised agent or MCP binary.
func (s *Supervisor) VerifyPortsAvailable(ctx context.Context, ports []int) error {
	var conflicts []PortHolder
	for _, p := range ports {
		holder, held, err := s.inspector.PortHolder(ctx, p)
		if err != nil {
			return err
		}
		if held && !ownedBy(holder.Cmdline, s.cfg.BinaryPatterns) {
			conflicts = append(conflicts, holder)
		}
	}
	if len(conflicts) > 0 {
		return &PortConflictError{Conflicts: conflicts}
	}
	return nil
}

// RunReaper runs CleanupOrphans on a cron schedule until ctx ends.
func (s *Supervisor) RunReaper(ctx context.Context, schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		schedule = s.cfg.ReapSchedule
	}
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return fmt.Errorf("parse reap schedule %q: %w", schedule, err)
	}
	for {
		next := expr.Next(s.now())
		if next.IsZero() {
			return nil
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		report, err := s.CleanupOrphans(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			s.logger.Printf("reaper: %v", err)
			continue
		}
		if len(report.Crashed) > 0 || len(report.Orphans) > 0 {
			s.logger.Printf("reaper: crashed=%v orphans=%d", report.Crashed, len(report.Orphans))
		}
	}
}

func (s *Supervisor) markCrashed(ctx context.Context, rec *store.ServiceRecord) error {
	s.logger.Printf("%s: pid %d is gone, marking crashed", rec.Name, rec.PID)
	stopped := s.now()
	rec.Status = store.ServiceCrashed
	rec.LastError = fmt.Sprintf("process %d exited unexpectedly", rec.PID)
	rec.PID = 0
	rec.StoppedAt = &stopped
	return s.persist(ctx, *rec)
}

func (s *Supervisor) persist(ctx context.Context, rec store.ServiceRecord) error {
	if err := s.records.UpsertService(ctx, rec); err != nil {
		return fmt.Errorf("persist service %s as %s: %w", rec.Name, rec.Status, err)
	}
	recordTransition(rec.Name, string(rec.Status))
	return nil
}

func (s *Supervisor) childEnv(name string, svc config.ServiceConfig, port int) []string {
	env := os.Environ()
	nameVar := "AGENT_NAME"
	if svc.Kind == string(store.ModuleMCP) {
		nameVar = "MCP_NAME"
	}
	env = append(env,
		nameVar+"="+name,
		"NAME="+name,
		"PORT="+strconv.Itoa(port),
	)
	if s.env.DatabaseURL != "" {
		env = append(env, "DATABASE_URL="+s.env.DatabaseURL)
	}
	if s.env.JWTSecret != "" {
		env = append(env, "JWT_SECRET="+s.env.JWTSecret)
	}
	if s.env.LogLevel != "" {
		env = append(env, "LOG_LEVEL="+s.env.LogLevel)
	}
	keys := make([]string, 0, len(svc.Env))
	for k := range svc.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+svc.Env[k])
	}
	return env
}

func running(rec store.ServiceRecord) Status {
	return Status{Name: rec.Name, State: StateRunning, PID: rec.PID, Port: rec.Port}
}

func failed(rec store.ServiceRecord) Status {
	return Status{Name: rec.Name, State: StateFailed, Port: rec.Port, Reason: rec.LastError}
}
