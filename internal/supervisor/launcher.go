package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// LaunchSpec describes one child process.
type LaunchSpec struct {
	Name    string
	Binary  string
	Args    []string
	Env     []string
	LogFile string
}

// Launcher starts and stops child processes.
type Launcher interface {
	Launch(spec LaunchSpec) (pid int, err error)
	// Terminate sends SIGTERM to the process group, waits up to grace,
	// then sends SIGKILL.
	Terminate(ctx context.Context, pid int, grace time.Duration) error
}

// ExecLauncher spawns children in their own process group with output
// appended to a per-service log file.
type ExecLauncher struct {
	inspector ProcessInspector
}

func NewExecLauncher(inspector ProcessInspector) *ExecLauncher {
	if inspector == nil {
		inspector = HostInspector{}
	}
	return &ExecLauncher{inspector: inspector}
}

func (l *ExecLauncher) Launch(spec LaunchSpec) (int, error) {
	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if spec.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogFile), 0o755); err != nil {
			return 0, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open log file: %w", err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
		defer f.Close()
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	// Reap the child so it does not linger as a zombie after exit.
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

func (l *ExecLauncher) Terminate(ctx context.Context, pid int, grace time.Duration) error {
	if pid <= 0 {
		return nil
	}
	target := pid
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid == pid {
		target = -pgid
	}
	if err := syscall.Kill(target, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !l.inspector.Alive(ctx, pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(100 * time.Millisecond):
		}
	}
	if err := syscall.Kill(target, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}
