package supervisor

import (
	"context"
	"fmt"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInspector answers questions about host processes and sockets.
type ProcessInspector interface {
	// PortHolder returns the process listening on port, if any.
	PortHolder(ctx context.Context, port int) (PortHolder, bool, error)
	Alive(ctx context.Context, pid int) bool
}

// HostInspector reads listening sockets and command lines through gopsutil.
type HostInspector struct{}

func (HostInspector) PortHolder(ctx context.Context, port int) (PortHolder, bool, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return PortHolder{}, false, fmt.Errorf("list tcp sockets: %w", err)
	}
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid <= 0 {
			continue
		}
		holder := PortHolder{Port: port, PID: int(c.Pid)}
		if p, err := process.NewProcessWithContext(ctx, c.Pid); err == nil {
			holder.Cmdline, _ = p.CmdlineWithContext(ctx)
			if ppid, err := p.PpidWithContext(ctx); err == nil {
				holder.PPID = int(ppid)
			}
		}
		return holder, true, nil
	}
	return PortHolder{}, false, nil
}

func (HostInspector) Alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	// Exited children linger as zombies until reaped.
	if st, err := p.StatusWithContext(ctx); err == nil {
		for _, s := range st {
			if s == process.Zombie {
				return false
			}
		}
	}
	return true
}

// ownedBy reports whether cmdline matches one of the recognised binary patterns.
func ownedBy(cmdline string, patterns []string) bool {
	cmd := strings.ToLower(cmdline)
	if cmd == "" {
		return false
	}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(cmd, p) {
			return true
		}
	}
	return false
}
