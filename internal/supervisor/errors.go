package supervisor

import (
	"errors"
	"fmt"
	"strings"
)

// Supervisor errors.
var (
	ErrUnknownService = errors.New("service not registered")
	ErrAlreadyRunning = errors.New("service already running")
	ErrPortOccupied   = errors.New("port held by a foreign process")
	ErrSpawnFailed    = errors.New("failed to spawn service")
	ErrHealthTimeout  = errors.New("service did not become healthy in time")
)

// PortHolder is the process listening on a port.
type PortHolder struct {
	Port    int    `json:"port"`
	PID     int    `json:"pid"`
	PPID    int    `json:"ppid,omitempty"`
	Cmdline string `json:"cmdline,omitempty"`
}

// PortConflictError lists ports held by processes the supervisor may not
// reclaim: foreign binaries or listeners owned by another live service.
type PortConflictError struct {
	Conflicts []PortHolder
}

func (e *PortConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = fmt.Sprintf("port %d held by pid %d (%s)", c.Port, c.PID, c.Cmdline)
	}
	return ErrPortOccupied.Error() + ": " + strings.Join(parts, "; ")
}

func (e *PortConflictError) Is(target error) bool { return target == ErrPortOccupied }
