package providers

import (
	"context"
	"os"
)

// Process is a handle on a spawned target.
type Process interface {
	Pid() int
	// Wait blocks until the process exits.
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
	// Release drops the handle without touching the process.
	Release() error
}

type Provider interface {
	Name() string
	Spawn(ctx context.Context, t Target) (Process, error)
	// ProbeAddr is the host:port where the target's port is reachable.
	ProbeAddr(t Target) string
}
