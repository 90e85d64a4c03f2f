// Package runner launches and inspects the external simulation engine: it
// materializes a job's directory layout, generates the launch script and runs
// it through a Runtime.
package runner

import (
	"context"
	"errors"
)

// ErrStoppedByUser is recorded on a handle that was killed by a cancellation.
var ErrStoppedByUser = errors.New("stopped by user")

// Runtime defines the interface for executing launch scripts.
// Implementations include raw process execution and Docker.
type Runtime interface {
	// Start begins execution and returns a handle. It must not block until exit.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a launch script.
type StartOptions struct {
	ID      string // Job identifier, used for naming
	Image   string // Container image (docker only)
	Command []string
	Env     map[string]string
	WorkDir string   // Working directory; the exec runtime defaults it to <WorkDir>/<ID>
	LogFile string   // Receives stdout/stderr of the script itself
	Mounts  []string // Host paths bind-mounted at the same path (docker only)
}

// ExitResult describes how a process ended.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents a launched process.
type Handle interface {
	// ID identifies the process (pid or container id).
	ID() string

	// Wait blocks until the process exits or ctx is done.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop forcefully terminates the process. No grace period.
	Stop(ctx context.Context) error

	// Alive reports whether the process is still running.
	Alive() bool

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// StoppedByUser reports whether Stop was called.
	StoppedByUser() bool
}
