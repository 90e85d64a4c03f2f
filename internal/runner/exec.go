package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
)

// ExecRuntime implements the Runtime interface using raw OS processes.
// Each process is started in its own process group so Stop can kill the
// whole tree the launch script spawns.
type ExecRuntime struct {
	WorkDir string
}

// NewExecRuntime creates a new process-based runtime.
func NewExecRuntime(workDir string) *ExecRuntime {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "runplane", "runner")
	}
	return &ExecRuntime{WorkDir: workDir}
}

// ExecHandle is a running OS process.
type ExecHandle struct {
	cmd     *exec.Cmd
	logFile *os.File
	done    chan struct{}
	stopped atomic.Bool

	mu     sync.Mutex
	result ExitResult
}

// Start implements Runtime.Start using os/exec. The process is not bound to
// ctx; it outlives both the request and the dispatcher.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = filepath.Join(e.WorkDir, opts.ID)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = newProcAttr()

	var logFile *os.File
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	h := &ExecHandle{cmd: cmd, logFile: logFile, done: make(chan struct{})}
	go h.reap()
	return h, nil
}

func (h *ExecHandle) reap() {
	err := h.cmd.Wait()

	res := ExitResult{}
	if h.cmd.ProcessState != nil {
		res.ExitCode = h.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		// A non-zero exit is reported through the code, not as an error.
	default:
		res.Error = err
	}
	if h.stopped.Load() {
		res.Error = ErrStoppedByUser
	}

	h.mu.Lock()
	h.result = res
	h.mu.Unlock()

	if h.logFile != nil {
		_ = h.logFile.Close()
	}
	close(h.done)
}

func (h *ExecHandle) ID() string {
	return strconv.Itoa(h.cmd.Process.Pid)
}

func (h *ExecHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// Stop kills the process group and waits for the process to be reaped.
func (h *ExecHandle) Stop(ctx context.Context) error {
	if !h.Alive() {
		return nil
	}
	h.stopped.Store(true)
	if err := killGroup(h.cmd.Process); err != nil {
		return fmt.Errorf("kill pid %d: %w", h.cmd.Process.Pid, err)
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *ExecHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *ExecHandle) Done() <-chan struct{} {
	return h.done
}

func (h *ExecHandle) StoppedByUser() bool {
	return h.stopped.Load()
}
