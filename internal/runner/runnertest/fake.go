// Package runnertest provides in-memory runner.Runtime and runner.Handle
// implementations whose processes exit only when a test says so.
package runnertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"runplane/internal/runner"
)

// Handle is a fake process.
type Handle struct {
	id      string
	done    chan struct{}
	once    sync.Once
	stopped atomic.Bool

	mu     sync.Mutex
	result runner.ExitResult
}

// NewHandle returns a live fake process.
func NewHandle(id string) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

// Exit ends the process with code. Later calls are ignored.
func (h *Handle) Exit(code int) {
	h.once.Do(func() {
		h.mu.Lock()
		h.result = runner.ExitResult{ExitCode: code}
		if h.stopped.Load() {
			h.result.Error = runner.ErrStoppedByUser
		}
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Wait(ctx context.Context) (runner.ExitResult, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, nil
	case <-ctx.Done():
		return runner.ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

func (h *Handle) Stop(ctx context.Context) error {
	if !h.Alive() {
		return nil
	}
	h.stopped.Store(true)
	h.Exit(-1)
	return nil
}

func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) StoppedByUser() bool { return h.stopped.Load() }

// Runtime records every start and hands out fake handles.
type Runtime struct {
	mu      sync.Mutex
	handles []*Handle
	opts    []runner.StartOptions

	// StartErr, when set, is returned by Start.
	StartErr error
	// Started receives every new handle when non-nil.
	Started chan *Handle
}

func (r *Runtime) Start(ctx context.Context, opts runner.StartOptions) (runner.Handle, error) {
	r.mu.Lock()
	if r.StartErr != nil {
		r.mu.Unlock()
		return nil, r.StartErr
	}
	h := NewHandle(fmt.Sprintf("fake-%d", len(r.handles)+1))
	r.handles = append(r.handles, h)
	r.opts = append(r.opts, opts)
	started := r.Started
	r.mu.Unlock()

	if started != nil {
		started <- h
	}
	return h, nil
}

// SetStartErr changes the error returned by Start.
func (r *Runtime) SetStartErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartErr = err
}

// Handles returns the handles started so far.
func (r *Runtime) Handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Handle(nil), r.handles...)
}

// Options returns the start options recorded so far.
func (r *Runtime) Options() []runner.StartOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runner.StartOptions(nil), r.opts...)
}
