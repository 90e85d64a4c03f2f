// Package registry holds the process-local scheduling state: the pending FIFO
// of queued jobs and, per owner, the handles of launched jobs. One mutex
// guards both, so a cancellation and the dispatcher can never both claim the
// same job. The lock is never held while a process starts.
package registry

import (
	"container/list"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"runplane/internal/runner"
	"runplane/internal/store"

	"github.com/google/uuid"
)

// Entry is a launched job.
type Entry struct {
	JobID       uuid.UUID
	Owner       string
	DisplayName string
	Params      runner.Params
	Handle      runner.Handle

	errorMarked atomic.Bool
}

// MarkError records that an error marker was observed while the process ran.
func (e *Entry) MarkError() { e.errorMarked.Store(true) }

// ErrorMarked reports whether MarkError was called.
func (e *Entry) ErrorMarked() bool { return e.errorMarked.Load() }

// ErrCancelled is returned by Launch when the job was cancelled while its
// process was starting. The returned entry was not recorded.
var ErrCancelled = errors.New("job cancelled while launching")

type launching struct {
	owner     string
	cancelled bool
}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	pending   *list.List // of store.QueueEntry
	index     map[uuid.UUID]*list.Element
	launching map[uuid.UUID]*launching
	running   map[string]map[uuid.UUID]*Entry
	ready     chan struct{}
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		pending:   list.New(),
		index:     make(map[uuid.UUID]*list.Element),
		launching: make(map[uuid.UUID]*launching),
		running:   make(map[string]map[uuid.UUID]*Entry),
		ready:     make(chan struct{}, 1),
	}
}

// Ready receives a value whenever work is pushed.
func (r *Registry) Ready() <-chan struct{} {
	return r.ready
}

func (r *Registry) signal() {
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

// Push appends a queued job to the tail of the pending FIFO. Pushing an id
// that is already pending or launching is a no-op.
func (r *Registry) Push(e store.QueueEntry) {
	r.mu.Lock()
	if !r.claimedLocked(e.ID) {
		r.index[e.ID] = r.pending.PushBack(e)
	}
	r.mu.Unlock()
	r.signal()
}

// PushFront puts a job back at the head of the pending FIFO.
func (r *Registry) PushFront(e store.QueueEntry) {
	r.mu.Lock()
	if !r.claimedLocked(e.ID) {
		r.index[e.ID] = r.pending.PushFront(e)
	}
	r.mu.Unlock()
	r.signal()
}

func (r *Registry) claimedLocked(id uuid.UUID) bool {
	_, pending := r.index[id]
	_, starting := r.launching[id]
	return pending || starting
}

// RemovePending removes a queued job by id. Order of the others is kept.
func (r *Registry) RemovePending(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removePendingLocked(id)
}

func (r *Registry) removePendingLocked(id uuid.UUID) bool {
	el, ok := r.index[id]
	if !ok {
		return false
	}
	r.pending.Remove(el)
	delete(r.index, id)
	return true
}

// Pending returns a snapshot of the pending FIFO, head first.
func (r *Registry) Pending() []store.QueueEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.QueueEntry, 0, r.pending.Len())
	for el := r.pending.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(store.QueueEntry))
	}
	return out
}

// PendingLen returns the number of queued jobs.
func (r *Registry) PendingLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.Len()
}

// LaunchFunc starts the popped job. A nil entry means nothing was launched.
type LaunchFunc func(e store.QueueEntry) (*Entry, error)

// Launch pops the head of the pending FIFO and calls fn without the lock
// held. Until fn returns the job is launching: Push, Cancel and queries do
// not wait for it. A non-nil entry returned by fn is recorded as running,
// unless Cancel claimed the job meanwhile; Launch then hands the unrecorded
// entry back with ErrCancelled and the caller must stop it. ok is false when
// nothing was pending.
func (r *Registry) Launch(fn LaunchFunc) (popped store.QueueEntry, entry *Entry, ok bool, err error) {
	r.mu.Lock()
	el := r.pending.Front()
	if el == nil {
		r.mu.Unlock()
		return store.QueueEntry{}, nil, false, nil
	}
	popped = el.Value.(store.QueueEntry)
	r.pending.Remove(el)
	delete(r.index, popped.ID)
	slot := &launching{owner: popped.Owner}
	r.launching[popped.ID] = slot
	r.mu.Unlock()

	entry, err = fn(popped)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.launching, popped.ID)
	if entry == nil {
		return popped, nil, true, err
	}
	if slot.cancelled {
		return popped, entry, true, errors.Join(ErrCancelled, err)
	}
	r.addLocked(entry)
	return popped, entry, true, err
}

// Add records a running entry.
func (r *Registry) Add(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(e)
}

func (r *Registry) addLocked(e *Entry) {
	owned, ok := r.running[e.Owner]
	if !ok {
		owned = make(map[uuid.UUID]*Entry)
		r.running[e.Owner] = owned
	}
	owned[e.JobID] = e
}

// Take removes and returns a running entry.
func (r *Registry) Take(owner string, id uuid.UUID) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.takeLocked(owner, id)
}

func (r *Registry) takeLocked(owner string, id uuid.UUID) (*Entry, bool) {
	owned, ok := r.running[owner]
	if !ok {
		return nil, false
	}
	e, ok := owned[id]
	if !ok {
		return nil, false
	}
	delete(owned, id)
	if len(owned) == 0 {
		delete(r.running, owner)
	}
	return e, true
}

// Cancellation describes where Cancel found a job.
type Cancellation struct {
	// Pending is set when the job was removed from the FIFO.
	Pending bool
	// Launching is set when the job's process was still starting. The
	// launcher stops it once the start returns.
	Launching bool
	// Running is the claimed entry; the caller stops its handle.
	Running *Entry
}

// Cancel removes a job from whichever structure holds it. It never waits for
// a launch in progress.
func (r *Registry) Cancel(owner string, id uuid.UUID) Cancellation {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.index[id]; ok && el.Value.(store.QueueEntry).Owner == owner {
		r.removePendingLocked(id)
		return Cancellation{Pending: true}
	}
	if slot, ok := r.launching[id]; ok && slot.owner == owner {
		slot.cancelled = true
		return Cancellation{Launching: true}
	}
	if e, ok := r.takeLocked(owner, id); ok {
		return Cancellation{Running: e}
	}
	return Cancellation{}
}

// Running returns the owner's running entries, ordered by job id.
func (r *Registry) Running(owner string) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedEntries(r.running[owner])
}

// Owners returns every owner with at least one running entry.
func (r *Registry) Owners() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	owners := make([]string, 0, len(r.running))
	for o := range r.running {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners
}

// RunningCount returns the number of entries across all owners.
func (r *Registry) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, owned := range r.running {
		n += len(owned)
	}
	return n
}

// AliveCount returns the number of entries whose process is still running.
func (r *Registry) AliveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, owned := range r.running {
		for _, e := range owned {
			if e.Handle != nil && e.Handle.Alive() {
				n++
			}
		}
	}
	return n
}

func sortedEntries(m map[uuid.UUID]*Entry) []*Entry {
	out := make([]*Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].JobID.String() < out[j].JobID.String()
	})
	return out
}
