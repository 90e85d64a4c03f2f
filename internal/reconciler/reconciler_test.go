package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"runplane/internal/registry"
	"runplane/internal/runner"
	"runplane/internal/runner/runnertest"
	"runplane/internal/store"
	"runplane/internal/store/sqlite"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	mu        sync.Mutex
	artifacts map[string]bool
	markers   map[string]bool
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{artifacts: map[string]bool{}, markers: map[string]bool{}}
}

func (p *fakeProbe) ArtifactsPresent(params runner.Params) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.artifacts[params.OutputDir], nil
}

func (p *fakeProbe) HasErrorMarker(displayName string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.markers[displayName], nil
}

func (p *fakeProbe) setArtifacts(outputDir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.artifacts[outputDir] = true
}

func (p *fakeProbe) setMarker(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markers[name] = true
}

type fixture struct {
	store *sqlite.Store
	reg   *registry.Registry
	probe *fakeProbe
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "runplane.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, sqlite.Migrate(s.DB()))

	return &fixture{store: s, reg: registry.New(), probe: newFakeProbe()}
}

func (f *fixture) reconciler(policy ExitCodePolicy) *Reconciler {
	return New(f.store, f.reg, f.probe, Config{ExitCodePolicy: policy}, nil, slog.New(slog.DiscardHandler))
}

// launch records a RUNNING job with a live fake process.
func (f *fixture) launch(t *testing.T, owner string) (*registry.Entry, *runnertest.Handle) {
	t.Helper()
	id := uuid.New()
	job := &store.Job{
		ID:          id,
		Owner:       owner,
		DisplayName: owner + "_run",
		CreatedAt:   time.Now(),
		Status:      store.JobStatusRunning,
		OutputDir:   "/out/" + owner + "/" + id.String(),
	}
	require.NoError(t, f.store.CreateJob(context.Background(), nil, job))

	h := runnertest.NewHandle(id.String())
	e := &registry.Entry{
		JobID:       id,
		Owner:       owner,
		DisplayName: job.DisplayName,
		Params:      runner.Params{Scenarios: []string{"base"}, OutputDir: job.OutputDir},
		Handle:      h,
	}
	f.reg.Add(e)
	return e, h
}

func (f *fixture) status(t *testing.T, id uuid.UUID) store.JobStatus {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

func TestReconcileOwner_DeadProcess(t *testing.T) {
	tests := []struct {
		name      string
		artifacts bool
		want      store.JobStatus
	}{
		{name: "artifact present", artifacts: true, want: store.JobStatusCompleted},
		{name: "artifact absent", artifacts: false, want: store.JobStatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			r := f.reconciler(ExitCodeIgnore)
			ctx := context.Background()

			e, h := f.launch(t, "u1")
			if tt.artifacts {
				f.probe.setArtifacts(e.Params.OutputDir)
			}
			h.Exit(0)

			require.NoError(t, r.ReconcileOwner(ctx, "u1"))
			assert.Equal(t, tt.want, f.status(t, e.JobID))
			assert.Zero(t, f.reg.RunningCount())

			// Idempotent.
			require.NoError(t, r.ReconcileOwner(ctx, "u1"))
			assert.Equal(t, tt.want, f.status(t, e.JobID))
		})
	}
}

func TestReconcileOwner_AliveStaysRunning(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(ExitCodeIgnore)

	e, _ := f.launch(t, "u1")
	f.probe.setArtifacts(e.Params.OutputDir)

	require.NoError(t, r.ReconcileOwner(context.Background(), "u1"))
	assert.Equal(t, store.JobStatusRunning, f.status(t, e.JobID))
	assert.Equal(t, 1, f.reg.RunningCount())
}

func TestReconcileOwner_ErrorMarkerIsSticky(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(ExitCodeIgnore)
	ctx := context.Background()

	e, h := f.launch(t, "u1")
	f.probe.setMarker(e.DisplayName)

	require.NoError(t, r.ReconcileOwner(ctx, "u1"))
	assert.Equal(t, store.JobStatusError, f.status(t, e.JobID))
	assert.True(t, h.Alive(), "a marker must not kill the process")
	assert.True(t, e.ErrorMarked())
	assert.Equal(t, 1, f.reg.RunningCount())

	// The engine later finishes and even writes its artifact.
	f.probe.setArtifacts(e.Params.OutputDir)
	h.Exit(0)

	require.NoError(t, r.ReconcileOwner(ctx, "u1"))
	assert.Equal(t, store.JobStatusError, f.status(t, e.JobID))
	assert.Zero(t, f.reg.RunningCount())
}

func TestReconcileOwner_StoppedByUserNeverCompletes(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(ExitCodeIgnore)

	e, h := f.launch(t, "u1")
	f.probe.setArtifacts(e.Params.OutputDir)
	require.NoError(t, h.Stop(context.Background()))

	require.NoError(t, r.ReconcileOwner(context.Background(), "u1"))
	assert.Equal(t, store.JobStatusError, f.status(t, e.JobID))
}

func TestReconcileOwner_ExitCodePolicy(t *testing.T) {
	tests := []struct {
		policy ExitCodePolicy
		want   store.JobStatus
	}{
		{ExitCodeIgnore, store.JobStatusCompleted},
		{ExitCodeCorroborate, store.JobStatusError},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := newFixture(t)
			r := f.reconciler(tt.policy)

			e, h := f.launch(t, "u1")
			f.probe.setArtifacts(e.Params.OutputDir)
			h.Exit(2)

			require.NoError(t, r.ReconcileOwner(context.Background(), "u1"))
			assert.Equal(t, tt.want, f.status(t, e.JobID))
		})
	}
}

func TestReconcileOwner_CorroborateZeroExitCompletes(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(ExitCodeCorroborate)

	e, h := f.launch(t, "u1")
	f.probe.setArtifacts(e.Params.OutputDir)
	h.Exit(0)

	require.NoError(t, r.ReconcileOwner(context.Background(), "u1"))
	assert.Equal(t, store.JobStatusCompleted, f.status(t, e.JobID))
}

func TestReconcileOwner_ScopedToOwner(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(ExitCodeIgnore)
	ctx := context.Background()

	mine, h1 := f.launch(t, "u1")
	theirs, h2 := f.launch(t, "u2")
	h1.Exit(0)
	h2.Exit(0)

	require.NoError(t, r.ReconcileOwner(ctx, "u1"))
	assert.Equal(t, store.JobStatusError, f.status(t, mine.JobID))
	assert.Equal(t, store.JobStatusRunning, f.status(t, theirs.JobID))

	require.NoError(t, r.ReconcileAll(ctx))
	assert.Equal(t, store.JobStatusError, f.status(t, theirs.JobID))
	assert.Zero(t, f.reg.RunningCount())
}

func TestReconcileOwner_DeletedJobIsDropped(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(ExitCodeIgnore)
	ctx := context.Background()

	e, h := f.launch(t, "u1")
	require.NoError(t, f.store.DeleteJob(ctx, nil, e.JobID))
	h.Exit(0)

	require.NoError(t, r.ReconcileOwner(ctx, "u1"))
	assert.Zero(t, f.reg.RunningCount())
}

type failingStore struct {
	*sqlite.Store
}

func (s failingStore) UpdateStatus(ctx context.Context, tx store.DBTransaction, id uuid.UUID, status store.JobStatus) error {
	return errors.New("disk I/O error")
}

func TestReconcileOwner_StoreFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	r := New(failingStore{f.store}, f.reg, f.probe, Config{}, nil, slog.New(slog.DiscardHandler))

	e, h := f.launch(t, "u1")
	f.probe.setArtifacts(e.Params.OutputDir)
	h.Exit(0)

	assert.Error(t, r.ReconcileOwner(context.Background(), "u1"))
	assert.Equal(t, store.JobStatusRunning, f.status(t, e.JobID))
	assert.Equal(t, 1, f.reg.RunningCount(), "entry must stay for the next attempt")

	// A healthy store then completes it.
	require.NoError(t, f.reconciler(ExitCodeIgnore).ReconcileOwner(context.Background(), "u1"))
	assert.Equal(t, store.JobStatusCompleted, f.status(t, e.JobID))
}

// countingStore counts terminal status writes and holds each one open until
// release is closed.
type countingStore struct {
	*sqlite.Store
	terminal atomic.Int32
	release  chan struct{}
}

func (s *countingStore) UpdateStatus(ctx context.Context, tx store.DBTransaction, id uuid.UUID, status store.JobStatus) error {
	if status.Terminal() {
		s.terminal.Add(1)
		<-s.release
	}
	return s.Store.UpdateStatus(ctx, tx, id, status)
}

func TestReconcileOwner_ConcurrentPassesSettleOnce(t *testing.T) {
	f := newFixture(t)
	cs := &countingStore{Store: f.store, release: make(chan struct{})}
	r := New(cs, f.reg, f.probe, Config{}, nil, slog.New(slog.DiscardHandler))

	e, h := f.launch(t, "u1")
	f.probe.setArtifacts(e.Params.OutputDir)
	h.Exit(0)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.ReconcileOwner(context.Background(), "u1")
		}()
	}
	require.Eventually(t, func() bool { return cs.terminal.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
	close(cs.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), cs.terminal.Load())
	assert.Equal(t, store.JobStatusCompleted, f.status(t, e.JobID))
	assert.Zero(t, f.reg.RunningCount())
}
