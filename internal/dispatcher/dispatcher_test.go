package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"runplane/internal/notify"
	"runplane/internal/registry"
	"runplane/internal/runner"
	"runplane/internal/runner/runnertest"
	"runplane/internal/store"
	"runplane/internal/store/sqlite"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(ctx context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) kinds(id uuid.UUID) []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, ev := range r.events {
		if ev.JobID == id {
			out = append(out, ev.Kind)
		}
	}
	return out
}

// flakyStore fails the RUNNING transition while failRunning is set.
type flakyStore struct {
	*sqlite.Store
	failRunning atomic.Bool
}

func (f *flakyStore) UpdateStatus(ctx context.Context, tx store.DBTransaction, id uuid.UUID, status store.JobStatus) error {
	if status == store.JobStatusRunning && f.failRunning.Load() {
		return errors.New("disk I/O error")
	}
	return f.Store.UpdateStatus(ctx, tx, id, status)
}

type fixture struct {
	store    *flakyStore
	reg      *registry.Registry
	fs       afero.Fs
	runtime  *runnertest.Runtime
	executor *runner.Executor
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "runplane.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, sqlite.Migrate(s.DB()))

	fsys := afero.NewMemMapFs()
	rt := &runnertest.Runtime{Started: make(chan *runnertest.Handle, 64)}
	exec, err := runner.NewExecutor(fsys, rt, runner.Config{
		InputRoot:      "/data/input",
		OutputRoot:     "/data/output",
		CompileCommand: "engine compile {{quote .InputDir}}",
		RunCommand:     "engine run {{quote .OutputDir}}",
		Flavor:         runner.FlavorShell,
	})
	require.NoError(t, err)

	return &fixture{
		store:    &flakyStore{Store: s},
		reg:      registry.New(),
		fs:       fsys,
		runtime:  rt,
		executor: exec,
		notifier: &recordingNotifier{},
	}
}

func (f *fixture) dispatcher() *Dispatcher {
	return New(f.store, f.reg, f.executor, f.notifier, nil, Config{
		PollInterval: 10 * time.Millisecond,
		MaxBackoff:   50 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))
}

// start runs d until the test ends and returns a func that stops it and
// reports Run's error.
func start(t *testing.T, d *Dispatcher) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			runErr = <-errCh
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

// submit stores a QUEUED job with its queue entry and pushes it.
func (f *fixture) submit(t *testing.T, owner, name string, trace map[string]string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	params := runner.Params{
		Name:      name,
		Scenarios: []string{"base"},
		OutputDir: f.executor.OutputDir(owner, id),
		Trace:     trace,
	}
	payload, err := params.Encode()
	require.NoError(t, err)

	job := &store.Job{
		ID:          id,
		Owner:       owner,
		DisplayName: owner + "_" + name,
		CreatedAt:   time.Now(),
		Status:      store.JobStatusQueued,
		Description: "Scenarios: base",
		OutputDir:   params.OutputDir,
	}
	entry := &store.QueueEntry{ID: id, Owner: owner, Payload: payload}
	require.NoError(t, store.WithTx(ctx, f.store, func(tx store.DBTransaction) error {
		if err := f.store.CreateJob(ctx, tx, job); err != nil {
			return err
		}
		return f.store.Enqueue(ctx, tx, entry)
	}))
	f.reg.Push(*entry)
	return id
}

func (f *fixture) status(t *testing.T, id uuid.UUID) store.JobStatus {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

func (f *fixture) queued(t *testing.T) []uuid.UUID {
	t.Helper()
	entries, err := f.store.LoadQueue(context.Background())
	require.NoError(t, err)
	var ids []uuid.UUID
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

func (f *fixture) nextHandle(t *testing.T) *runnertest.Handle {
	t.Helper()
	select {
	case h := <-f.runtime.Started:
		return h
	case <-time.After(waitFor):
		t.Fatal("no process started")
		return nil
	}
}

func TestDispatcher_RunsOneJobAtATime(t *testing.T) {
	f := newFixture(t)
	a := f.submit(t, "u1", "a", nil)
	b := f.submit(t, "u2", "b", nil)
	start(t, f.dispatcher())

	h1 := f.nextHandle(t)
	require.Eventually(t, func() bool { return f.reg.RunningCount() == 1 }, waitFor, tick)
	assert.Equal(t, store.JobStatusRunning, f.status(t, a))
	assert.Equal(t, []uuid.UUID{b}, f.queued(t))

	assert.Never(t, func() bool {
		return f.status(t, b) != store.JobStatusQueued || f.reg.AliveCount() > 1
	}, 200*time.Millisecond, tick)

	h1.Exit(0)
	h2 := f.nextHandle(t)
	assert.False(t, h1.Alive())
	require.Eventually(t, func() bool { return f.status(t, b) == store.JobStatusRunning }, waitFor, tick)
	assert.Empty(t, f.queued(t))
	assert.LessOrEqual(t, f.reg.AliveCount(), 1)

	h2.Exit(0)
	require.Eventually(t, func() bool {
		return len(f.notifier.kinds(b)) == 2
	}, waitFor, tick)
	assert.Equal(t, []notify.Kind{notify.KindStarted, notify.KindCompleted}, f.notifier.kinds(a))
	assert.Equal(t, []notify.Kind{notify.KindStarted, notify.KindCompleted}, f.notifier.kinds(b))

	// Terminal status is left to the reconciler.
	assert.Equal(t, store.JobStatusRunning, f.status(t, a))
	assert.Equal(t, 2, f.reg.RunningCount())
}

func TestDispatcher_LaunchUsesJobLayout(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "u1", "a", nil)
	start(t, f.dispatcher())

	f.nextHandle(t)
	opts := f.runtime.Options()
	require.Len(t, opts, 1)
	assert.Equal(t, id.String(), opts[0].ID)
	assert.Equal(t, "u1_a", opts[0].Env["RUNPLANE_JOB_NAME"])
	assert.Equal(t, f.executor.OutputDir("u1", id), opts[0].WorkDir)

	require.Eventually(t, func() bool { return len(f.reg.Running("u1")) == 1 }, waitFor, tick)
	e := f.reg.Running("u1")[0]
	assert.Equal(t, id, e.JobID)
	assert.Equal(t, "u1_a", e.DisplayName)
	assert.Equal(t, []string{"base"}, e.Params.Scenarios)
}

func TestDispatcher_StartFailureMarksError(t *testing.T) {
	f := newFixture(t)
	f.runtime.SetStartErr(errors.New("exec format error"))
	a := f.submit(t, "u1", "a", nil)
	b := f.submit(t, "u1", "b", nil)
	start(t, f.dispatcher())

	require.Eventually(t, func() bool {
		return f.status(t, a) == store.JobStatusError && f.status(t, b) == store.JobStatusError
	}, waitFor, tick)
	assert.Empty(t, f.queued(t))
	assert.Zero(t, f.reg.PendingLen())
	assert.Zero(t, f.reg.RunningCount())
	assert.Empty(t, f.notifier.kinds(a))
}

func TestDispatcher_InvalidPayloadMarksError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()
	job := &store.Job{ID: id, Owner: "u1", DisplayName: "u1_bad", CreatedAt: time.Now(), Status: store.JobStatusQueued}
	entry := &store.QueueEntry{ID: id, Owner: "u1", Payload: json.RawMessage(`{"name":"bad"}`)}
	require.NoError(t, store.WithTx(ctx, f.store, func(tx store.DBTransaction) error {
		if err := f.store.CreateJob(ctx, tx, job); err != nil {
			return err
		}
		return f.store.Enqueue(ctx, tx, entry)
	}))
	f.reg.Push(*entry)

	start(t, f.dispatcher())

	require.Eventually(t, func() bool { return f.status(t, id) == store.JobStatusError }, waitFor, tick)
	assert.Empty(t, f.queued(t))
	assert.Empty(t, f.runtime.Handles())
}

func TestDispatcher_RunningWriteFailureRequeues(t *testing.T) {
	f := newFixture(t)
	f.store.failRunning.Store(true)
	a := f.submit(t, "u1", "a", nil)
	start(t, f.dispatcher())

	first := f.nextHandle(t)
	require.Eventually(t, first.StoppedByUser, waitFor, tick)
	require.Eventually(t, func() bool { return f.reg.PendingLen() == 1 }, waitFor, tick)
	assert.Equal(t, store.JobStatusQueued, f.status(t, a))
	assert.Equal(t, []uuid.UUID{a}, f.queued(t))
	assert.Zero(t, f.reg.RunningCount())

	f.store.failRunning.Store(false)
	require.Eventually(t, func() bool { return f.status(t, a) == store.JobStatusRunning }, waitFor, tick)
	assert.Empty(t, f.queued(t))

	handles := f.runtime.Handles()
	last := handles[len(handles)-1]
	assert.True(t, last.Alive())
	for _, h := range handles[:len(handles)-1] {
		assert.True(t, h.StoppedByUser())
	}
}

func TestDispatcher_DropsEntryOfDeletedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submit(t, "u1", "gone", nil)
	require.NoError(t, f.store.DeleteJob(ctx, nil, id))

	start(t, f.dispatcher())

	require.Eventually(t, func() bool { return f.reg.PendingLen() == 0 }, waitFor, tick)
	assert.Never(t, func() bool { return len(f.runtime.Handles()) > 0 }, 100*time.Millisecond, tick)
	assert.Empty(t, f.queued(t))
}

func TestDispatcher_WakesOnPush(t *testing.T) {
	f := newFixture(t)
	d := New(f.store, f.reg, f.executor, f.notifier, nil, Config{
		PollInterval: time.Hour,
		MaxBackoff:   time.Hour,
	}, slog.New(slog.DiscardHandler))
	start(t, d)

	// Let the initial poll find the queue empty.
	time.Sleep(50 * time.Millisecond)

	f.submit(t, "u1", "a", nil)
	f.nextHandle(t)
}

func TestDispatcher_ShutdownLeavesProcessRunning(t *testing.T) {
	f := newFixture(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	a := f.submit(t, "u1", "a", nil)
	d := f.dispatcher()
	stop := start(t, d)

	h := f.nextHandle(t)
	require.Eventually(t, func() bool { return f.reg.RunningCount() == 1 }, waitFor, tick)

	err := stop()
	assert.ErrorIs(t, err, context.Canceled)

	select {
	case <-d.Done():
	case <-time.After(waitFor):
		t.Fatal("dispatcher did not stop")
	}

	assert.True(t, h.Alive())
	assert.False(t, h.StoppedByUser())
	assert.Equal(t, store.JobStatusRunning, f.status(t, a))
	assert.Equal(t, []notify.Kind{notify.KindStarted}, f.notifier.kinds(a))
}

func TestDispatcher_PropagatesSubmissionTrace(t *testing.T) {
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	spans := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)))
	otel.SetTextMapPropagator(propagation.TraceContext{})

	f := newFixture(t)
	f.submit(t, "u1", "a", map[string]string{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	})
	start(t, f.dispatcher())

	f.nextHandle(t).Exit(0)

	require.Eventually(t, func() bool { return len(spans.Ended()) == 1 }, waitFor, tick)
	span := spans.Ended()[0]
	assert.Equal(t, "dispatch_job", span.Name())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", span.Parent().TraceID().String())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", span.SpanContext().TraceID().String())
}

// gatedLauncher blocks every launch until release is closed, like a runtime
// pulling an image.
type gatedLauncher struct {
	*runner.Executor
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedLauncher(t *testing.T, e *runner.Executor) *gatedLauncher {
	t.Helper()
	return &gatedLauncher{Executor: e, entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gatedLauncher) Launch(ctx context.Context, id uuid.UUID, displayName string, p runner.Params) (runner.Handle, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Executor.Launch(ctx, id, displayName, p)
}

func (g *gatedLauncher) open() { g.once.Do(func() { close(g.release) }) }

func (g *gatedLauncher) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(waitFor):
		t.Fatal("launch never began")
	}
}

func (f *fixture) gatedDispatcher(t *testing.T) (*Dispatcher, *gatedLauncher) {
	g := newGatedLauncher(t, f.executor)
	d := New(f.store, f.reg, g, f.notifier, nil, Config{
		PollInterval: 10 * time.Millisecond,
		MaxBackoff:   50 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))
	return d, g
}

func TestDispatcher_SlowLaunchDoesNotBlockSubmissions(t *testing.T) {
	f := newFixture(t)
	a := f.submit(t, "u1", "a", nil)
	d, g := f.gatedDispatcher(t)
	start(t, d)
	t.Cleanup(g.open)
	g.waitEntered(t)

	submitted := make(chan uuid.UUID, 1)
	go func() { submitted <- f.submit(t, "u2", "b", nil) }()

	var b uuid.UUID
	select {
	case b = <-submitted:
	case <-time.After(time.Second):
		t.Fatal("submission blocked behind a launch in progress")
	}
	assert.Equal(t, 1, f.reg.PendingLen())
	assert.Equal(t, registry.Cancellation{}, f.reg.Cancel("u2", a))

	g.open()
	f.nextHandle(t)
	require.Eventually(t, func() bool { return f.status(t, a) == store.JobStatusRunning }, waitFor, tick)
	assert.Equal(t, store.JobStatusQueued, f.status(t, b))
}

func TestDispatcher_CancelledWhileLaunching(t *testing.T) {
	t.Run("row deleted first", func(t *testing.T) {
		f := newFixture(t)
		a := f.submit(t, "u1", "a", nil)
		d, g := f.gatedDispatcher(t)
		start(t, d)
		t.Cleanup(g.open)
		g.waitEntered(t)

		ctx := context.Background()
		require.NoError(t, store.WithTx(ctx, f.store, func(tx store.DBTransaction) error {
			if err := f.store.RemoveEntry(ctx, tx, a); err != nil {
				return err
			}
			return f.store.DeleteJob(ctx, tx, a)
		}))
		assert.True(t, f.reg.Cancel("u1", a).Launching)

		g.open()
		h := f.nextHandle(t)
		require.Eventually(t, func() bool { return !h.Alive() }, waitFor, tick)
		assert.True(t, h.StoppedByUser())
		assert.Zero(t, f.reg.RunningCount())
		require.Eventually(t, func() bool {
			ok, _ := afero.DirExists(f.fs, f.executor.OutputDir("u1", a))
			return !ok
		}, waitFor, tick)
	})

	t.Run("claimed in the registry only", func(t *testing.T) {
		f := newFixture(t)
		a := f.submit(t, "u1", "a", nil)
		d, g := f.gatedDispatcher(t)
		start(t, d)
		t.Cleanup(g.open)
		g.waitEntered(t)

		assert.True(t, f.reg.Cancel("u1", a).Launching)

		g.open()
		h := f.nextHandle(t)
		require.Eventually(t, func() bool { return !h.Alive() }, waitFor, tick)
		assert.True(t, h.StoppedByUser())
		assert.Zero(t, f.reg.RunningCount())
		require.Eventually(t, func() bool {
			ok, _ := afero.DirExists(f.fs, f.executor.OutputDir("u1", a))
			return !ok
		}, waitFor, tick)
		assert.Empty(t, f.notifier.kinds(a))
	})
}
