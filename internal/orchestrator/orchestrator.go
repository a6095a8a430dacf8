// Package orchestrator implements the Download Orchestrator (SPEC_FULL.md
// §4.3): the component every tool-facade call ultimately drives. It owns
// one in-memory runningTask per active task, coordinates the Segmentation
// Planner, Segment Worker pool, Progress Monitor, Resume Store and Task
// Registry, and enforces the task state machine (§4.6). Grounded on the
// teacher's ConcurrentDownloader (internal/engine/concurrent/downloader.go),
// generalized from "one process, one download" to many independently
// controllable tasks sharing a bounded pool.
package orchestrator

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dlforge/dlforge/internal/coretypes"
	"github.com/dlforge/dlforge/internal/progress"
	"github.com/dlforge/dlforge/internal/registry"
	"github.com/dlforge/dlforge/internal/resume"
	"github.com/dlforge/dlforge/internal/session"
	"github.com/dlforge/dlforge/internal/telemetry"
	"github.com/dlforge/dlforge/internal/worker"
)

// taskIntent disambiguates why a runningTask's context was cancelled: the
// worker pool itself only ever observes ctx.Err() != nil, which can't tell
// "the caller paused this" from "the caller cancelled this" apart.
type taskIntent int

const (
	intentNone taskIntent = iota
	intentPause
	intentCancel
)

// runningTask is the in-memory state for one task currently scheduled by
// the orchestrator; it exists only while the task is Pending..Downloading
// and is discarded once runTask reaches a terminal state.
type runningTask struct {
	id     coretypes.TaskId
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	intent   taskIntent
	segments []coretypes.Segment
	progress *progress.Aggregator
}

func (rt *runningTask) setIntent(i taskIntent) {
	rt.mu.Lock()
	rt.intent = i
	rt.mu.Unlock()
}

func (rt *runningTask) getIntent() taskIntent {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.intent
}

func (rt *runningTask) snapshotSegments() []coretypes.Segment {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]coretypes.Segment(nil), rt.segments...)
}

// Orchestrator is the top-level coordinator the Tool Facade drives. One
// Orchestrator serves every task in the process, bounding concurrency at
// runtime.GetMaxConcurrentTasks() the way the teacher bounds its single
// download's worker count.
type Orchestrator struct {
	registry *registry.Registry
	resume   *resume.Store
	sessions *session.Manager
	runtime  *coretypes.RuntimeConfig
	bus      *telemetry.Bus

	mu     sync.Mutex
	active map[coretypes.TaskId]*runningTask
}

// New wires an Orchestrator from its already-constructed dependencies.
func New(reg *registry.Registry, resumeStore *resume.Store, sessions *session.Manager, runtime *coretypes.RuntimeConfig, bus *telemetry.Bus) *Orchestrator {
	return &Orchestrator{
		registry: reg,
		resume:   resumeStore,
		sessions: sessions,
		runtime:  runtime,
		bus:      bus,
		active:   make(map[coretypes.TaskId]*runningTask),
	}
}

// Create validates cfg, assigns a task id, persists an initial Pending
// record, and — per spec.md §4.3 — immediately schedules a start only for
// work_mode Blocking or NonBlocking; Persistent and Temporary tasks stay
// Pending until an explicit Start call.
func (o *Orchestrator) Create(ctx context.Context, id coretypes.TaskId, cfg coretypes.DownloadConfig) (*coretypes.TaskRecord, *coretypes.Error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err.(*coretypes.Error)
	}

	now := time.Now().UTC()
	rec := &coretypes.TaskRecord{
		ID:        id,
		Config:    cfg,
		Status:    coretypes.Pending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.registry.Put(ctx, rec); err != nil {
		return nil, asError(err)
	}

	switch cfg.WorkMode {
	case coretypes.Blocking:
		if err := o.runSync(ctx, rec); err != nil {
			return nil, err
		}
	case coretypes.NonBlocking:
		if _, err := o.Start(ctx, id); err != nil {
			return nil, err
		}
	}

	return o.Get(ctx, id)
}

// Start transitions a Pending or Paused task to Downloading and launches
// its runTask goroutine, enforcing the max_concurrent_tasks bound (§5)
// in-process since that bound is explicitly per-process, not durable.
func (o *Orchestrator) Start(ctx context.Context, id coretypes.TaskId) (*coretypes.TaskRecord, *coretypes.Error) {
	rec, err := o.registry.Get(ctx, id)
	if err != nil {
		return nil, asError(err)
	}
	if rec.Status != coretypes.Pending && rec.Status != coretypes.Paused {
		return nil, coretypes.NewInvalidStateError(id, rec.Status, "start")
	}

	o.mu.Lock()
	if _, already := o.active[id]; already {
		o.mu.Unlock()
		return nil, coretypes.NewInvalidStateError(id, rec.Status, "start")
	}
	if len(o.active) >= o.runtime.GetMaxConcurrentTasks() {
		o.mu.Unlock()
		return nil, coretypes.NewQueueFullError(id)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{id: id, cancel: cancel, done: make(chan struct{})}
	o.active[id] = rt
	o.mu.Unlock()

	rec.Status = coretypes.Downloading
	startedAt := time.Now().UTC()
	rec.StartedAt = &startedAt
	rec.UpdatedAt = startedAt
	if err := o.registry.Put(ctx, rec); err != nil {
		o.removeActive(id)
		return nil, asError(err)
	}

	go o.runTask(runCtx, rt, rec)

	return rec, nil
}

// runSync runs a Blocking task's entire lifecycle inline on the caller's
// goroutine, reusing the same runTask machinery as NonBlocking tasks.
func (o *Orchestrator) runSync(ctx context.Context, rec *coretypes.TaskRecord) *coretypes.Error {
	o.mu.Lock()
	if len(o.active) >= o.runtime.GetMaxConcurrentTasks() {
		o.mu.Unlock()
		return coretypes.NewQueueFullError(rec.ID)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{id: rec.ID, cancel: cancel, done: make(chan struct{})}
	o.active[rec.ID] = rt
	o.mu.Unlock()

	rec.Status = coretypes.Downloading
	startedAt := time.Now().UTC()
	rec.StartedAt = &startedAt
	rec.UpdatedAt = startedAt
	if err := o.registry.Put(ctx, rec); err != nil {
		o.removeActive(rec.ID)
		return asError(err)
	}

	o.runTask(runCtx, rt, rec)
	return nil
}

// Pause cancels a Downloading task's context with pause intent, which
// run.go's finalization path reads to persist Paused instead of Failed.
func (o *Orchestrator) Pause(ctx context.Context, id coretypes.TaskId) (*coretypes.TaskRecord, *coretypes.Error) {
	rt := o.lookupActive(id)
	if rt == nil {
		rec, err := o.registry.Get(ctx, id)
		if err != nil {
			return nil, asError(err)
		}
		return nil, coretypes.NewInvalidStateError(id, rec.Status, "pause")
	}
	rt.setIntent(intentPause)
	rt.cancel()
	<-rt.done
	return o.Get(ctx, id)
}

// Cancel stops a Pending, Downloading or Paused task permanently.
func (o *Orchestrator) Cancel(ctx context.Context, id coretypes.TaskId) (*coretypes.TaskRecord, *coretypes.Error) {
	if rt := o.lookupActive(id); rt != nil {
		rt.setIntent(intentCancel)
		rt.cancel()
		<-rt.done
		return o.Get(ctx, id)
	}

	rec, err := o.registry.Get(ctx, id)
	if err != nil {
		return nil, asError(err)
	}
	if rec.Status.IsTerminal() {
		return nil, coretypes.NewInvalidStateError(id, rec.Status, "cancel")
	}
	rec.Status = coretypes.Cancelled
	completedAt := time.Now().UTC()
	rec.CompletedAt = &completedAt
	rec.UpdatedAt = completedAt
	if err := o.registry.Put(ctx, rec); err != nil {
		return nil, asError(err)
	}
	if rec.Config.WorkMode == coretypes.Temporary {
		applyTemporaryCleanup(ctx, o, rec)
	}
	return rec, nil
}

// Get returns the current persisted record, overlaying live progress and
// segment state for a task that's still actively downloading, since the
// registry's copy is only written when the run starts and when it
// finishes (the throttled mid-run saves go to the Resume Store).
func (o *Orchestrator) Get(ctx context.Context, id coretypes.TaskId) (*coretypes.TaskRecord, *coretypes.Error) {
	rec, err := o.registry.Get(ctx, id)
	if err != nil {
		return nil, asError(err)
	}
	if rt := o.lookupActive(id); rt != nil && rt.progress != nil {
		rec.Progress = rt.progress.Snapshot(rt.snapshotSegments())
	}
	return rec, nil
}

// List enumerates tasks, optionally filtered by status.
func (o *Orchestrator) List(ctx context.Context, filter coretypes.ListFilter) ([]*coretypes.TaskRecord, *coretypes.Error) {
	recs, err := o.registry.List(ctx, filter)
	if err != nil {
		return nil, asError(err)
	}
	for _, rec := range recs {
		if rt := o.lookupActive(rec.ID); rt != nil && rt.progress != nil {
			rec.Progress = rt.progress.Snapshot(rt.snapshotSegments())
		}
	}
	return recs, nil
}

// Stats exposes the registry's aggregate counters for the Tool Facade.
func (o *Orchestrator) Stats(ctx context.Context) (*registry.Stats, *coretypes.Error) {
	st, err := o.registry.Stats(ctx)
	if err != nil {
		return nil, asError(err)
	}
	return st, nil
}

func (o *Orchestrator) lookupActive(id coretypes.TaskId) *runningTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[id]
}

func (o *Orchestrator) removeActive(id coretypes.TaskId) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

// newClient builds a per-task *http.Client by delegating to
// worker.NewHTTPClient, so every task (segmented or single-connection)
// shares the same transport tuning and SOCKS5 proxy support instead of
// the orchestrator duplicating its own stdlib-only construction.
func newClient(runtime *coretypes.RuntimeConfig, jar http.CookieJar) (*http.Client, *coretypes.Error) {
	client, err := worker.NewHTTPClient(runtime, jar)
	if err != nil {
		return nil, asError(err)
	}
	return client, nil
}

func asError(err error) *coretypes.Error {
	if e, ok := err.(*coretypes.Error); ok {
		return e
	}
	return coretypes.NewInternalError("unexpected error", err)
}
