package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/dlforge/dlforge/internal/coretypes"
	"github.com/dlforge/dlforge/internal/integrity"
	"github.com/dlforge/dlforge/internal/planner"
	"github.com/dlforge/dlforge/internal/progress"
	"github.com/dlforge/dlforge/internal/resume"
	"github.com/dlforge/dlforge/internal/single"
	"github.com/dlforge/dlforge/internal/telemetry"
	"github.com/dlforge/dlforge/internal/worker"
)

// runTask implements the start algorithm of spec.md §4.3 end to end: probe,
// plan, run the segmented or single-connection transfer, merge, verify and
// finalize. It owns rt for its entire lifetime and always closes rt.done
// before returning, whatever the outcome.
func (o *Orchestrator) runTask(ctx context.Context, rt *runningTask, rec *coretypes.TaskRecord) {
	defer func() {
		o.removeActive(rt.id)
		close(rt.done)
	}()

	cfg := rec.Config

	st, serr := o.sessions.Get(cfg.SessionID)
	if serr != nil {
		o.failTask(ctx, rec, asError(serr))
		return
	}
	client, cerr := newClient(o.runtime, st.Jar)
	if cerr != nil {
		o.failTask(ctx, rec, cerr)
		return
	}

	headers, herr := o.sessions.BuildHeaders(cfg.SessionID, cfg.URL, cfg.Headers)
	if herr != nil {
		o.failTask(ctx, rec, asError(herr))
		return
	}

	meta, probeHeaders, perr := probeServer(ctx, client, cfg.URL, headers)
	if perr != nil {
		if ctx.Err() != nil {
			o.finalizeInterrupted(ctx, rt, rec)
			return
		}
		o.failTask(ctx, rec, perr)
		return
	}
	rec.ServerMetadata = *meta

	if cfg.Filename == "" {
		cfg.Filename = probeFilename(meta.FinalURL, probeHeaders)
		rec.Config.Filename = cfg.Filename
	}

	var totalSize int64
	if meta.ContentLength != nil {
		totalSize = *meta.ContentLength
	}
	knownZero := meta.ContentLength != nil && *meta.ContentLength == 0
	singleMode := !knownZero && (!meta.AcceptRanges || meta.ContentLength == nil)

	agg := progress.NewAggregator(rt.id, totalSize, o.runtime, o.bus)
	rt.progress = agg

	var resumed bool
	var resumeRec *coretypes.ResumeRecord
	if cfg.EnableResume && o.resume.Exists(rt.id) {
		if loaded, lerr := o.resume.Load(rt.id); lerr == nil && resume.IsStillValid(loaded, *meta) {
			resumeRec = loaded
			resumed = true
		}
	}

	if singleMode {
		o.runSingle(ctx, rt, rec, client, headers, cfg, agg)
		return
	}

	var segments []coretypes.Segment
	if resumed {
		segments = resumeRec.Segments
	} else {
		planned, plerr := planner.Plan(totalSize, cfg.MaxConcurrency, meta.AcceptRanges, coretypes.NetworkGood, planner.Bounds{
			MinChunk:     o.runtime.GetMinChunkSize(),
			MaxChunk:     o.runtime.GetMaxChunkSize(),
			OptimalChunk: o.runtime.GetTargetChunkSize(),
		})
		if plerr != nil {
			o.failTask(ctx, rec, asError(plerr))
			return
		}
		segments = planned
	}
	for i := range segments {
		if segments[i].PartPath == "" {
			segments[i].PartPath = fmt.Sprintf("%s.part%d", cfg.OutputPath, i)
		}
		if segments[i].Status == "" {
			segments[i].Status = coretypes.Pending
		}
	}

	rt.mu.Lock()
	rt.segments = segments
	rt.mu.Unlock()

	var seeded int64
	for _, seg := range segments {
		seeded += seg.Downloaded
	}
	if seeded > 0 {
		agg.SeedDownloaded(seeded)
	}
	agg.SetActiveWorkers(cfg.MaxConcurrency)

	if resumed {
		o.bus.Publish(telemetry.Event{TaskID: rt.id, Resumed: &telemetry.TaskResumed{DownloadedSize: seeded}})
	} else {
		o.bus.Publish(telemetry.Event{TaskID: rt.id, Started: &telemetry.TaskStarted{TotalSize: totalSize, SegmentCount: len(segments)}})
	}

	taskErr := o.runSegments(ctx, rt, rec, client, headers, cfg, agg)

	switch {
	case rt.getIntent() == intentPause:
		o.finalizePaused(ctx, rt, rec)
		return
	case rt.getIntent() == intentCancel:
		o.finalizeCancelled(ctx, rt, rec)
		return
	case taskErr != nil:
		o.failTask(ctx, rec, taskErr)
		return
	}

	rec.Progress = agg.Snapshot(rt.snapshotSegments())
	if merr := mergeSegments(cfg.OutputPath, rt.snapshotSegments()); merr != nil {
		o.failTask(ctx, rec, merr)
		return
	}

	o.finishVerifyAndComplete(ctx, rt, rec, cfg)
}

// runSegments drives the bounded worker pool for the segmented path: a
// fixed number of goroutines pop segment indices off a segmentQueue,
// fetch them, and requeue a segment (with Reassigns incremented) up to
// MaxSegmentReassigns times on any failure other than the task's own
// pause or cancel, per spec.md §7's "split and reassign" policy. A single
// already-failed segment has nothing meaningful left to split into two
// pieces, so reassignment here re-tries the same index with a fresh
// worker rather than calling planner.Steal. Nothing in the orchestrator
// calls planner.Steal or planner.Rebalance.
func (o *Orchestrator) runSegments(ctx context.Context, rt *runningTask, rec *coretypes.TaskRecord, client *http.Client, headers http.Header, cfg coretypes.DownloadConfig, agg *progress.Aggregator) *coretypes.Error {
	segments := rt.snapshotSegments()

	pending := make([]int, 0, len(segments))
	for i, seg := range segments {
		if seg.Status != coretypes.Completed {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		// every segment already completed (e.g. a resumed task that
		// finished everything but the merge step before last persisting).
		if cfg.EnableResume {
			o.saveResumeSnapshot(rt, rec, cfg)
		}
		return nil
	}

	queue := newSegmentQueue(pending)

	// outstanding tracks segments that still need a final resolution
	// (success, cancellation, or reassignment budget exhausted); a
	// requeue does not mark its segment as resolved, so outstanding only
	// reaches zero once every segment is truly done, at which point the
	// queue is safe to close. A plain worker-pool WaitGroup can't signal
	// this on its own: all workers may be idle in Pop() waiting on a
	// requeued item, which would otherwise deadlock against a Close()
	// gated on their exit.
	var outstanding sync.WaitGroup
	outstanding.Add(len(pending))
	go func() {
		outstanding.Wait()
		queue.Close()
	}()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr *coretypes.Error
	lastSave := time.Now()

	opts := worker.Options{
		Client:  client,
		Headers: headers,
		Runtime: o.runtime,
		Config:  cfg,
		TaskID:  rt.id,
		OnBytes: func(n int64) {
			agg.AddBytes(n)
			mu.Lock()
			shouldSave := time.Since(lastSave) >= coretypes.ResumeSaveThrottle
			if shouldSave {
				lastSave = time.Now()
			}
			mu.Unlock()
			if shouldSave && cfg.EnableResume {
				o.saveResumeSnapshot(rt, rec, cfg)
			}
		},
	}

	workerCount := cfg.MaxConcurrency
	if workerCount > len(pending) && len(pending) > 0 {
		workerCount = len(pending)
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				idx, ok := queue.Pop()
				if !ok {
					return
				}
				o.processSegment(ctx, rt, idx, cfg.URL, queue, opts, &mu, &firstErr, &outstanding)
			}
		}()
	}

	wg.Wait()

	if cfg.EnableResume {
		o.saveResumeSnapshot(rt, rec, cfg)
	}

	mu.Lock()
	defer mu.Unlock()
	return firstErr
}

// processSegment fetches one segment, resetting it to Pending (rather than
// the Failed status worker.FetchSegment sets for any non-retryable error)
// when the failure is actually this task's own context being paused or
// cancelled, and otherwise re-queues it up to MaxSegmentReassigns times.
func (o *Orchestrator) processSegment(ctx context.Context, rt *runningTask, idx int, rawURL string, queue *segmentQueue, opts worker.Options, mu *sync.Mutex, firstErr **coretypes.Error, outstanding *sync.WaitGroup) {
	rt.mu.Lock()
	segCopy := rt.segments[idx]
	segCopy.Status = coretypes.Downloading
	rt.segments[idx].Status = coretypes.Downloading
	rt.mu.Unlock()

	werr := worker.FetchSegment(ctx, rawURL, &segCopy, opts)

	rt.mu.Lock()
	rt.segments[idx] = segCopy
	rt.mu.Unlock()

	if werr == nil {
		outstanding.Done()
		return
	}

	if ctx.Err() != nil {
		rt.mu.Lock()
		rt.segments[idx].Status = coretypes.Pending
		rt.mu.Unlock()
		outstanding.Done()
		return
	}

	rt.mu.Lock()
	reassigns := rt.segments[idx].Reassigns
	rt.mu.Unlock()

	if reassigns < coretypes.MaxSegmentReassigns {
		rt.mu.Lock()
		rt.segments[idx].Reassigns++
		rt.segments[idx].Status = coretypes.Pending
		rt.mu.Unlock()
		queue.Push(idx)
		return
	}

	mu.Lock()
	if *firstErr == nil {
		*firstErr = werr
	}
	mu.Unlock()
	outstanding.Done()
}

func (o *Orchestrator) runSingle(ctx context.Context, rt *runningTask, rec *coretypes.TaskRecord, client *http.Client, headers http.Header, cfg coretypes.DownloadConfig, agg *progress.Aggregator) {
	agg.SetActiveWorkers(1)
	startSnapshot := agg.Snapshot(nil)
	o.bus.Publish(telemetry.Event{TaskID: rt.id, Started: &telemetry.TaskStarted{TotalSize: startSnapshot.TotalSize, SegmentCount: 1}})

	result, serr := single.Download(ctx, cfg.URL, cfg.OutputPath, single.Options{
		Client:  client,
		Headers: headers,
		Runtime: o.runtime,
		Config:  cfg,
		TaskID:  rt.id,
		OnBytes: agg.AddBytes,
	})

	switch rt.getIntent() {
	case intentPause, intentCancel:
		// single-connection transfers can't resume mid-stream, so pausing
		// one is equivalent to cancelling it from the Resume Store's view.
		o.finalizeCancelled(ctx, rt, rec)
		return
	}

	if serr != nil {
		o.failTask(ctx, rec, serr)
		return
	}

	rec.ServerMetadata.ContentLength = &result.BytesWritten
	seg := coretypes.Segment{ID: "segment_0", Start: 0, End: result.BytesWritten - 1, Downloaded: result.BytesWritten, Status: coretypes.Completed, Checksum: result.Checksum}
	rt.mu.Lock()
	rt.segments = []coretypes.Segment{seg}
	rt.mu.Unlock()
	agg.SetTotalSize(result.BytesWritten)

	o.finishVerifyAndComplete(ctx, rt, rec, cfg)
}

// finishVerifyAndComplete runs the final digest verification step (§4.8)
// against the merged (or single-connection-written) output file, then
// transitions the task to Completed or Failed.
func (o *Orchestrator) finishVerifyAndComplete(ctx context.Context, rt *runningTask, rec *coretypes.TaskRecord, cfg coretypes.DownloadConfig) {
	if cfg.Integrity.ExpectedChecksum != "" {
		result, verr := integrity.VerifyFile(cfg.OutputPath, cfg.Integrity.Algorithm, cfg.Integrity.ExpectedChecksum)
		if verr != nil {
			o.failTask(ctx, rec, asError(verr))
			return
		}
		if !result.OK {
			o.failTask(ctx, rec, coretypes.NewChecksumMismatchError(cfg.Integrity.ExpectedChecksum, result.Actual))
			return
		}
	}
	o.finalizeCompleted(ctx, rt, rec)
}

func (o *Orchestrator) finalizeCompleted(ctx context.Context, rt *runningTask, rec *coretypes.TaskRecord) {
	now := time.Now().UTC()
	rec.Status = coretypes.Completed
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	rec.Progress = rt.progress.Snapshot(rt.snapshotSegments())
	rec.Progress.Percentage = 100
	o.registry.Put(ctx, rec)

	elapsed := 0.0
	if rec.StartedAt != nil {
		elapsed = now.Sub(*rec.StartedAt).Seconds()
	}
	o.bus.Publish(telemetry.Event{TaskID: rt.id, Completed: &telemetry.TaskCompleted{TotalSize: rec.Progress.TotalSize, Elapsed: elapsed}})

	if rec.Config.EnableResume {
		o.resume.Delete(rt.id)
	}
	if rec.Config.WorkMode == coretypes.Temporary {
		applyTemporaryCleanup(ctx, o, rec)
	}
}

func (o *Orchestrator) failTask(ctx context.Context, rec *coretypes.TaskRecord, taskErr *coretypes.Error) {
	now := time.Now().UTC()
	rec.Status = coretypes.Failed
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	rec.Error = taskErr.AsTaskError()
	o.registry.Put(ctx, rec)
	o.bus.Publish(telemetry.Event{TaskID: rec.ID, Failed: &telemetry.TaskFailed{Err: taskErr}})

	if rec.Config.WorkMode == coretypes.Temporary {
		applyTemporaryCleanup(ctx, o, rec)
	}
}

func (o *Orchestrator) finalizePaused(ctx context.Context, rt *runningTask, rec *coretypes.TaskRecord) {
	now := time.Now().UTC()
	rec.Status = coretypes.Paused
	rec.UpdatedAt = now
	if rt.progress != nil {
		rec.Progress = rt.progress.Snapshot(rt.snapshotSegments())
	}
	o.registry.Put(ctx, rec)
	o.bus.Publish(telemetry.Event{TaskID: rt.id, Paused: &telemetry.TaskPaused{DownloadedSize: rec.Progress.DownloadedSize}})

	if rec.Config.EnableResume {
		o.saveResumeSnapshot(rt, rec, rec.Config)
	}
}

func (o *Orchestrator) finalizeCancelled(ctx context.Context, rt *runningTask, rec *coretypes.TaskRecord) {
	now := time.Now().UTC()
	rec.Status = coretypes.Cancelled
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	if rt.progress != nil {
		rec.Progress = rt.progress.Snapshot(rt.snapshotSegments())
	}
	o.registry.Put(ctx, rec)

	removePartFiles(rt.snapshotSegments())
	o.resume.Delete(rt.id)

	if rec.Config.WorkMode == coretypes.Temporary {
		applyTemporaryCleanup(ctx, o, rec)
	}
}

// finalizeInterrupted handles a probe that failed because the task's
// context was cancelled before any bytes moved (e.g. pause/cancel raced
// the very first HEAD request).
func (o *Orchestrator) finalizeInterrupted(ctx context.Context, rt *runningTask, rec *coretypes.TaskRecord) {
	switch rt.getIntent() {
	case intentPause:
		o.finalizePaused(ctx, rt, rec)
	default:
		o.finalizeCancelled(ctx, rt, rec)
	}
}

// applyTemporaryCleanup removes the Task Registry record and any Resume
// Store data for a Temporary task once it reaches a terminal state,
// regardless of which terminal state that is (§3).
func applyTemporaryCleanup(ctx context.Context, o *Orchestrator, rec *coretypes.TaskRecord) {
	o.resume.Delete(rec.ID)
	o.registry.Delete(ctx, rec.ID)
}

func (o *Orchestrator) saveResumeSnapshot(rt *runningTask, rec *coretypes.TaskRecord, cfg coretypes.DownloadConfig) {
	segments := rt.snapshotSegments()
	var total int64
	if rt.progress != nil {
		total = rt.progress.Snapshot(nil).TotalSize
	}
	o.resume.Save(&coretypes.ResumeRecord{
		TaskID:       rt.id,
		URL:          cfg.URL,
		OutputPath:   cfg.OutputPath,
		TotalSize:    total,
		Segments:     segments,
		ETag:         rec.ServerMetadata.ETag,
		LastModified: rec.ServerMetadata.LastModified,
		CreatedAt:    rec.CreatedAt,
	})
}

func removePartFiles(segments []coretypes.Segment) {
	for _, seg := range segments {
		if seg.PartPath != "" {
			os.Remove(seg.PartPath)
		}
	}
}
