// Package progress implements the Progress Monitor (SPEC_FULL.md §4.10):
// an EMA-smoothed rolling speed and ETA estimate aggregated across all of
// a task's segments, and a throttled publisher of telemetry.ProgressTick
// events. The smoothing shape (2-second sliding window feeding an
// exponential moving average) is grounded on the teacher's per-segment
// ActiveTask.Speed in internal/engine/concurrent/worker.go, generalized
// here from per-segment to per-task.
package progress

import (
	"sync"
	"time"

	"github.com/dlforge/dlforge/internal/coretypes"
	"github.com/dlforge/dlforge/internal/telemetry"
)

const speedWindow = 2 * time.Second

// Aggregator tracks one task's downloaded-byte total and rolling speed.
// Segment Worker and single-connection downloads both feed it through
// AddBytes; it is safe for concurrent use by multiple segments.
type Aggregator struct {
	mu sync.Mutex

	taskID     coretypes.TaskId
	totalSize  int64
	downloaded int64

	windowStart time.Time
	windowBytes int64
	speed       float64
	alpha       float64

	activeWorkers int

	bus      *telemetry.Bus
	lastTick time.Time
}

// NewAggregator starts a fresh aggregator for one task run. totalSize may
// be 0 if the server didn't report Content-Length; Percentage and
// ETASeconds are then left unavailable.
func NewAggregator(taskID coretypes.TaskId, totalSize int64, runtime *coretypes.RuntimeConfig, bus *telemetry.Bus) *Aggregator {
	return &Aggregator{
		taskID:      taskID,
		totalSize:   totalSize,
		alpha:       runtime.GetSpeedEmaAlpha(),
		bus:         bus,
		windowStart: time.Now(),
	}
}

// AddBytes records n newly-downloaded bytes and, once the sliding window
// has elapsed, folds the observed rate into the EMA. It also publishes a
// throttled ProgressTick (at most once per coretypes.ProgressTickMinGap).
func (a *Aggregator) AddBytes(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.downloaded += n
	a.windowBytes += n

	now := time.Now()
	if elapsed := now.Sub(a.windowStart); elapsed >= speedWindow {
		recent := float64(a.windowBytes) / elapsed.Seconds()
		if a.speed == 0 {
			a.speed = recent
		} else {
			a.speed = (1-a.alpha)*a.speed + a.alpha*recent
		}
		a.windowBytes = 0
		a.windowStart = now
	}

	a.publishLocked(now)
}

// SetActiveWorkers updates the worker count surfaced on
// ProgressTick.ActiveWorkers.
func (a *Aggregator) SetActiveWorkers(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activeWorkers = n
}

// SeedDownloaded records bytes that were already on disk before this run
// started (a resumed segment's prior progress), without treating them as
// freshly observed throughput for the speed EMA.
func (a *Aggregator) SeedDownloaded(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.downloaded += n
}

// SetTotalSize replaces the known total after the aggregator was
// created, e.g. with the byte count a single-connection download wrote
// when the probe reported no Content-Length.
func (a *Aggregator) SetTotalSize(total int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalSize = total
}

func (a *Aggregator) publishLocked(now time.Time) {
	if a.bus == nil || now.Sub(a.lastTick) < coretypes.ProgressTickMinGap {
		return
	}
	a.lastTick = now
	a.bus.Publish(telemetry.Event{
		TaskID: a.taskID,
		Progress: &telemetry.ProgressTick{
			DownloadedSize: a.downloaded,
			TotalSize:      a.totalSize,
			Speed:          a.speed,
			ActiveWorkers:  a.activeWorkers,
		},
	})
}

// Snapshot returns the current progress view for get_download_status and
// registry persistence; segments must be supplied by the caller since the
// aggregator itself has no notion of segment boundaries.
func (a *Aggregator) Snapshot(segments []coretypes.Segment) coretypes.Progress {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := coretypes.Progress{
		TotalSize:      a.totalSize,
		DownloadedSize: a.downloaded,
		Speed:          a.speed,
		Segments:       segments,
	}
	if a.totalSize > 0 {
		p.Percentage = float64(a.downloaded) / float64(a.totalSize) * 100
	}
	if a.speed > 0 && a.totalSize > 0 {
		eta := float64(a.totalSize-a.downloaded) / a.speed
		if eta < 0 {
			eta = 0
		}
		p.ETASeconds = &eta
	}
	return p
}
