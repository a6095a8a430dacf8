package telemetry

import (
	"sync"

	"github.com/dlforge/dlforge/internal/coretypes"
)

// Event is the union of messages the download core emits while a task
// runs. Only one field is populated per Event, mirroring the teacher's
// tagged-message style (internal/engine/events) without pulling in a
// TUI dependency.
type Event struct {
	TaskID    coretypes.TaskId
	Progress  *ProgressTick
	Started   *TaskStarted
	Paused    *TaskPaused
	Resumed   *TaskResumed
	Completed *TaskCompleted
	Failed    *TaskFailed
}

// ProgressTick is emitted on a throttled cadence while segments download.
type ProgressTick struct {
	DownloadedSize int64
	TotalSize      int64
	Speed          float64
	ActiveWorkers  int
}

type TaskStarted struct {
	TotalSize    int64
	SegmentCount int
}

type TaskPaused struct {
	DownloadedSize int64
}

type TaskResumed struct {
	DownloadedSize int64
}

type TaskCompleted struct {
	TotalSize int64
	Elapsed   float64
}

type TaskFailed struct {
	Err *coretypes.Error
}

// Sink receives Events. Implementations must not block for long since
// workers publish on their hot path.
type Sink interface {
	Publish(Event)
}

// Bus is a minimal fan-out Sink: every Subscribe'd channel receives every
// published Event on a best-effort (non-blocking) basis, so a slow or
// absent consumer never stalls a download.
type Bus struct {
	mu   sync.Mutex
	subs []chan Event
}

// NewBus returns a ready-to-use, empty event bus.
func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe(buffer int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, buffer)
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
