package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlforge/dlforge/internal/coretypes"
	"github.com/dlforge/dlforge/internal/telemetry"
)

func TestAggregator_SnapshotReflectsDownloadedAndPercentage(t *testing.T) {
	runtime := &coretypes.RuntimeConfig{}
	agg := NewAggregator("task-1", 1000, runtime, nil)

	agg.AddBytes(250)

	snap := agg.Snapshot(nil)
	assert.EqualValues(t, 1000, snap.TotalSize)
	assert.EqualValues(t, 250, snap.DownloadedSize)
	assert.InDelta(t, 25.0, snap.Percentage, 0.001)
}

func TestAggregator_SpeedStartsZeroBeforeWindowElapses(t *testing.T) {
	runtime := &coretypes.RuntimeConfig{}
	agg := NewAggregator("task-1", 1000, runtime, nil)

	agg.AddBytes(500)

	snap := agg.Snapshot(nil)
	assert.Zero(t, snap.Speed)
	assert.Nil(t, snap.ETASeconds, "ETA must be unavailable, not zero, while speed is unknown")
}

func TestAggregator_SpeedPopulatesAfterWindowElapses(t *testing.T) {
	runtime := &coretypes.RuntimeConfig{}
	agg := NewAggregator("task-1", 1_000_000, runtime, nil)
	agg.windowStart = time.Now().Add(-3 * time.Second)

	agg.AddBytes(300_000)

	snap := agg.Snapshot(nil)
	assert.Greater(t, snap.Speed, 0.0)
	require.NotNil(t, snap.ETASeconds)
	assert.Greater(t, *snap.ETASeconds, 0.0)
}

func TestAggregator_EMASmoothsAcrossSuccessiveWindows(t *testing.T) {
	runtime := &coretypes.RuntimeConfig{}
	agg := NewAggregator("task-1", 10_000_000, runtime, nil)

	// first window: ~100,000 B/s
	agg.windowStart = time.Now().Add(-2 * time.Second)
	agg.AddBytes(200_000)
	firstSpeed := agg.Snapshot(nil).Speed
	require.Greater(t, firstSpeed, 0.0)

	// second window: much faster burst; EMA should move toward it but not
	// jump all the way, since alpha defaults to coretypes' SpeedEMAAlpha.
	agg.windowStart = time.Now().Add(-2 * time.Second)
	agg.AddBytes(2_000_000)
	secondSpeed := agg.Snapshot(nil).Speed

	assert.Greater(t, secondSpeed, firstSpeed)
	rawRecent := 2_000_000.0 / 2.0
	assert.Less(t, secondSpeed, rawRecent, "EMA should smooth, not jump straight to the instantaneous rate")
}

func TestAggregator_PublishesThrottledProgressTicks(t *testing.T) {
	bus := telemetry.NewBus()
	sub := bus.Subscribe(8)

	runtime := &coretypes.RuntimeConfig{}
	agg := NewAggregator("task-1", 1000, runtime, bus)

	agg.AddBytes(100)
	agg.AddBytes(100) // should be throttled away, same instant

	select {
	case evt := <-sub:
		require.NotNil(t, evt.Progress)
		assert.EqualValues(t, "task-1", evt.TaskID)
	case <-time.After(time.Second):
		t.Fatal("expected a ProgressTick to be published")
	}

	select {
	case evt := <-sub:
		t.Fatalf("unexpected second tick within throttle window: %+v", evt)
	default:
	}
}

func TestAggregator_SetActiveWorkersReflectedInSnapshotTick(t *testing.T) {
	bus := telemetry.NewBus()
	sub := bus.Subscribe(8)

	runtime := &coretypes.RuntimeConfig{}
	agg := NewAggregator("task-1", 1000, runtime, bus)
	agg.SetActiveWorkers(4)
	agg.AddBytes(10)

	evt := <-sub
	require.NotNil(t, evt.Progress)
	assert.Equal(t, 4, evt.Progress.ActiveWorkers)
}

func TestAggregator_SetTotalSizeUpdatesLateProbeResult(t *testing.T) {
	runtime := &coretypes.RuntimeConfig{}
	agg := NewAggregator("task-1", 0, runtime, nil)

	snap := agg.Snapshot(nil)
	assert.Zero(t, snap.Percentage)

	agg.SetTotalSize(2000)
	agg.AddBytes(500)

	snap = agg.Snapshot(nil)
	assert.InDelta(t, 25.0, snap.Percentage, 0.001)
}
