package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlforge/dlforge/internal/coretypes"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "registry.db")
	reg, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func sampleRecord(id string) *coretypes.TaskRecord {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &coretypes.TaskRecord{
		ID:     id,
		Status: coretypes.Pending,
		Config: coretypes.DownloadConfig{
			URL:        "https://example.com/file.bin",
			OutputPath: "/tmp/file.bin",
		},
		Progress: coretypes.Progress{
			TotalSize:      1000,
			DownloadedSize: 0,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRegistry_PutAndGet(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	rec := sampleRecord("task-1")
	require.NoError(t, reg.Put(ctx, rec))

	got, err := reg.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Status, got.Status)
	assert.Equal(t, rec.Config.URL, got.Config.URL)
	assert.Equal(t, rec.Progress.TotalSize, got.Progress.TotalSize)
}

func TestRegistry_GetMissing(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Get(context.Background(), "does-not-exist")
	require.Error(t, err)

	var coreErr *coretypes.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, coretypes.ErrKindNotFound, coreErr.Kind)
}

func TestRegistry_PutUpdatesExisting(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	rec := sampleRecord("task-2")
	require.NoError(t, reg.Put(ctx, rec))

	rec.Status = coretypes.Downloading
	rec.Progress.DownloadedSize = 500
	rec.UpdatedAt = rec.UpdatedAt.Add(time.Second)
	require.NoError(t, reg.Put(ctx, rec))

	got, err := reg.Get(ctx, "task-2")
	require.NoError(t, err)
	assert.Equal(t, coretypes.Downloading, got.Status)
	assert.EqualValues(t, 500, got.Progress.DownloadedSize)
}

func TestRegistry_ListFiltersByStatus(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	pending := sampleRecord("task-pending")
	downloading := sampleRecord("task-downloading")
	downloading.Status = coretypes.Downloading

	require.NoError(t, reg.Put(ctx, pending))
	require.NoError(t, reg.Put(ctx, downloading))

	all, err := reg.List(ctx, coretypes.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	status := coretypes.Downloading
	filtered, err := reg.List(ctx, coretypes.ListFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "task-downloading", filtered[0].ID)
}

func TestRegistry_Delete(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	rec := sampleRecord("task-3")
	require.NoError(t, reg.Put(ctx, rec))
	require.NoError(t, reg.Delete(ctx, "task-3"))

	_, err := reg.Get(ctx, "task-3")
	require.Error(t, err)
}

func TestRegistry_StatsCountsByStatus(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	a := sampleRecord("a")
	b := sampleRecord("b")
	b.Status = coretypes.Completed
	b.Progress.DownloadedSize = 1000
	c := sampleRecord("c")
	c.Status = coretypes.Downloading
	c.Progress.DownloadedSize = 200

	require.NoError(t, reg.Put(ctx, a))
	require.NoError(t, reg.Put(ctx, b))
	require.NoError(t, reg.Put(ctx, c))

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[coretypes.Completed])
	assert.Equal(t, 1, stats.ActiveTasks)
	assert.EqualValues(t, 1200, stats.TotalBytes)
}

func TestAcquireLock_SecondAttemptFails(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "dlforge.lock")

	first, ok, err := AcquireLock(lockPath)
	require.NoError(t, err)
	require.True(t, ok)
	defer first.Release()

	_, ok, err = AcquireLock(lockPath)
	require.NoError(t, err)
	assert.False(t, ok)
}
