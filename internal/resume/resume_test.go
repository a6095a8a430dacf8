package resume

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlforge/dlforge/internal/coretypes"
)

func TestStore_SaveAndLoadRoundTrip(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "resume"))

	rec := &coretypes.ResumeRecord{
		TaskID:     "task-1",
		URL:        "https://example.com/file.bin",
		OutputPath: "/tmp/file.bin",
		TotalSize:  1000,
		ETag:       `"abc123"`,
		Segments: []coretypes.Segment{
			{ID: "seg-0", Start: 0, End: 499, Downloaded: 499},
			{ID: "seg-1", Start: 500, End: 999, Downloaded: 0},
		},
	}

	require.NoError(t, store.Save(rec))
	require.True(t, store.Exists("task-1"))

	loaded, err := store.Load("task-1")
	require.NoError(t, err)
	assert.Equal(t, rec.TaskID, loaded.TaskID)
	assert.Equal(t, rec.TotalSize, loaded.TotalSize)
	assert.Len(t, loaded.Segments, 2)
	assert.Equal(t, coretypes.ResumeRecordVersion, loaded.Version)
	assert.False(t, loaded.UpdatedAt.IsZero())

	noTmp, _ := filepath.Glob(filepath.Join(filepath.Dir(store.path("task-1")), "*.tmp"))
	assert.Empty(t, noTmp)
}

func TestStore_LoadMissingReturnsNotFound(t *testing.T) {
	store := New(t.TempDir())

	_, err := store.Load("missing-task")
	require.Error(t, err)

	var coreErr *coretypes.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, coretypes.ErrKindNotFound, coreErr.Kind)
}

func TestStore_Delete(t *testing.T) {
	store := New(t.TempDir())
	rec := &coretypes.ResumeRecord{TaskID: "task-2", TotalSize: 10}
	require.NoError(t, store.Save(rec))
	require.NoError(t, store.Delete("task-2"))
	assert.False(t, store.Exists("task-2"))

	// Deleting again is a no-op.
	require.NoError(t, store.Delete("task-2"))
}

func TestIsStillValid(t *testing.T) {
	size := int64(1000)
	rec := &coretypes.ResumeRecord{ETag: `"v1"`, LastModified: "Mon, 01 Jan 2024 00:00:00 GMT", TotalSize: 1000}

	assert.True(t, IsStillValid(rec, coretypes.ServerMetadata{ETag: `"v1"`, ContentLength: &size}))
	assert.False(t, IsStillValid(rec, coretypes.ServerMetadata{ETag: `"v2"`, ContentLength: &size}))

	otherSize := int64(2000)
	assert.False(t, IsStillValid(rec, coretypes.ServerMetadata{ETag: `"v1"`, ContentLength: &otherSize}))
}
