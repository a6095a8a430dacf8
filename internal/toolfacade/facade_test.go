package toolfacade

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlforge/dlforge/internal/coretypes"
	"github.com/dlforge/dlforge/internal/orchestrator"
	"github.com/dlforge/dlforge/internal/registry"
	"github.com/dlforge/dlforge/internal/resume"
	"github.com/dlforge/dlforge/internal/session"
	"github.com/dlforge/dlforge/internal/telemetry"
	"github.com/dlforge/dlforge/internal/testutil"
)

func newTestFacade(t *testing.T) (*Facade, string) {
	t.Helper()
	dir := t.TempDir()

	reg, err := registry.Open(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	resumeStore := resume.New(filepath.Join(dir, "resume"))
	sessions := session.NewManager()
	runtime := &coretypes.RuntimeConfig{MaxConcurrentTasks: 5}
	bus := telemetry.NewBus()

	orch := orchestrator.New(reg, resumeStore, sessions, runtime, bus)
	return New(orch, sessions), dir
}

func waitForFacadeTerminal(t *testing.T, f *Facade, taskID coretypes.TaskId, timeout time.Duration) StatusResult {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		env := f.GetDownloadStatus(context.Background(), taskID)
		require.True(t, env.Success)
		sr := env.Data.(StatusResult)
		if sr.Status.IsTerminal() {
			return sr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state within %s", taskID, timeout)
	return StatusResult{}
}

func TestFacade_DownloadFileAndGetStatus(t *testing.T) {
	srv := testutil.NewMockServer(testutil.WithFileSize(4096), testutil.WithRandomData(true))
	defer srv.Close()

	f, dir := newTestFacade(t)
	env := f.DownloadFile(context.Background(), coretypes.DownloadConfig{
		URL:        srv.URL(),
		OutputPath: filepath.Join(dir, "out.bin"),
	})
	require.True(t, env.Success)
	dfr := env.Data.(DownloadFileResult)
	require.NotEmpty(t, dfr.TaskID)

	final := waitForFacadeTerminal(t, f, dfr.TaskID, 5*time.Second)
	assert.Equal(t, coretypes.Completed, final.Status)
	assert.EqualValues(t, 4096, final.Progress.Downloaded)
}

func TestFacade_DownloadFileInvalidConfigReturnsConfigError(t *testing.T) {
	f, _ := newTestFacade(t)
	env := f.DownloadFile(context.Background(), coretypes.DownloadConfig{})
	require.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INVALID_CONFIG", env.Error.Code)
}

func TestFacade_GetDownloadStatusUnknownTask(t *testing.T) {
	f, _ := newTestFacade(t)
	env := f.GetDownloadStatus(context.Background(), "does-not-exist")
	require.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "TASK_NOT_FOUND", env.Error.Code)
}

func TestFacade_PauseResumeCancelLifecycle(t *testing.T) {
	srv := testutil.NewMockServer(
		testutil.WithFileSize(2*1024*1024),
		testutil.WithRandomData(true),
		testutil.WithByteLatency(5*time.Microsecond),
	)
	defer srv.Close()

	f, dir := newTestFacade(t)
	env := f.DownloadFile(context.Background(), coretypes.DownloadConfig{
		URL:        srv.URL(),
		OutputPath: filepath.Join(dir, "paused.bin"),
	})
	require.True(t, env.Success)
	taskID := env.Data.(DownloadFileResult).TaskID

	time.Sleep(30 * time.Millisecond)
	pauseEnv := f.PauseDownload(context.Background(), taskID)
	require.True(t, pauseEnv.Success)
	assert.Equal(t, coretypes.Paused, pauseEnv.Data.(ControlResult).NewStatus)

	resumeEnv := f.ResumeDownload(context.Background(), taskID)
	require.True(t, resumeEnv.Success)
	assert.Equal(t, coretypes.Downloading, resumeEnv.Data.(ControlResult).NewStatus)

	cancelEnv := f.CancelDownload(context.Background(), taskID)
	require.True(t, cancelEnv.Success)
	assert.Equal(t, coretypes.Cancelled, cancelEnv.Data.(ControlResult).NewStatus)
}

func TestFacade_ListDownloadsPagination(t *testing.T) {
	srv := testutil.NewMockServer(testutil.WithFileSize(512))
	defer srv.Close()

	f, dir := newTestFacade(t)
	var ids []coretypes.TaskId
	for i := 0; i < 3; i++ {
		env := f.DownloadFile(context.Background(), coretypes.DownloadConfig{
			URL:        srv.URL(),
			OutputPath: filepath.Join(dir, "list-"+string(rune('a'+i))+".bin"),
		})
		require.True(t, env.Success)
		id := env.Data.(DownloadFileResult).TaskID
		ids = append(ids, id)
		waitForFacadeTerminal(t, f, id, 5*time.Second)
	}

	env := f.ListDownloads(context.Background(), ListDownloadsArgs{Limit: 2, Offset: 0})
	require.True(t, env.Success)
	lr := env.Data.(ListDownloadsResult)
	assert.Equal(t, 3, lr.Total)
	assert.Len(t, lr.Tasks, 2)
	assert.True(t, lr.HasMore)

	env2 := f.ListDownloads(context.Background(), ListDownloadsArgs{Limit: 2, Offset: 2})
	require.True(t, env2.Success)
	lr2 := env2.Data.(ListDownloadsResult)
	assert.Len(t, lr2.Tasks, 1)
	assert.False(t, lr2.HasMore)
}

func TestFacade_VerifyIntegrityComputesDigestAndCompares(t *testing.T) {
	f, dir := newTestFacade(t)

	path := filepath.Join(dir, "a.txt")
	other := filepath.Join(dir, "b.txt")
	writeFile(t, path, []byte("identical content"))
	writeFile(t, other, []byte("identical content"))

	env := f.VerifyIntegrity(context.Background(), VerifyIntegrityArgs{
		FilePath:     path,
		Algorithm:    coretypes.SHA256,
		CompareWith:  other,
	})
	require.True(t, env.Success)
	vr := env.Data.(VerifyIntegrityResult)
	assert.NotEmpty(t, vr.Checksum)
	require.NotNil(t, vr.Matches)
	assert.True(t, *vr.Matches)
}

func TestFacade_VerifyIntegrityMismatchedExpectedChecksum(t *testing.T) {
	f, dir := newTestFacade(t)
	path := filepath.Join(dir, "c.txt")
	writeFile(t, path, []byte("some bytes"))

	env := f.VerifyIntegrity(context.Background(), VerifyIntegrityArgs{
		FilePath:         path,
		ExpectedChecksum: "not-the-real-digest",
	})
	require.True(t, env.Success)
	vr := env.Data.(VerifyIntegrityResult)
	assert.False(t, vr.Verified)
}

func TestFacade_PreRequestReturnsSessionAndStatus(t *testing.T) {
	srv := testutil.NewMockServer(testutil.WithFileSize(128))
	defer srv.Close()

	f, _ := newTestFacade(t)
	env := f.PreRequest(context.Background(), PreRequestArgs{URL: srv.URL(), Method: "HEAD"})
	require.True(t, env.Success)
	pr := env.Data.(PreRequestResult)
	assert.NotEmpty(t, pr.SessionID)
	assert.Equal(t, 200, pr.Status)
}

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, content, 0o644))
}
