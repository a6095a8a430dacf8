package single

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlforge/dlforge/internal/coretypes"
	"github.com/dlforge/dlforge/internal/testutil"
)

func TestDownload_FullBodySuccessfullyWritten(t *testing.T) {
	srv := testutil.NewMockServer(
		testutil.WithFileSize(32*1024),
		testutil.WithRandomData(true),
		testutil.WithRangeSupport(false),
	)
	defer srv.Close()

	destPath := filepath.Join(t.TempDir(), "out.bin")
	opts := Options{
		Client:  &http.Client{},
		Headers: http.Header{},
		Runtime: &coretypes.RuntimeConfig{},
		Config:  coretypes.DownloadConfig{Integrity: coretypes.IntegrityConfig{Algorithm: coretypes.SHA256}},
		TaskID:  "task-1",
	}

	result, err := Download(context.Background(), srv.URL(), destPath, opts)
	require.Nil(t, err)
	assert.EqualValues(t, 32*1024, result.BytesWritten)

	data, readErr := os.ReadFile(destPath)
	require.NoError(t, readErr)
	assert.Len(t, data, 32*1024)

	sum := sha256.Sum256(data)
	assert.Equal(t, fmt.Sprintf("%x", sum), result.Checksum)

	_, statErr := os.Stat(destPath + coretypes.IncompleteSuffix)
	assert.True(t, os.IsNotExist(statErr), "working file should be renamed away on success")
}

func TestDownload_NonOKStatusFails(t *testing.T) {
	srv := testutil.NewMockServer(testutil.WithHandler(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	destPath := filepath.Join(t.TempDir(), "out.bin")
	opts := Options{
		Client:  &http.Client{},
		Headers: http.Header{},
		Runtime: &coretypes.RuntimeConfig{},
		Config:  coretypes.DownloadConfig{Integrity: coretypes.IntegrityConfig{Algorithm: coretypes.SHA256}},
	}

	_, err := Download(context.Background(), srv.URL(), destPath, opts)
	require.NotNil(t, err)
	assert.Equal(t, coretypes.ErrKindHTTPStatus, err.Kind)

	_, statErr := os.Stat(destPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownload_CancelledContextLeavesNoFinalFile(t *testing.T) {
	srv := testutil.NewMockServer(
		testutil.WithFileSize(4*1024*1024),
		testutil.WithByteLatency(0),
	)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	destPath := filepath.Join(t.TempDir(), "out.bin")
	opts := Options{
		Client:  &http.Client{},
		Headers: http.Header{},
		Runtime: &coretypes.RuntimeConfig{},
		Config:  coretypes.DownloadConfig{Integrity: coretypes.IntegrityConfig{Algorithm: coretypes.SHA256}},
		TaskID:  "task-1",
	}

	_, err := Download(ctx, srv.URL(), destPath, opts)
	require.NotNil(t, err)
	assert.Equal(t, coretypes.ErrKindCancelled, err.Kind)

	_, statErr := os.Stat(destPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownload_ReportsBytesViaCallback(t *testing.T) {
	srv := testutil.NewMockServer(testutil.WithFileSize(16*1024))
	defer srv.Close()

	destPath := filepath.Join(t.TempDir(), "out.bin")
	var total int64
	opts := Options{
		Client:  &http.Client{},
		Headers: http.Header{},
		Runtime: &coretypes.RuntimeConfig{},
		Config:  coretypes.DownloadConfig{Integrity: coretypes.IntegrityConfig{Algorithm: coretypes.MD5}},
		OnBytes: func(n int64) { total += n },
	}

	_, err := Download(context.Background(), srv.URL(), destPath, opts)
	require.Nil(t, err)
	assert.EqualValues(t, 16*1024, total)
}
