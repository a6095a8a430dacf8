package worker

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlforge/dlforge/internal/coretypes"
	"github.com/dlforge/dlforge/internal/testutil"
)

func baseOptions(algo coretypes.Algorithm, retries int) Options {
	return Options{
		Client:  &http.Client{},
		Headers: http.Header{"User-Agent": []string{"dlforge-test"}},
		Runtime: &coretypes.RuntimeConfig{},
		Config: coretypes.DownloadConfig{
			TimeoutMs:  5000,
			RetryCount: retries,
			Integrity:  coretypes.IntegrityConfig{Algorithm: algo},
		},
		TaskID: "task-1",
	}
}

func TestFetchSegment_DownloadsFullSegmentAndVerifies(t *testing.T) {
	srv := testutil.NewMockServer(testutil.WithFileSize(64*1024), testutil.WithRandomData(true))
	defer srv.Close()

	partPath := filepath.Join(t.TempDir(), "segment_0.part")
	seg := &coretypes.Segment{ID: "segment_0", Start: 0, End: 64*1024 - 1, PartPath: partPath, Status: coretypes.Downloading}

	var gotBytes int64
	opts := baseOptions(coretypes.SHA256, 2)
	opts.OnBytes = func(n int64) { gotBytes += n }

	err := FetchSegment(context.Background(), srv.URL(), seg, opts)
	require.Nil(t, err)
	assert.Equal(t, coretypes.Completed, seg.Status)
	assert.EqualValues(t, 64*1024, seg.Downloaded)
	assert.EqualValues(t, 64*1024, gotBytes)
	assert.NotEmpty(t, seg.Checksum)

	data, readErr := os.ReadFile(partPath)
	require.NoError(t, readErr)
	assert.Len(t, data, 64*1024)
	sum := sha256.Sum256(data)
	assert.Equal(t, fmt.Sprintf("%x", sum), seg.Checksum)
}

func TestFetchSegment_RangeNotSatisfiableFailsFast(t *testing.T) {
	srv := testutil.NewMockServer(
		testutil.WithFileSize(8*1024),
		testutil.WithServeAs200OnRange(true),
	)
	defer srv.Close()

	partPath := filepath.Join(t.TempDir(), "segment_1.part")
	seg := &coretypes.Segment{ID: "segment_1", Start: 4096, End: 8*1024 - 1, PartPath: partPath, Status: coretypes.Downloading}

	opts := baseOptions(coretypes.SHA256, 3)
	err := FetchSegment(context.Background(), srv.URL(), seg, opts)

	require.NotNil(t, err)
	assert.Equal(t, "RANGE_NOT_SATISFIABLE", err.Code)
	assert.Equal(t, coretypes.Failed, seg.Status)
	// must not have retried: only one request should have been made
	assert.EqualValues(t, 1, srv.Stats().TotalRequests)
}

func TestFetchSegment_RetriesTransientServerErrorThenSucceeds(t *testing.T) {
	srv := testutil.NewMockServer(
		testutil.WithFileSize(4*1024),
		testutil.WithFailOnNthRequest(1),
	)
	defer srv.Close()

	partPath := filepath.Join(t.TempDir(), "segment_0.part")
	seg := &coretypes.Segment{ID: "segment_0", Start: 0, End: 4*1024 - 1, PartPath: partPath, Status: coretypes.Downloading}

	opts := baseOptions(coretypes.SHA256, 2)

	start := time.Now()
	err := FetchSegment(context.Background(), srv.URL(), seg, opts)
	elapsed := time.Since(start)

	require.Nil(t, err)
	assert.Equal(t, coretypes.Completed, seg.Status)
	assert.EqualValues(t, 4*1024, seg.Downloaded)
	assert.Equal(t, 1, seg.RetryCount)
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
}

func TestFetchSegment_FatalClientErrorDoesNotRetry(t *testing.T) {
	srv := testutil.NewMockServer(testutil.WithHandler(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	partPath := filepath.Join(t.TempDir(), "segment_0.part")
	seg := &coretypes.Segment{ID: "segment_0", Start: 0, End: 1023, PartPath: partPath, Status: coretypes.Downloading}

	opts := baseOptions(coretypes.SHA256, 5)
	err := FetchSegment(context.Background(), srv.URL(), seg, opts)

	require.NotNil(t, err)
	assert.Equal(t, coretypes.ErrKindHTTPStatus, err.Kind)
	assert.Equal(t, coretypes.Failed, seg.Status)
	assert.Equal(t, 0, seg.RetryCount)
}

func TestFetchSegment_ResumesFromCurrentDownloadedWithoutDoubleCounting(t *testing.T) {
	srv := testutil.NewMockServer(testutil.WithFileSize(8*1024), testutil.WithRandomData(true))
	defer srv.Close()

	partPath := filepath.Join(t.TempDir(), "segment_0.part")
	// simulate a prior partial attempt: 2 KiB already on disk
	require.NoError(t, os.WriteFile(partPath, make([]byte, 2*1024), 0o644))
	seg := &coretypes.Segment{ID: "segment_0", Start: 0, End: 8*1024 - 1, Downloaded: 2 * 1024, PartPath: partPath, Status: coretypes.Downloading}

	opts := baseOptions(coretypes.SHA256, 1)
	err := FetchSegment(context.Background(), srv.URL(), seg, opts)

	require.Nil(t, err)
	assert.EqualValues(t, 8*1024, seg.Downloaded)

	info, statErr := os.Stat(partPath)
	require.NoError(t, statErr)
	assert.EqualValues(t, 8*1024, info.Size())
}

func TestFetchSegment_ZeroLengthSegmentCompletesImmediately(t *testing.T) {
	seg := &coretypes.Segment{ID: "segment_0", Start: 0, End: -1, Status: coretypes.Pending}
	opts := baseOptions(coretypes.SHA256, 1)

	err := FetchSegment(context.Background(), "http://unused.invalid", seg, opts)
	require.Nil(t, err)
	assert.Equal(t, coretypes.Completed, seg.Status)
}
