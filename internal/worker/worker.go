// Package worker implements the Segment Worker (SPEC_FULL.md §4.2): it
// performs one ranged GET per segment, streams the response to that
// segment's part file, feeds bytes through an incremental hash, reports
// each write through the OnBytes callback (throttled progress ticks are
// the progress aggregator's job), and retries transient failures with
// backoff.
// The teacher's per-worker loop in internal/engine/concurrent/worker.go
// is the structural model; this version owns one segment end-to-end
// instead of pulling arbitrary byte ranges off a shared queue, since
// segments here are durable, independently resumable units.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/dlforge/dlforge/internal/coretypes"
	"github.com/dlforge/dlforge/internal/integrity"
)

// Options bundles everything FetchSegment needs beyond the segment
// itself; the orchestrator builds one of these per task and reuses it
// across that task's segments.
type Options struct {
	Client  *http.Client
	Headers http.Header // merged session + config headers, Range is added per attempt
	Runtime *coretypes.RuntimeConfig
	Config  coretypes.DownloadConfig
	TaskID  coretypes.TaskId

	// OnBytes is called after every successful write with the number of
	// new bytes persisted to the part file. The Progress Monitor's
	// aggregator (internal/progress) is the intended subscriber; the
	// worker itself has no notion of task-wide totals or speed.
	OnBytes func(n int64)
}

var errStall = errors.New("worker: stalled")

// FetchSegment downloads seg.Remaining() bytes of rawURL into
// seg.PartPath, updating seg.Downloaded and seg.Checksum as it goes. It
// retries per the classification and backoff policy in spec.md §7 and
// returns nil only once the full segment has been written and verified
// locally complete.
func FetchSegment(ctx context.Context, rawURL string, seg *coretypes.Segment, opts Options) *coretypes.Error {
	if seg.Length() == 0 {
		seg.Status = coretypes.Completed
		return nil
	}

	host := hostOf(rawURL)
	limiter := getLimiter(host)

	verifier, herr := integrity.NewStreamingVerifier(opts.Config.Integrity.Algorithm)
	if herr != nil {
		return herr.(*coretypes.Error)
	}

	maxAttempts := opts.Config.RetryCount + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr *coretypes.Error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			sleepBackoff(ctx, attempt)
		}
		limiter.WaitIfBlocked(ctx)

		err := fetchOnce(ctx, rawURL, seg, opts, verifier, limiter)
		if err == nil {
			seg.Checksum = verifier.Digest()
			seg.Status = coretypes.Completed
			return nil
		}

		lastErr = err
		if !retryable(err) {
			seg.Status = coretypes.Failed
			return err
		}
		seg.RetryCount++
	}

	seg.Status = coretypes.Failed
	return lastErr
}

// fetchOnce performs exactly one HTTP attempt for the segment's
// remaining bytes, honoring timeout_ms and the stall detector.
func fetchOnce(ctx context.Context, rawURL string, seg *coretypes.Segment, opts Options, verifier *integrity.StreamingVerifier, limiter *RateLimiter) *coretypes.Error {
	attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(opts.Config.TimeoutMs)*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return coretypes.NewNetworkError("building segment request", err)
	}
	req.Header = opts.Headers.Clone()

	rangeStart := seg.Start + seg.Downloaded
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rangeStart, seg.End))

	resp, err := opts.Client.Do(req)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return coretypes.NewNetworkError("segment request timed out", err)
		}
		if ctx.Err() != nil {
			return coretypes.NewCancelledError(string(opts.TaskID))
		}
		return coretypes.NewNetworkError("performing segment request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		limiter.Handle429(resp)
		return coretypes.NewHTTPStatusError(resp.StatusCode, rawURL)
	}

	if resp.StatusCode == http.StatusOK && rangeStart > 0 {
		return coretypes.NewRangeNotSatisfiableError(rawURL)
	}

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return coretypes.NewHTTPStatusError(resp.StatusCode, rawURL)
	}

	limit := seg.End - rangeStart + 1 // bytes still owed by this attempt
	if resp.StatusCode == http.StatusOK {
		// server ignored the Range header entirely but responded from
		// byte 0, which only works out for the first segment of a task.
		limit = seg.Length() - seg.Downloaded
	}

	file, err := openPartFile(seg.PartPath, seg.Downloaded)
	if err != nil {
		return coretypes.NewFilesystemError("opening part file", err)
	}
	defer file.Close()

	limiter.ReportSuccess()
	return streamBody(attemptCtx, resp.Body, file, seg, limit, verifier, opts)
}

func streamBody(ctx context.Context, body io.Reader, file *os.File, seg *coretypes.Segment, limit int64, verifier *integrity.StreamingVerifier, opts Options) *coretypes.Error {
	buf := make([]byte, opts.Runtime.GetWorkerBufferSize())
	var written int64
	stallTimeout := opts.Runtime.GetStallTimeout()

	for written < limit {
		readSize := int64(len(buf))
		if remaining := limit - written; remaining < readSize {
			readSize = remaining
		}

		n, err := readChunk(ctx, body, buf[:readSize], stallTimeout)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return coretypes.NewFilesystemError("writing segment bytes", werr)
			}
			if herr := verifier.Update(buf[:n]); herr != nil {
				return coretypes.NewInternalError("updating segment hash", herr)
			}
			seg.Downloaded += int64(n)
			written += int64(n)
			if opts.OnBytes != nil {
				opts.OnBytes(int64(n))
			}
		}

		if err != nil {
			if err == io.EOF {
				if written < limit {
					return coretypes.NewNetworkError("connection closed before segment complete", io.ErrUnexpectedEOF)
				}
				break
			}
			if err == errStall {
				return coretypes.NewNetworkError("no bytes received within stall timeout", err)
			}
			if ctx.Err() == context.DeadlineExceeded {
				return coretypes.NewNetworkError("segment read timed out", err)
			}
			if ctx.Err() != nil {
				return coretypes.NewCancelledError(string(opts.TaskID))
			}
			return coretypes.NewNetworkError("reading segment body", err)
		}
	}
	return nil
}

// readChunk reads one Read call's worth of data, failing with errStall if
// no data (and no terminal error) arrives within timeout. Grounded on the
// teacher's checkWorkerHealth slow-worker cancellation in
// internal/engine/concurrent/health.go, generalized to an absolute
// per-read stall bound.
func readChunk(ctx context.Context, body io.Reader, buf []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := body.Read(buf)
		ch <- result{n, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.n, r.err
	case <-timer.C:
		return 0, errStall
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func openPartFile(path string, offset int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func sleepBackoff(ctx context.Context, attempt int) {
	delay := time.Duration(float64(coretypes.RetryBaseDelay) * pow(coretypes.RetryFactor, attempt-1))
	if delay > coretypes.RetryMaxDelay {
		delay = coretypes.RetryMaxDelay
	}
	delay = jitter(delay, 0.5)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func jitter(d time.Duration, factor float64) time.Duration {
	if d <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + delta))
}

func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// retryable classifies a worker-local error per spec.md §7: Timeout,
// Network, Server5xx (and 408/429) are retryable; Client4xx (other than
// 408/429), a misbehaving-range response, and filesystem permission/space
// errors are not.
func retryable(err *coretypes.Error) bool {
	switch err.Kind {
	case coretypes.ErrKindNetwork:
		return true
	case coretypes.ErrKindCancelled:
		return false
	case coretypes.ErrKindHTTPStatus:
		return isRetryableStatus(err)
	case coretypes.ErrKindFilesystem:
		return false
	default:
		return false
	}
}

func isRetryableStatus(err *coretypes.Error) bool {
	if err.Code == "RANGE_NOT_SATISFIABLE" {
		return false
	}
	status := err.HTTPStatus
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		return true
	}
	return status >= 500
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
