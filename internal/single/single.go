// Package single implements the non-ranged single-connection fallback
// path the orchestrator uses when the probe reports no Accept-Ranges or
// no Content-Length; a small file whose server supports ranges still
// goes through the segment worker. It is grounded on the
// teacher sibling repository's internal/engine/single/downloader.go:
// unlike Segment Worker retries, an interrupted single-connection
// download cannot resume mid-stream and restarts from byte 0.
package single

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dlforge/dlforge/internal/coretypes"
	"github.com/dlforge/dlforge/internal/integrity"
)

// Options mirrors worker.Options' shape for the parts that apply to a
// single-connection transfer.
type Options struct {
	Client  *http.Client
	Headers http.Header
	Runtime *coretypes.RuntimeConfig
	Config  coretypes.DownloadConfig
	TaskID  coretypes.TaskId
	OnBytes func(n int64)
}

// Result reports the outcome of a completed single-connection download.
type Result struct {
	BytesWritten int64
	Checksum     string
	Elapsed      time.Duration
}

// Download streams rawURL's full body into destPath (via a
// ".part"-suffixed working file, renamed atomically on success), per
// spec.md §4.1/§4.4. It has no internal retry loop, and the
// orchestrator calls it once: a failed single-connection transfer fails
// the task, since there is no partial state to resume from.
func Download(ctx context.Context, rawURL, destPath string, opts Options) (*Result, *coretypes.Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, coretypes.NewNetworkError("building request", err)
	}
	req.Header = opts.Headers.Clone()

	resp, err := opts.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, coretypes.NewCancelledError(string(opts.TaskID))
		}
		return nil, coretypes.NewNetworkError("performing request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, coretypes.NewHTTPStatusError(resp.StatusCode, rawURL)
	}

	workingPath := destPath + coretypes.IncompleteSuffix
	outFile, err := os.Create(workingPath)
	if err != nil {
		return nil, coretypes.NewFilesystemError("creating working file", err)
	}

	success := false
	defer func() {
		outFile.Close()
		if !success {
			os.Remove(workingPath)
		}
	}()

	verifier, herr := integrity.NewStreamingVerifier(opts.Config.Integrity.Algorithm)
	if herr != nil {
		return nil, herr.(*coretypes.Error)
	}

	start := time.Now()
	buf := make([]byte, opts.Runtime.GetWorkerBufferSize())
	var written int64

	for {
		select {
		case <-ctx.Done():
			return nil, coretypes.NewCancelledError(string(opts.TaskID))
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			nw, writeErr := outFile.Write(buf[:n])
			if writeErr != nil {
				return nil, coretypes.NewFilesystemError("writing file", writeErr)
			}
			if nw != n {
				return nil, coretypes.NewFilesystemError("short write", io.ErrShortWrite)
			}
			if uerr := verifier.Update(buf[:n]); uerr != nil {
				return nil, coretypes.NewInternalError("updating hash", uerr)
			}
			written += int64(n)
			if opts.OnBytes != nil {
				opts.OnBytes(int64(n))
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return nil, coretypes.NewNetworkError("reading response body", readErr)
		}
	}

	if err := outFile.Sync(); err != nil {
		return nil, coretypes.NewFilesystemError("syncing file", err)
	}
	if err := outFile.Close(); err != nil {
		return nil, coretypes.NewFilesystemError("closing file", err)
	}

	if err := os.Rename(workingPath, destPath); err != nil {
		if copyErr := copyFile(workingPath, destPath); copyErr != nil {
			return nil, coretypes.NewFilesystemError("finalizing file", copyErr)
		}
		os.Remove(workingPath)
	}
	success = true

	return &Result{BytesWritten: written, Checksum: verifier.Digest(), Elapsed: time.Since(start)}, nil
}

// copyFile is the cross-device fallback when os.Rename fails (e.g. the
// working file and destination live on different filesystems).
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 1*coretypes.MB)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		return err
	}
	return out.Sync()
}
