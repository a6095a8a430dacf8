package orchestrator

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/vfaronov/httpheader"

	"github.com/dlforge/dlforge/internal/coretypes"
)

// probeServer issues the HEAD request spec.md §4.3 step 1 names,
// capturing the metadata the planner and Resume Store validation need.
// Grounded on the teacher's ProbeServer (internal/engine/probe.go),
// adapted from its GET-with-Range:bytes=0-0 technique to a literal HEAD
// since this design's Session Layer already owns cookie/header/redirect
// handling for every other request kind.
func probeServer(ctx context.Context, client *http.Client, rawURL string, headers http.Header) (*coretypes.ServerMetadata, http.Header, *coretypes.Error) {
	var lastErr *coretypes.Error

	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Second)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
		if err != nil {
			return nil, nil, coretypes.NewNetworkError("building probe request", err)
		}
		req.Header = headers.Clone()

		resp, err := client.Do(req)
		if err != nil {
			lastErr = coretypes.NewNetworkError("probe request failed", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			return nil, nil, coretypes.NewHTTPStatusError(resp.StatusCode, rawURL)
		}

		meta := &coretypes.ServerMetadata{
			ContentType:  resp.Header.Get("Content-Type"),
			LastModified: resp.Header.Get("Last-Modified"),
			ETag:         resp.Header.Get("ETag"),
			FinalURL:     resp.Request.URL.String(),
			DetectedAt:   time.Now().UTC(),
			AcceptRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		}
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				meta.ContentLength = &n
			}
		}
		return meta, resp.Header, nil
	}

	return nil, nil, lastErr
}

// probeFilename extracts a filename from probe response headers and the
// URL, for tasks that didn't set config.Filename explicitly. It never
// reads a body, unlike the teacher's DetermineFilename, since HEAD
// responses carry none — magic-byte sniffing instead runs later, once
// bytes are on disk (integrity.SniffMIME).
func probeFilename(rawURL string, header http.Header) string {
	if _, name, err := httpheader.ContentDisposition(header); err == nil && name != "" {
		return name
	}
	if parsed, err := url.Parse(rawURL); err == nil {
		if base := filepath.Base(parsed.Path); base != "." && base != "/" && base != "" {
			return base
		}
	}
	return "download.bin"
}
