// Package testutil provides an httptest-backed mock file server used by
// the download core's package tests, adapted from the teacher's own
// test harness (internal/testutil/mock_server.go in the retrieved
// sibling repository).
package testutil

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MockServer is a configurable HTTP test server for download testing.
type MockServer struct {
	Server *httptest.Server

	FileSize          int64
	SupportsRanges    bool
	ContentType       string
	Filename          string
	ETag              string
	RandomData        bool
	Latency           time.Duration
	ByteLatency       time.Duration
	FailAfterBytes    int64
	FailOnNthRequest  int
	MaxConcurrentReqs int
	ServeAs200OnRange bool // misbehaving server: 200 instead of 206 for ranged requests

	RequestCount   atomic.Int64
	BytesServed    atomic.Int64
	ActiveRequests atomic.Int64
	RangeRequests  atomic.Int64
	FullRequests   atomic.Int64
	FailedRequests atomic.Int64
	requestCountMu sync.Mutex
	internalReqNum int

	data          []byte
	CustomHandler http.HandlerFunc
}

// Option configures a MockServer.
type Option func(*MockServer)

func WithHandler(h http.HandlerFunc) Option        { return func(m *MockServer) { m.CustomHandler = h } }
func WithFileSize(size int64) Option               { return func(m *MockServer) { m.FileSize = size } }
func WithRangeSupport(enabled bool) Option          { return func(m *MockServer) { m.SupportsRanges = enabled } }
func WithContentType(ct string) Option              { return func(m *MockServer) { m.ContentType = ct } }
func WithFilename(name string) Option               { return func(m *MockServer) { m.Filename = name } }
func WithETag(etag string) Option                   { return func(m *MockServer) { m.ETag = etag } }
func WithRandomData(random bool) Option             { return func(m *MockServer) { m.RandomData = random } }
func WithLatency(d time.Duration) Option            { return func(m *MockServer) { m.Latency = d } }
func WithByteLatency(d time.Duration) Option        { return func(m *MockServer) { m.ByteLatency = d } }
func WithFailAfterBytes(n int64) Option             { return func(m *MockServer) { m.FailAfterBytes = n } }
func WithFailOnNthRequest(n int) Option             { return func(m *MockServer) { m.FailOnNthRequest = n } }
func WithMaxConcurrentRequests(n int) Option        { return func(m *MockServer) { m.MaxConcurrentReqs = n } }
func WithServeAs200OnRange(enabled bool) Option     { return func(m *MockServer) { m.ServeAs200OnRange = enabled } }

// NewMockServer creates and starts a new mock HTTP server with the given
// options.
func NewMockServer(opts ...Option) *MockServer {
	m := &MockServer{
		FileSize:       1024 * 1024,
		SupportsRanges: true,
		ContentType:    "application/octet-stream",
		Filename:       "testfile.bin",
	}
	for _, opt := range opts {
		opt(m)
	}

	m.data = make([]byte, m.FileSize)
	if m.RandomData {
		_, _ = rand.Read(m.data)
	}

	m.Server = httptest.NewServer(http.HandlerFunc(m.handleRequest))
	return m
}

func (m *MockServer) URL() string { return m.Server.URL }
func (m *MockServer) Close()      { m.Server.Close() }

func (m *MockServer) Reset() {
	m.RequestCount.Store(0)
	m.BytesServed.Store(0)
	m.ActiveRequests.Store(0)
	m.RangeRequests.Store(0)
	m.FullRequests.Store(0)
	m.FailedRequests.Store(0)
	m.requestCountMu.Lock()
	m.internalReqNum = 0
	m.requestCountMu.Unlock()
}

type Stats struct {
	TotalRequests  int64
	BytesServed    int64
	RangeRequests  int64
	FullRequests   int64
	FailedRequests int64
}

func (m *MockServer) Stats() Stats {
	return Stats{
		TotalRequests:  m.RequestCount.Load(),
		BytesServed:    m.BytesServed.Load(),
		RangeRequests:  m.RangeRequests.Load(),
		FullRequests:   m.FullRequests.Load(),
		FailedRequests: m.FailedRequests.Load(),
	}
}

func (m *MockServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	if m.CustomHandler != nil {
		m.CustomHandler(w, r)
		return
	}

	m.RequestCount.Add(1)
	m.ActiveRequests.Add(1)
	defer m.ActiveRequests.Add(-1)

	m.requestCountMu.Lock()
	m.internalReqNum++
	reqNum := m.internalReqNum
	m.requestCountMu.Unlock()

	if m.MaxConcurrentReqs > 0 && m.ActiveRequests.Load() > int64(m.MaxConcurrentReqs) {
		m.FailedRequests.Add(1)
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	if m.FailOnNthRequest > 0 && reqNum == m.FailOnNthRequest {
		m.FailedRequests.Add(1)
		http.Error(w, "simulated failure", http.StatusInternalServerError)
		return
	}

	if m.Latency > 0 {
		time.Sleep(m.Latency)
	}

	if r.Method == http.MethodHead {
		m.setCommonHeaders(w, 0, m.FileSize-1)
		if m.SupportsRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	rangeHeader := r.Header.Get("Range")
	start := int64(0)
	end := m.FileSize - 1

	if rangeHeader != "" && m.SupportsRanges {
		m.RangeRequests.Add(1)

		var err error
		start, end, err = parseRange(rangeHeader, m.FileSize)
		if err != nil {
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}

		m.setCommonHeaders(w, start, end)
		if m.ServeAs200OnRange {
			w.Header().Set("Content-Length", strconv.FormatInt(m.FileSize, 10))
			w.WriteHeader(http.StatusOK)
			start, end = 0, m.FileSize-1
		} else {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, m.FileSize))
			w.WriteHeader(http.StatusPartialContent)
		}
	} else {
		m.FullRequests.Add(1)
		m.setCommonHeaders(w, 0, m.FileSize-1)
		if m.SupportsRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.WriteHeader(http.StatusOK)
	}

	length := end - start + 1
	bytesWritten := int64(0)
	chunkSize := int64(32 * 1024)

	for bytesWritten < length {
		if m.FailAfterBytes > 0 && bytesWritten >= m.FailAfterBytes {
			m.FailedRequests.Add(1)
			return
		}

		remaining := length - bytesWritten
		cs := chunkSize
		if remaining < cs {
			cs = remaining
		}

		dataStart := start + bytesWritten
		dataEnd := dataStart + cs
		if dataEnd > m.FileSize {
			dataEnd = m.FileSize
		}

		n, err := w.Write(m.data[dataStart:dataEnd])
		if err != nil {
			return
		}

		bytesWritten += int64(n)
		m.BytesServed.Add(int64(n))

		if m.ByteLatency > 0 {
			time.Sleep(m.ByteLatency * time.Duration(n))
		}
	}
}

func (m *MockServer) setCommonHeaders(w http.ResponseWriter, start, end int64) {
	w.Header().Set("Content-Type", m.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	if m.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, m.Filename))
	}
	if m.ETag != "" {
		w.Header().Set("ETag", m.ETag)
	}
}

func parseRange(rangeHeader string, fileSize int64) (int64, int64, error) {
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return 0, 0, fmt.Errorf("invalid range prefix")
	}

	rangeSpec := strings.TrimPrefix(rangeHeader, "bytes=")
	parts := strings.Split(rangeSpec, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range format")
	}

	var start, end int64
	var err error

	if parts[0] == "" {
		end = fileSize - 1
		start, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		start = fileSize - start
	} else {
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		if parts[1] == "" {
			end = fileSize - 1
		} else {
			end, err = strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return 0, 0, err
			}
		}
	}

	if start < 0 || end >= fileSize || start > end {
		return 0, 0, fmt.Errorf("range out of bounds")
	}
	return start, end, nil
}
