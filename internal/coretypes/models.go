package coretypes

import "time"

// TaskId is an opaque, globally unique, durable identifier for a task.
type TaskId = string

// DownloadConfig is immutable for the lifetime of a task (§3).
type DownloadConfig struct {
	URL            string            `json:"url"`
	OutputPath     string            `json:"output_path"`
	Filename       string            `json:"filename,omitempty"`
	MaxConcurrency int               `json:"max_concurrency"`
	ChunkSize      int64             `json:"chunk_size"`
	TimeoutMs      int               `json:"timeout_ms"`
	RetryCount     int               `json:"retry_count"`
	WorkMode       WorkMode          `json:"work_mode"`
	EnableResume   bool              `json:"enable_resume"`
	Headers        map[string]string `json:"headers,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	Integrity      IntegrityConfig   `json:"integrity"`
}

// WithDefaults returns a copy of cfg with zero-valued optional fields
// replaced by their documented defaults (§3). It does not validate ranges;
// use Validate for that.
func (cfg DownloadConfig) WithDefaults() DownloadConfig {
	out := cfg
	if out.MaxConcurrency == 0 {
		out.MaxConcurrency = DefaultMaxConcurrency
	}
	if out.ChunkSize == 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.TimeoutMs == 0 {
		out.TimeoutMs = DefaultTimeoutMs
	}
	if out.WorkMode == "" {
		out.WorkMode = NonBlocking
	}
	if out.Integrity.Algorithm == "" {
		out.Integrity.Algorithm = SHA256
	}
	return out
}

// Validate checks the range and enum invariants from §3. A non-nil error
// is always a *Error of kind ErrKindConfig.
func (cfg DownloadConfig) Validate() error {
	if cfg.URL == "" {
		return NewConfigError("url is required")
	}
	if cfg.OutputPath == "" {
		return NewConfigError("output_path is required")
	}
	if cfg.MaxConcurrency < 1 || cfg.MaxConcurrency > MaxMaxConcurrency {
		return NewConfigError("max_concurrency must be in [1,16]")
	}
	if cfg.ChunkSize < 1*KB {
		return NewConfigError("chunk_size must be >= 1 KiB")
	}
	if cfg.TimeoutMs < 1000 {
		return NewConfigError("timeout_ms must be >= 1000")
	}
	if cfg.RetryCount < 0 || cfg.RetryCount > 10 {
		return NewConfigError("retry_count must be in [0,10]")
	}
	switch cfg.WorkMode {
	case Blocking, NonBlocking, Persistent, Temporary:
	default:
		return NewConfigError("invalid work_mode: " + string(cfg.WorkMode))
	}
	switch cfg.Integrity.Algorithm {
	case MD5, SHA1, SHA256, SHA512:
	default:
		return NewConfigError("invalid integrity.algorithm: " + string(cfg.Integrity.Algorithm))
	}
	return nil
}

// Status is the task state machine's set of states (§4.6).
type Status string

const (
	Pending     Status = "pending"
	Downloading Status = "downloading"
	Paused      Status = "paused"
	Completed   Status = "completed"
	Failed      Status = "failed"
	Cancelled   Status = "cancelled"
)

// IsTerminal reports whether s has no further automatic transitions.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// ServerMetadata is captured from the HEAD/probe request (§4.3 step 1).
type ServerMetadata struct {
	ContentLength *int64     `json:"content_length,omitempty"`
	ContentType   string     `json:"content_type,omitempty"`
	AcceptRanges  bool       `json:"accept_ranges"`
	LastModified  string     `json:"last_modified,omitempty"`
	ETag          string     `json:"etag,omitempty"`
	FinalURL      string     `json:"final_url,omitempty"`
	DetectedAt    time.Time  `json:"detected_at"`
}

// Segment is a contiguous byte range of the remote resource (§3).
type Segment struct {
	ID         string `json:"id"`
	Start      int64  `json:"start"`
	End        int64  `json:"end"` // inclusive
	Downloaded int64  `json:"downloaded"`
	Status     Status `json:"status"`
	PartPath   string `json:"part_path"`
	Checksum   string `json:"checksum,omitempty"`
	RetryCount int    `json:"retry_count"`
	// Reassigns counts how many times this whole segment was requeued for
	// a fresh worker after a failure (§7, capped at MaxSegmentReassigns).
	Reassigns int `json:"reassigns"`
}

// Length returns the number of bytes the segment covers.
func (s Segment) Length() int64 { return s.End - s.Start + 1 }

// Remaining returns the number of bytes not yet downloaded.
func (s Segment) Remaining() int64 { return s.Length() - s.Downloaded }

// Progress is the derived, monotone-per-lifecycle progress view (§3).
type Progress struct {
	TotalSize      int64     `json:"total_size"`
	DownloadedSize int64     `json:"downloaded_size"`
	Percentage     float64   `json:"percentage"`
	Speed          float64   `json:"speed"` // bytes/sec, rolling
	ETASeconds     *float64  `json:"eta_seconds,omitempty"`
	Segments       []Segment `json:"segments"`
}

// TaskRecord is the registry's unit of record (§3).
type TaskRecord struct {
	ID             TaskId          `json:"id"`
	Config         DownloadConfig  `json:"config"`
	Status         Status          `json:"status"`
	Progress       Progress        `json:"progress"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Error          *TaskError      `json:"error,omitempty"`
	ServerMetadata ServerMetadata  `json:"server_metadata"`
}

// TaskError is the surfaced, user-visible failure (§7).
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ResumeRecord is the persisted snapshot used to restart a task (§3, §4.7).
type ResumeRecord struct {
	Version    int       `json:"version"`
	TaskID     TaskId    `json:"task_id"`
	URL        string    `json:"url"`
	OutputPath string    `json:"output_path"`
	TotalSize  int64     `json:"total_size"`
	Segments   []Segment `json:"segments"`
	ETag       string    `json:"etag,omitempty"`
	LastModified string  `json:"last_modified,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// ChunkBitmap/ActualChunkSize are carried for forward compatibility
	// with bitmap-style resumption; this implementation always populates
	// Segments and treats it as authoritative (see SPEC_FULL.md §4.7).
	ChunkBitmap     []byte `json:"chunk_bitmap,omitempty"`
	ActualChunkSize int64  `json:"actual_chunk_size,omitempty"`
}

const ResumeRecordVersion = 1

// ListFilter narrows Task Registry enumeration (§4.3 list).
type ListFilter struct {
	Status *Status
}
