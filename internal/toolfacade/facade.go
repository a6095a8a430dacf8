// Package toolfacade implements the Tool Facade (SPEC_FULL.md §6): the
// JSON-RPC-style surface a caller drives instead of the Go API directly.
// Every tool method here matches one row of the External Interfaces
// table, wraps its result in the {success, data, error, timestamp}
// envelope, and never leaks a *coretypes.Error across the boundary —
// only its trimmed TaskError/ErrorDetail shape. Stats, used by the
// server's /health endpoint, is the exception: it returns the registry
// counters and a *coretypes.Error directly.
package toolfacade

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dlforge/dlforge/internal/coretypes"
	"github.com/dlforge/dlforge/internal/integrity"
	"github.com/dlforge/dlforge/internal/orchestrator"
	"github.com/dlforge/dlforge/internal/registry"
	"github.com/dlforge/dlforge/internal/session"
)

// Envelope is the uniform response shape every tool call returns.
type Envelope struct {
	Success   bool         `json:"success"`
	Data      any          `json:"data,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// ErrorDetail is the envelope's error shape (§7).
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Facade is the single entry point the server/CLI layer drives; it holds
// no state of its own beyond references to the already-wired core.
type Facade struct {
	orch     *orchestrator.Orchestrator
	sessions *session.Manager
}

// New wires a Facade over an already-constructed Orchestrator and
// Session Manager.
func New(orch *orchestrator.Orchestrator, sessions *session.Manager) *Facade {
	return &Facade{orch: orch, sessions: sessions}
}

func ok(data any) Envelope {
	return Envelope{Success: true, Data: data, Timestamp: time.Now().UTC()}
}

func fail(err *coretypes.Error) Envelope {
	te := err.AsTaskError()
	return Envelope{
		Success:   false,
		Error:     &ErrorDetail{Code: te.Code, Message: te.Message, Details: te.Details},
		Timestamp: time.Now().UTC(),
	}
}

// PreRequestArgs mirrors the pre_request tool's arguments.
type PreRequestArgs struct {
	URL             string
	Method          string
	Headers         map[string]string
	Body            []byte
	SessionID       string
	TimeoutMs       int
	FollowRedirects *bool
	UserAgent       string
	Referer         string
}

// PreRequestResult mirrors pre_request's result shape.
type PreRequestResult struct {
	SessionID     string         `json:"session_id"`
	Status        int            `json:"status"`
	Headers       map[string][]string `json:"headers"`
	Cookies       []string       `json:"cookies"`
	RedirectChain []string       `json:"redirect_chain"`
	FinalURL      string         `json:"final_url"`
	ElapsedMs     int64          `json:"elapsed_ms"`
}

// PreRequest performs one HTTP exchange through a named (or freshly
// created) session, per §6's pre_request row.
func (f *Facade) PreRequest(ctx context.Context, args PreRequestArgs) Envelope {
	method := args.Method
	if method == "" {
		method = "GET"
	}
	timeout := time.Duration(args.TimeoutMs) * time.Millisecond
	if args.TimeoutMs == 0 {
		timeout = 30 * time.Second
	}
	followRedirects := true
	if args.FollowRedirects != nil {
		followRedirects = *args.FollowRedirects
	}

	sessionID, cerr := f.sessions.Create(args.SessionID, args.UserAgent, nil)
	if cerr != nil {
		return fail(asError(cerr))
	}
	if args.Referer != "" {
		if st, gerr := f.sessions.Get(sessionID); gerr == nil {
			st.SetReferer(args.Referer)
		}
	}

	res, rerr := f.sessions.PreRequest(ctx, sessionID, method, args.URL, args.Body, args.Headers, timeout, followRedirects, 0)
	if rerr != nil {
		return fail(asError(rerr))
	}

	cookies := make([]string, 0, len(res.Cookies))
	for _, c := range res.Cookies {
		cookies = append(cookies, c.String())
	}

	return ok(PreRequestResult{
		SessionID:     sessionID,
		Status:        res.Status,
		Headers:       map[string][]string(res.Headers),
		Cookies:       cookies,
		RedirectChain: res.RedirectChain,
		FinalURL:      res.FinalURL,
		ElapsedMs:     res.ElapsedMs,
	})
}

// DownloadFileResult mirrors download_file's result shape. FullResult is
// only populated for work_mode=blocking, per §6.
type DownloadFileResult struct {
	TaskID     coretypes.TaskId     `json:"task_id"`
	Status     coretypes.Status     `json:"status"`
	Message    string               `json:"message"`
	FullResult *coretypes.TaskRecord `json:"result,omitempty"`
}

// DownloadFile creates (and, depending on work_mode, starts) a download
// task. It generates the task id itself and passes it to the
// orchestrator, since id generation is a tool-facade concern, not an
// orchestrator one.
func (f *Facade) DownloadFile(ctx context.Context, cfg coretypes.DownloadConfig) Envelope {
	id := uuid.NewString()
	rec, err := f.orch.Create(ctx, id, cfg)
	if err != nil {
		return fail(err)
	}

	result := DownloadFileResult{TaskID: rec.ID, Status: rec.Status, Message: statusMessage(rec.Status)}
	if rec.Config.WorkMode == coretypes.Blocking {
		result.FullResult = rec
	}
	return ok(result)
}

func statusMessage(s coretypes.Status) string {
	switch s {
	case coretypes.Pending:
		return "task created, awaiting start"
	case coretypes.Downloading:
		return "download started"
	case coretypes.Completed:
		return "download completed"
	case coretypes.Failed:
		return "download failed"
	default:
		return string(s)
	}
}

// StatusResult mirrors get_download_status's result shape.
type StatusResult struct {
	TaskID   coretypes.TaskId       `json:"task_id"`
	Status   coretypes.Status       `json:"status"`
	Progress StatusProgress         `json:"progress"`
	Metadata StatusMetadata         `json:"metadata"`
	Error    *coretypes.TaskError   `json:"error,omitempty"`
}

type StatusProgress struct {
	Percentage float64  `json:"percentage"`
	Downloaded int64    `json:"downloaded"`
	Total      int64    `json:"total"`
	Speed      float64  `json:"speed"`
	ETA        *float64 `json:"eta,omitempty"`
}

type StatusMetadata struct {
	Filename    string     `json:"filename"`
	URL         string     `json:"url"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GetDownloadStatus reports a task's current status and progress.
func (f *Facade) GetDownloadStatus(ctx context.Context, taskID coretypes.TaskId) Envelope {
	rec, err := f.orch.Get(ctx, taskID)
	if err != nil {
		return fail(err)
	}
	return ok(toStatusResult(rec))
}

func toStatusResult(rec *coretypes.TaskRecord) StatusResult {
	return StatusResult{
		TaskID: rec.ID,
		Status: rec.Status,
		Progress: StatusProgress{
			Percentage: rec.Progress.Percentage,
			Downloaded: rec.Progress.DownloadedSize,
			Total:      rec.Progress.TotalSize,
			Speed:      rec.Progress.Speed,
			ETA:        rec.Progress.ETASeconds,
		},
		Metadata: StatusMetadata{
			Filename:    rec.Config.Filename,
			URL:         rec.Config.URL,
			CreatedAt:   rec.CreatedAt,
			StartedAt:   rec.StartedAt,
			CompletedAt: rec.CompletedAt,
		},
		Error: rec.Error,
	}
}

// ControlResult mirrors pause_download/resume_download/cancel_download's
// shared result shape.
type ControlResult struct {
	TaskID    coretypes.TaskId `json:"task_id"`
	Success   bool             `json:"success"`
	NewStatus coretypes.Status `json:"new_status"`
}

// PauseDownload pauses an active task.
func (f *Facade) PauseDownload(ctx context.Context, taskID coretypes.TaskId) Envelope {
	rec, err := f.orch.Pause(ctx, taskID)
	if err != nil {
		return fail(err)
	}
	return ok(ControlResult{TaskID: rec.ID, Success: true, NewStatus: rec.Status})
}

// ResumeDownload restarts a Pending or Paused task.
func (f *Facade) ResumeDownload(ctx context.Context, taskID coretypes.TaskId) Envelope {
	rec, err := f.orch.Start(ctx, taskID)
	if err != nil {
		return fail(err)
	}
	return ok(ControlResult{TaskID: rec.ID, Success: true, NewStatus: rec.Status})
}

// CancelDownload permanently stops a task.
func (f *Facade) CancelDownload(ctx context.Context, taskID coretypes.TaskId) Envelope {
	rec, err := f.orch.Cancel(ctx, taskID)
	if err != nil {
		return fail(err)
	}
	return ok(ControlResult{TaskID: rec.ID, Success: true, NewStatus: rec.Status})
}

// ListDownloadsArgs mirrors list_downloads' optional arguments.
type ListDownloadsArgs struct {
	Status *coretypes.Status
	Limit  int
	Offset int
}

// ListDownloadsResult mirrors list_downloads' result shape.
type ListDownloadsResult struct {
	Tasks   []*coretypes.TaskRecord `json:"tasks"`
	Total   int                     `json:"total"`
	HasMore bool                    `json:"has_more"`
}

// ListDownloads enumerates tasks, optionally filtered by status, with
// offset/limit pagination applied here since the registry's ListFilter
// only narrows by status (§4.3).
func (f *Facade) ListDownloads(ctx context.Context, args ListDownloadsArgs) Envelope {
	limit := args.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := args.Offset
	if offset < 0 {
		offset = 0
	}

	recs, err := f.orch.List(ctx, coretypes.ListFilter{Status: args.Status})
	if err != nil {
		return fail(err)
	}

	total := len(recs)
	end := offset + limit
	if offset > total {
		offset = total
	}
	if end > total {
		end = total
	}
	page := recs[offset:end]

	return ok(ListDownloadsResult{
		Tasks:   page,
		Total:   total,
		HasMore: end < total,
	})
}

// VerifyIntegrityArgs mirrors verify_integrity's arguments, including the
// SPEC_FULL.md-added compare_with param for diffing two files' digests
// without a caller round-trip.
type VerifyIntegrityArgs struct {
	FilePath         string
	Algorithm        coretypes.Algorithm
	ExpectedChecksum string
	CompareWith      string
	GenerateReport   bool
}

// VerifyIntegrityResult mirrors verify_integrity's result shape.
type VerifyIntegrityResult struct {
	Success   bool    `json:"success"`
	Algorithm string  `json:"algorithm"`
	Checksum  string  `json:"checksum"`
	Verified  bool    `json:"verified"`
	FileSize  int64   `json:"file_size"`
	ElapsedMs int64   `json:"elapsed_ms"`
	Matches   *bool   `json:"matches,omitempty"`
	Report    *string `json:"report,omitempty"`
}

// VerifyIntegrity computes (and optionally checks) a file's digest. When
// compare_with is set, the named file's digest is computed too and
// Matches reports whether the two agree.
func (f *Facade) VerifyIntegrity(ctx context.Context, args VerifyIntegrityArgs) Envelope {
	algo := args.Algorithm
	if algo == "" {
		algo = coretypes.SHA256
	}

	result, verr := integrity.VerifyFile(args.FilePath, algo, args.ExpectedChecksum)
	if verr != nil {
		return fail(asError(verr))
	}

	out := VerifyIntegrityResult{
		Success:   true,
		Algorithm: string(algo),
		Checksum:  result.Actual,
		Verified:  result.OK,
		FileSize:  result.Bytes,
		ElapsedMs: result.Elapsed.Milliseconds(),
	}

	if args.CompareWith != "" {
		other, oerr := integrity.VerifyFile(args.CompareWith, algo, "")
		if oerr != nil {
			return fail(asError(oerr))
		}
		matches := other.Actual == result.Actual
		out.Matches = &matches
	}

	if args.GenerateReport {
		report := buildReport(args.FilePath, out)
		out.Report = &report
	}

	return ok(out)
}

func buildReport(path string, r VerifyIntegrityResult) string {
	status := "FAIL"
	if r.Verified {
		status = "PASS"
	}
	return "integrity report for " + path + ": " + status + " (" + r.Algorithm + "=" + r.Checksum + ")"
}

// Stats exposes registry aggregate counters beyond the §6 table, used by
// the HTTP server's /health endpoint.
func (f *Facade) Stats(ctx context.Context) (*registry.Stats, *coretypes.Error) {
	return f.orch.Stats(ctx)
}

func asError(err error) *coretypes.Error {
	if e, ok := err.(*coretypes.Error); ok {
		return e
	}
	return coretypes.NewInternalError("unexpected error", err)
}
