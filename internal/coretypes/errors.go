package coretypes

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies failures for callers that need to branch on cause
// without string-matching messages (§7).
type ErrorKind string

const (
	ErrKindConfig      ErrorKind = "config"
	ErrKindNetwork     ErrorKind = "network"
	ErrKindHTTPStatus  ErrorKind = "http_status"
	ErrKindFilesystem  ErrorKind = "filesystem"
	ErrKindIntegrity   ErrorKind = "integrity"
	ErrKindAuth        ErrorKind = "auth"
	ErrKindCancelled   ErrorKind = "cancelled"
	ErrKindNotFound    ErrorKind = "not_found"
	ErrKindState       ErrorKind = "invalid_state"
	ErrKindUnsupported ErrorKind = "unsupported"
	ErrKindInternal    ErrorKind = "internal"
)

// Error is the error taxonomy used throughout the download core. It
// satisfies the standard error interface and supports errors.Is/As via
// Unwrap.
type Error struct {
	Kind       ErrorKind
	Code       string
	Message    string
	Cause      error
	HTTPStatus int // populated by NewHTTPStatusError/NewRangeNotSatisfiableError; 0 otherwise
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// AsTaskError converts e into the trimmed, user-facing TaskError shape
// returned by the Tool Facade.
func (e *Error) AsTaskError() *TaskError {
	te := &TaskError{Code: e.Code, Message: e.Message}
	if e.Cause != nil {
		te.Details = e.Cause.Error()
	}
	return te
}

func newError(kind ErrorKind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

func NewConfigError(message string) *Error {
	return newError(ErrKindConfig, "INVALID_CONFIG", message, nil)
}

func NewNetworkError(message string, cause error) *Error {
	return newError(ErrKindNetwork, "NETWORK_ERROR", message, cause)
}

func NewHTTPStatusError(status int, url string) *Error {
	e := newError(ErrKindHTTPStatus, "HTTP_STATUS", fmt.Sprintf("unexpected status %d from %s", status, url), nil)
	e.HTTPStatus = status
	return e
}

// NewRangeNotSatisfiableError reports a server that answered a non-zero
// byte-range request with 200 OK instead of 206, per spec.md §8's
// misbehaving-server boundary test. It is never retryable.
func NewRangeNotSatisfiableError(url string) *Error {
	e := newError(ErrKindHTTPStatus, "RANGE_NOT_SATISFIABLE", fmt.Sprintf("server returned 200 for a ranged request to %s", url), nil)
	e.HTTPStatus = http.StatusOK
	return e
}

func NewFilesystemError(message string, cause error) *Error {
	return newError(ErrKindFilesystem, "FILESYSTEM_ERROR", message, cause)
}

func NewIntegrityError(message string) *Error {
	return newError(ErrKindIntegrity, "INTEGRITY_MISMATCH", message, nil)
}

// NewChecksumMismatchError reports a merged file whose final digest
// disagrees with DownloadConfig.Integrity.ExpectedChecksum (spec.md §8,
// scenario 4). The code is the literal "ChecksumMismatch" the spec names
// for get_download_status.error.code, not the generic integrity code.
func NewChecksumMismatchError(expected, actual string) *Error {
	return newError(ErrKindIntegrity, "ChecksumMismatch", fmt.Sprintf("expected digest %s, got %s", expected, actual), nil)
}

// NewMergeError reports a failure while concatenating segment part files
// into output_path (§4.4). The task fails but part files are preserved.
func NewMergeError(message string, cause error) *Error {
	return newError(ErrKindFilesystem, "MergeError", message, cause)
}

// NewQueueFullError reports that max_concurrent_tasks is already reached
// when start is attempted (§5).
func NewQueueFullError(taskID string) *Error {
	return newError(ErrKindState, "QueueFull", fmt.Sprintf("cannot start task %s: max_concurrent_tasks reached", taskID), nil)
}

// NewTooManyRedirectsError reports a redirect chain exceeding max_redirects.
func NewTooManyRedirectsError(url string) *Error {
	return newError(ErrKindNetwork, "TooManyRedirects", fmt.Sprintf("exceeded redirect limit following %s", url), nil)
}

func NewAuthError(message string, cause error) *Error {
	return newError(ErrKindAuth, "AUTH_ERROR", message, cause)
}

func NewCancelledError(taskID string) *Error {
	return newError(ErrKindCancelled, "CANCELLED", fmt.Sprintf("task %s was cancelled", taskID), nil)
}

func NewNotFoundError(taskID string) *Error {
	return newError(ErrKindNotFound, "TASK_NOT_FOUND", fmt.Sprintf("task %s not found", taskID), nil)
}

func NewInvalidStateError(taskID string, from Status, op string) *Error {
	return newError(ErrKindState, "InvalidStateTransition", fmt.Sprintf("cannot %s task %s in state %s", op, taskID, from), nil)
}

func NewUnsupportedError(message string) *Error {
	return newError(ErrKindUnsupported, "UNSUPPORTED", message, nil)
}

func NewInternalError(message string, cause error) *Error {
	return newError(ErrKindInternal, "INTERNAL_ERROR", message, cause)
}
