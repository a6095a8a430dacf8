// Package resume implements the Resume Store (SPEC_FULL.md §4.7): a
// JSON file per task, written atomically, recording enough state to
// restart a task's segments after a process restart.
package resume

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/dlforge/dlforge/internal/coretypes"
)

// Store persists ResumeRecords under a single directory, one
// <task_id>.resume.json file per task.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. The directory is created lazily on
// first Save.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(taskID coretypes.TaskId) string {
	return filepath.Join(s.dir, taskID+".resume.json")
}

// Save writes rec atomically: to a temp file, then renamed over the
// destination, so a crash mid-write never corrupts a resumable record.
func (s *Store) Save(rec *coretypes.ResumeRecord) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return coretypes.NewFilesystemError("creating resume directory", err)
	}

	rec.Version = coretypes.ResumeRecordVersion
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return coretypes.NewInternalError("marshaling resume record", err)
	}

	dest := s.path(rec.TaskID)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return coretypes.NewFilesystemError("writing temp resume record", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return coretypes.NewFilesystemError("renaming temp resume record", err)
	}
	return nil
}

// Load reads the resume record for taskID. A missing file is reported as
// a *coretypes.Error with ErrKindNotFound.
func (s *Store) Load(taskID coretypes.TaskId) (*coretypes.ResumeRecord, error) {
	data, err := os.ReadFile(s.path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, coretypes.NewNotFoundError(taskID)
		}
		return nil, coretypes.NewFilesystemError("reading resume record", err)
	}

	var rec coretypes.ResumeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, coretypes.NewFilesystemError("parsing resume record", err)
	}
	return &rec, nil
}

// Delete removes the resume record for taskID, if any. Deleting a
// non-existent record is not an error.
func (s *Store) Delete(taskID coretypes.TaskId) error {
	err := os.Remove(s.path(taskID))
	if err != nil && !os.IsNotExist(err) {
		return coretypes.NewFilesystemError("deleting resume record", err)
	}
	return nil
}

// Exists reports whether a resume record is on disk for taskID.
func (s *Store) Exists(taskID coretypes.TaskId) bool {
	_, err := os.Stat(s.path(taskID))
	return err == nil
}

// IsStillValid reports whether a previously saved record still matches
// what the server currently advertises, per §4.7: if ETag or
// Last-Modified changed, or the size disagrees, the resume data is
// stale and a fresh download must start instead.
func IsStillValid(rec *coretypes.ResumeRecord, fresh coretypes.ServerMetadata) bool {
	if fresh.ETag != "" && rec.ETag != "" && fresh.ETag != rec.ETag {
		return false
	}
	if fresh.LastModified != "" && rec.LastModified != "" && fresh.LastModified != rec.LastModified {
		return false
	}
	if fresh.ContentLength != nil && *fresh.ContentLength != rec.TotalSize {
		return false
	}
	return true
}
