package registry

import (
	"github.com/gofrs/flock"

	"github.com/dlforge/dlforge/internal/coretypes"
)

// InstanceLock guards the registry database against concurrent writers
// from a second process, the same single-instance pattern the teacher
// uses for its own surge.lock.
type InstanceLock struct {
	fl   *flock.Flock
	path string
}

// AcquireLock attempts to take the exclusive file lock at path without
// blocking. ok is false (with a nil error) when another process already
// holds it.
func AcquireLock(path string) (lock *InstanceLock, ok bool, err error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, coretypes.NewFilesystemError("acquiring instance lock", err)
	}
	if !locked {
		return nil, false, nil
	}
	return &InstanceLock{fl: fl, path: path}, true, nil
}

// Release unlocks the file. Safe to call on a nil lock.
func (l *InstanceLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
