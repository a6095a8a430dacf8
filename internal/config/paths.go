// Package config resolves on-disk locations for the download core and
// persists user-adjustable runtime settings as JSON.
package config

import (
	"os"
	"path/filepath"
)

const appDirName = "dlforge"

// GetAppDir returns the root directory for all dlforge on-disk state,
// creating it on first use. It honors $DLFORGE_HOME for tests and
// containerized deployments, falling back to the OS user config dir.
func GetAppDir() string {
	if v := os.Getenv("DLFORGE_HOME"); v != "" {
		return v
	}
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		base, _ = os.UserHomeDir()
	}
	return filepath.Join(base, appDirName)
}

// GetLogsDir returns the directory where the telemetry logger writes
// debug-*.log files.
func GetLogsDir() string {
	return filepath.Join(GetAppDir(), "logs")
}

// GetResumeDir returns the directory holding per-task resume records
// (<task_id>.resume.json), per SPEC_FULL.md §4.7.
func GetResumeDir() string {
	return filepath.Join(GetAppDir(), "resume")
}

// GetRegistryPath returns the path to the task registry's SQLite database.
func GetRegistryPath() string {
	return filepath.Join(GetAppDir(), "registry.db")
}

// GetLockPath returns the path to the single-instance writer lock file.
func GetLockPath() string {
	return filepath.Join(GetAppDir(), "dlforge.lock")
}

// EnsureDirs creates every directory dlforge writes to, idempotently.
func EnsureDirs() error {
	for _, dir := range []string{GetAppDir(), GetLogsDir(), GetResumeDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
