// Package telemetry provides the download core's structured-ish logging
// and the event types emitted as tasks progress. No third-party logging
// library appears anywhere in the retrieval pack, so this mirrors the
// teacher's own lazily-created, file-per-process debug log (see
// DESIGN.md for the stdlib justification).
package telemetry

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dlforge/dlforge/internal/config"
)

var (
	debugOnce   sync.Once
	debugLogger *log.Logger
	debugFile   *os.File
	debugMu     sync.Mutex
	debugDir    string
)

// ConfigureDebug overrides the directory Debug writes to. Intended for
// tests; production code relies on the config.GetLogsDir() default.
func ConfigureDebug(dir string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugDir = dir
	debugOnce = sync.Once{}
	if debugFile != nil {
		debugFile.Close()
		debugFile = nil
	}
	debugLogger = nil
}

func currentDebugDir() string {
	debugMu.Lock()
	defer debugMu.Unlock()
	if debugDir != "" {
		return debugDir
	}
	return config.GetLogsDir()
}

func ensureLogger() *log.Logger {
	debugOnce.Do(func() {
		dir := currentDebugDir()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return
		}
		name := fmt.Sprintf("debug-%s.log", time.Now().Format("20060102-150405"))
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		debugMu.Lock()
		debugFile = f
		debugLogger = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
		debugMu.Unlock()
	})
	debugMu.Lock()
	defer debugMu.Unlock()
	return debugLogger
}

// Debug writes a formatted line to the process-lifetime debug log,
// creating the log file lazily on first call.
func Debug(format string, args ...any) {
	logger := ensureLogger()
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}

// CleanupLogs deletes the oldest debug-*.log files in the logs directory,
// keeping at most `keep` of the newest ones.
func CleanupLogs(keep int) {
	dir := currentDebugDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasPrefix(e.Name(), "debug-") || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		names = append(names, e.Name())
	}

	// The debug-YYYYMMDD-HHMMSS.log naming scheme sorts lexically in
	// chronological order, so a plain string sort orders oldest-first.
	sort.Strings(names)

	if len(names) <= keep {
		return
	}
	for _, name := range names[:len(names)-keep] {
		os.Remove(filepath.Join(dir, name))
	}
}
