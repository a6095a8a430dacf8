package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDebug_CreatesLogFile(t *testing.T) {
	dir := t.TempDir()
	ConfigureDebug(dir)
	defer ConfigureDebug("")

	Debug("test message from unit test")
	time.Sleep(50 * time.Millisecond)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read logs directory: %v", err)
	}

	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "debug-") && strings.HasSuffix(e.Name(), ".log") {
			found = true
		}
	}
	if !found {
		t.Error("expected a debug-*.log file to be created")
	}
}

func TestDebug_FormatsMessage(t *testing.T) {
	dir := t.TempDir()
	ConfigureDebug(dir)
	defer ConfigureDebug("")

	Debug("message with %s and %d", "string", 42)
	Debug("plain message without formatting")
	Debug("")
}

func TestCleanupLogs(t *testing.T) {
	dir := t.TempDir()

	baseTime := time.Now()
	for i := 0; i < 10; i++ {
		ts := baseTime.Add(time.Duration(i) * time.Hour)
		name := fmt.Sprintf("debug-%s.log", ts.Format("20060102-150405"))
		if err := os.WriteFile(filepath.Join(dir, name), []byte("dummy"), 0o644); err != nil {
			t.Fatalf("failed to write dummy log: %v", err)
		}
	}

	ConfigureDebug(dir)
	defer ConfigureDebug("")

	CleanupLogs(5)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir after cleanup: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 files remaining, got %d", len(entries))
	}

	newest := fmt.Sprintf("debug-%s.log", baseTime.Add(9*time.Hour).Format("20060102-150405"))
	found := false
	for _, e := range entries {
		if e.Name() == newest {
			found = true
		}
	}
	if !found {
		t.Errorf("expected newest file %s to survive cleanup", newest)
	}
}
