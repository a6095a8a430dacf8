package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/dlforge/dlforge/internal/coretypes"
)

// Settings holds process-wide, user-adjustable tunables, organized by
// category the way the teacher's settings.json is.
type Settings struct {
	Connections ConnectionSettings  `json:"connections"`
	Chunks      ChunkSettings       `json:"chunks"`
	Performance PerformanceSettings `json:"performance"`
}

type ConnectionSettings struct {
	MaxConnectionsPerHost int    `json:"max_connections_per_host"`
	MaxConcurrentTasks    int    `json:"max_concurrent_tasks"`
	UserAgent             string `json:"user_agent"`
	ProxyURL              string `json:"proxy_url"`
	SkipTLSVerification   bool   `json:"skip_tls_verification"`
}

type ChunkSettings struct {
	MinChunkSize    int64 `json:"min_chunk_size"`
	MaxChunkSize    int64 `json:"max_chunk_size"`
	TargetChunkSize int64 `json:"target_chunk_size"`
	WorkerBufferSize int  `json:"worker_buffer_size"`
}

type PerformanceSettings struct {
	MaxTaskRetries        int           `json:"max_task_retries"`
	SlowWorkerThreshold   float64       `json:"slow_worker_threshold"`
	SlowWorkerGracePeriod time.Duration `json:"slow_worker_grace_period"`
	StallTimeout          time.Duration `json:"stall_timeout"`
	SpeedEmaAlpha         float64       `json:"speed_ema_alpha"`
}

// DefaultSettings mirrors coretypes' package defaults so an absent
// settings.json behaves identically to a nil *coretypes.RuntimeConfig.
func DefaultSettings() *Settings {
	return &Settings{
		Connections: ConnectionSettings{
			MaxConnectionsPerHost: coretypes.PerHostMax,
			MaxConcurrentTasks:    coretypes.DefaultMaxConcurrentTasks,
		},
		Chunks: ChunkSettings{
			MinChunkSize:     coretypes.MinChunk,
			MaxChunkSize:     coretypes.MaxChunk,
			TargetChunkSize:  coretypes.TargetChunk,
			WorkerBufferSize: coretypes.WorkerBuffer,
		},
		Performance: PerformanceSettings{
			MaxTaskRetries:        coretypes.DefaultRetryCount + 1,
			SlowWorkerThreshold:   coretypes.SlowWorkerThreshold,
			SlowWorkerGracePeriod: coretypes.SlowWorkerGrace,
			StallTimeout:          coretypes.StallTimeout,
			SpeedEmaAlpha:         coretypes.SpeedEMAAlpha,
		},
	}
}

// GetSettingsPath returns the path to the settings JSON file.
func GetSettingsPath() string {
	return filepath.Join(GetAppDir(), "settings.json")
}

// LoadSettings loads settings from disk, returning defaults (not an error)
// if no settings file has been written yet.
func LoadSettings() (*Settings, error) {
	path := GetSettingsPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, coretypes.NewFilesystemError("reading settings file", err)
	}

	settings := DefaultSettings()
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, coretypes.NewFilesystemError("parsing settings file", err)
	}
	return settings, nil
}

// SaveSettings writes settings to disk atomically: write to a sibling temp
// file, then rename over the destination, so a crash mid-write never
// leaves a partially-written settings.json behind.
func SaveSettings(s *Settings) error {
	path := GetSettingsPath()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return coretypes.NewFilesystemError("creating settings directory", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return coretypes.NewInternalError("marshaling settings", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return coretypes.NewFilesystemError("writing temp settings file", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return coretypes.NewFilesystemError("renaming temp settings file", err)
	}
	return nil
}

// ToRuntimeConfig adapts Settings to the shape consumed by the planner,
// worker pool and orchestrator.
func (s *Settings) ToRuntimeConfig() *coretypes.RuntimeConfig {
	return &coretypes.RuntimeConfig{
		MaxConnectionsPerHost: s.Connections.MaxConnectionsPerHost,
		MaxConcurrentTasks:    s.Connections.MaxConcurrentTasks,
		UserAgent:             s.Connections.UserAgent,
		ProxyURL:              s.Connections.ProxyURL,
		SkipTLSVerification:   s.Connections.SkipTLSVerification,
		MinChunkSize:          s.Chunks.MinChunkSize,
		MaxChunkSize:          s.Chunks.MaxChunkSize,
		TargetChunkSize:       s.Chunks.TargetChunkSize,
		WorkerBufferSize:      s.Chunks.WorkerBufferSize,
		MaxTaskRetries:        s.Performance.MaxTaskRetries,
		SlowWorkerThreshold:   s.Performance.SlowWorkerThreshold,
		SlowWorkerGracePeriod: s.Performance.SlowWorkerGracePeriod,
		StallTimeout:          s.Performance.StallTimeout,
		SpeedEmaAlpha:         s.Performance.SpeedEmaAlpha,
	}
}
