package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/dlforge/dlforge/internal/config"
	"github.com/dlforge/dlforge/internal/coretypes"
	"github.com/dlforge/dlforge/internal/registry"
	"github.com/dlforge/dlforge/internal/telemetry"
	"github.com/dlforge/dlforge/internal/toolfacade"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tool-server, exposing every tool call over HTTP",
	Long:  `Starts an HTTP server where each JSON-RPC-style tool from the external interface is a POST endpoint, mirroring the teacher's browser-extension server mode.`,
	Run: func(cmd *cobra.Command, args []string) {
		lock, acquired, err := registry.AcquireLock(config.GetLockPath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "error acquiring instance lock: %v\n", err)
			os.Exit(1)
		}
		if !acquired {
			fmt.Fprintln(os.Stderr, "error: a dlforge tool-server is already running")
			os.Exit(1)
		}
		defer lock.Release()

		port, _ := cmd.Flags().GetInt("port")
		startHTTPServer(port)
	},
}

func init() {
	serveCmd.Flags().IntP("port", "P", 8090, "Port to listen on for tool calls")
}

func startHTTPServer(port int) {
	f := buildFacade()
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats, err := f.Stats(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "stats": stats})
	})

	mux.HandleFunc("/tools/pre_request", postOnly(handlePreRequest(f)))
	mux.HandleFunc("/tools/download_file", postOnly(handleDownloadFile(f)))
	mux.HandleFunc("/tools/get_download_status", postOnly(handleGetDownloadStatus(f)))
	mux.HandleFunc("/tools/pause_download", postOnly(handleTaskControl(f.PauseDownload)))
	mux.HandleFunc("/tools/resume_download", postOnly(handleTaskControl(f.ResumeDownload)))
	mux.HandleFunc("/tools/cancel_download", postOnly(handleTaskControl(f.CancelDownload)))
	mux.HandleFunc("/tools/list_downloads", postOnly(handleListDownloads(f)))
	mux.HandleFunc("/tools/verify_integrity", postOnly(handleVerifyIntegrity(f)))

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	telemetry.Debug("starting tool-server on %s", addr)

	server := &http.Server{Addr: addr, Handler: corsMiddleware(mux)}
	if err := server.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "tool-server error: %v\n", err)
		os.Exit(1)
	}
}

// corsMiddleware allows local tool clients (browser extensions, sidecar
// processes) to call the tool-server cross-origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func postOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeEnvelope(w http.ResponseWriter, env toolfacade.Envelope) {
	status := http.StatusOK
	if !env.Success {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, env)
}

type preRequestBody struct {
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Headers         map[string]string `json:"headers"`
	SessionID       string            `json:"session_id"`
	TimeoutMs       int               `json:"timeout"`
	FollowRedirects *bool             `json:"follow_redirects"`
	UserAgent       string            `json:"user_agent"`
	Referer         string            `json:"referer"`
}

func handlePreRequest(f *toolfacade.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body preRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		env := f.PreRequest(r.Context(), toolfacade.PreRequestArgs{
			URL:             body.URL,
			Method:          body.Method,
			Headers:         body.Headers,
			SessionID:       body.SessionID,
			TimeoutMs:       body.TimeoutMs,
			FollowRedirects: body.FollowRedirects,
			UserAgent:       body.UserAgent,
			Referer:         body.Referer,
		})
		writeEnvelope(w, env)
	}
}

func handleDownloadFile(f *toolfacade.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg coretypes.DownloadConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		writeEnvelope(w, f.DownloadFile(r.Context(), cfg))
	}
}

func handleGetDownloadStatus(f *toolfacade.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TaskID coretypes.TaskId `json:"task_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		writeEnvelope(w, f.GetDownloadStatus(r.Context(), body.TaskID))
	}
}

func handleTaskControl(fn func(ctx context.Context, taskID coretypes.TaskId) toolfacade.Envelope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TaskID coretypes.TaskId `json:"task_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		writeEnvelope(w, fn(r.Context(), body.TaskID))
	}
}

func handleListDownloads(f *toolfacade.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Status *coretypes.Status `json:"status"`
			Limit  int               `json:"limit"`
			Offset int               `json:"offset"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		writeEnvelope(w, f.ListDownloads(r.Context(), toolfacade.ListDownloadsArgs{
			Status: body.Status,
			Limit:  body.Limit,
			Offset: body.Offset,
		}))
	}
}

func handleVerifyIntegrity(f *toolfacade.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			FilePath         string              `json:"file_path"`
			Algorithm        coretypes.Algorithm `json:"algorithm"`
			ExpectedChecksum string              `json:"expected_checksum"`
			CompareWith      string              `json:"compare_with"`
			GenerateReport   bool                `json:"generate_report"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		writeEnvelope(w, f.VerifyIntegrity(r.Context(), toolfacade.VerifyIntegrityArgs{
			FilePath:         body.FilePath,
			Algorithm:        body.Algorithm,
			ExpectedChecksum: body.ExpectedChecksum,
			CompareWith:      body.CompareWith,
			GenerateReport:   body.GenerateReport,
		}))
	}
}
