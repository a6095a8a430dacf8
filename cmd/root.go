// Package cmd wires the dlforge binary's command-line surface, grounded
// on the teacher's cobra-based cmd/root.go: the serve command takes a
// single-instance lock on the registry database (download, status and
// list open it without that lock), and subcommands drive the same Tool
// Facade the HTTP server exposes.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dlforge/dlforge/internal/config"
)

var (
	// Version is set via ldflags during release builds.
	Version = "dev"
)

var rootCmd = &cobra.Command{
	Use:     "dlforge",
	Short:   "A segmented, resumable HTTP/HTTPS file downloader tool-server",
	Long:    `dlforge splits remote files into byte-range segments, fetches them concurrently, verifies integrity, and exposes the whole lifecycle as a tool-server.`,
	Version: Version,
}

// Execute runs the root command; main.go's only job is to call this.
func Execute() {
	if err := config.EnsureDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "error preparing app directories: %v\n", err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
}
