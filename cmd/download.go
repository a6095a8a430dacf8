package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dlforge/dlforge/internal/coretypes"
)

var downloadCmd = &cobra.Command{
	Use:     "download [url] [output-path]",
	Aliases: []string{"get"},
	Short:   "Download a file through the local tool-server's core",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		concurrency, _ := cmd.Flags().GetInt("max-concurrency")
		blocking, _ := cmd.Flags().GetBool("wait")

		workMode := coretypes.NonBlocking
		if blocking {
			workMode = coretypes.Blocking
		}

		f := buildFacade()
		env := f.DownloadFile(context.Background(), coretypes.DownloadConfig{
			URL:            args[0],
			OutputPath:     args[1],
			MaxConcurrency: concurrency,
			WorkMode:       workMode,
			EnableResume:   true,
		})
		printEnvelope(env)
		if !env.Success {
			os.Exit(1)
		}
	},
}

func init() {
	downloadCmd.Flags().IntP("max-concurrency", "c", 4, "number of concurrent segments")
	downloadCmd.Flags().BoolP("wait", "w", false, "block until the download finishes")
}

func printEnvelope(env any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(env); err != nil {
		fmt.Fprintf(os.Stderr, "error encoding response: %v\n", err)
	}
}
