package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show a download task's current status",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f := buildFacade()
		env := f.GetDownloadStatus(context.Background(), args[0])
		printEnvelope(env)
		if !env.Success {
			os.Exit(1)
		}
	},
}
