package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dlforge/dlforge/internal/toolfacade"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List known download tasks",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		f := buildFacade()
		env := f.ListDownloads(context.Background(), toolfacade.ListDownloadsArgs{Limit: limit, Offset: offset})
		printEnvelope(env)
	},
}

func init() {
	listCmd.Flags().Int("limit", 20, "maximum tasks to return")
	listCmd.Flags().Int("offset", 0, "pagination offset")
}
