package cli

import (
	"github.com/spf13/cobra"

	"oracle-index/internal/app"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show indexer progress, discovered assets, and recent issues",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context(), app.StatusOptions{Limit: statusLimit})
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Maximum rows per table")
}
