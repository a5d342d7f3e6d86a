package cli

import (
	"github.com/spf13/cobra"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Drain historical events up to the current chain tip, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Backfill(cmd.Context())
	},
}
