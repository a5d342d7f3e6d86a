package cli

import (
	"github.com/spf13/cobra"
)

var (
	simulateAsset string
	simulateType  string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Send a synthetic critical issue through the alert channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), simulateAsset, simulateType)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "0x0000000000000000000000000000000000000000000000000000000000000000", "Encoded asset id to report against")
	simulateCmd.Flags().StringVar(&simulateType, "type", "high_latency", "Issue type to simulate")
}
