package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"oracle-index/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stdout, version.String())
	},
}
