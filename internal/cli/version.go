package cli

import (
	"github.com/spf13/cobra"

	"github.com/agusx1211/courier/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		bi := buildinfo.Current()
		printHeader("courier " + bi.Version)
		printField("Commit", bi.Commit)
		printField("Built", bi.BuildDate)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
