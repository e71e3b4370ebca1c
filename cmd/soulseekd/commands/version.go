package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/soulseekd/soulseekd/internal/cli/output"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return output.SimpleTable(os.Stdout, [][2]string{
			{"Version", Version},
			{"Commit", Commit},
			{"Built", Date},
		})
	},
}
