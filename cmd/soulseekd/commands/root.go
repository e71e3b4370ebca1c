// Package commands implements the soulseekd CLI commands.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "soulseekd",
	Short: "Soulseek upload daemon",
	Long: `soulseekd is a headless Soulseek upload daemon.

It shares configured directories on the Soulseek network, schedules
incoming upload requests across per-group slots, paces transfers with
per-group speed limits, and records every transfer in a local database.

Use "soulseekd [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Path to config file (default: $XDG_CONFIG_HOME/soulseekd/config.yaml)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(transfersCmd)
}
