package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soulseekd/soulseekd/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file",
	Long: `Write a configuration file with the default settings.

The file is created at $XDG_CONFIG_HOME/soulseekd/config.yaml unless
--config points elsewhere. Edit it afterwards to set the Soulseek
account credentials and the shared directories.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configFile
	if path == "" {
		path = config.DefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
	}

	if err := config.Save(config.Default(), path); err != nil {
		return err
	}

	fmt.Printf("Configuration file created at: %s\n\n", path)
	fmt.Println("Next steps:")
	fmt.Println("  1. Set soulseek.username and soulseek.password")
	fmt.Println("  2. Add directories under shares.directories")
	fmt.Println("  3. Start the daemon: soulseekd start")
	return nil
}
