// Package config implements the flashfs config subcommands.
package config

import (
	"github.com/spf13/cobra"
)

// Cmd is the parent of the configuration subcommands.
var Cmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
	Long: `Create, validate and inspect the flashfs configuration file.

The file is read from $XDG_CONFIG_HOME/flashfs/config.yaml unless --config
is given. Every key can be overridden with a FLASHFS_ environment variable,
for example FLASHFS_DEVICE_PATH=/tmp/flash.img.`,
	// Subcommands load the file themselves so a broken file can be
	// validated and replaced.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
}

func init() {
	Cmd.AddCommand(initCmd)
	Cmd.AddCommand(validateCmd)
	Cmd.AddCommand(showCmd)
	Cmd.AddCommand(schemaCmd)
}
