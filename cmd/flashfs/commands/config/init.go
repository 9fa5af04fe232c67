package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashfs/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a configuration file with default values.

Examples:
  # Create the default config file
  flashfs config init

  # Create a config file at a custom location
  flashfs config init --config ./flashfs.yaml

  # Overwrite an existing file
  flashfs config init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	var (
		path string
		err  error
	)
	if configPath != "" {
		path = configPath
		err = config.InitConfigToPath(configPath, initForce)
	} else {
		path, err = config.InitConfig(initForce)
	}
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
	return nil
}
