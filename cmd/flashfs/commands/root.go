// Package commands implements the flashfs command line tool.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	configcmd "github.com/marmos91/flashfs/cmd/flashfs/commands/config"
	"github.com/marmos91/flashfs/internal/cli/output"
	"github.com/marmos91/flashfs/internal/logger"
	"github.com/marmos91/flashfs/pkg/config"

	// Import prometheus metrics to register init() functions
	_ "github.com/marmos91/flashfs/pkg/metrics/prometheus"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Global flags
var (
	configFile   string
	imagePath    string
	outputFormat string
	noColor      bool
	verbose      bool
)

// cfg is the configuration loaded before every command runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "flashfs",
	Short: "Manage flash filesystem images",
	Long: `flashfs formats, inspects and modifies flash filesystem images.

An image stores a NOR flash medium in a regular file: the erase blocks, their
erase counters and the filesystem written on them. Files are immutable; every
put writes a new generation and the previous one is reclaimed by the garbage
collector once nothing reads it.

Use "flashfs [command] --help" for more information about a command.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: $XDG_CONFIG_HOME/flashfs/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&imagePath, "image", "i", "", "Flash image file (overrides device.path)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table|json|yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(configcmd.Cmd)
	rootCmd.AddCommand(completionCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the configuration, applies flag overrides and sets up
// logging.
func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if imagePath != "" {
		loaded.Device.Path = imagePath
	}
	if verbose {
		loaded.Logging.Level = "DEBUG"
	}
	if err := logger.Init(loaded.LoggerConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	cfg = loaded
	return nil
}

// newPrinter returns a printer for the --output flag writing to the
// command's output.
func newPrinter(cmd *cobra.Command) (*output.Printer, error) {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}
	out := cmd.OutOrStdout()
	color := false
	if f, ok := out.(*os.File); ok && !noColor {
		color = term.IsTerminal(int(f.Fd()))
	}
	return output.NewPrinter(out, format, color), nil
}
