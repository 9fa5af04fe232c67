package config

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marmos91/flashfs/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the flashfs configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  flashfs config validate

  # Validate specific config file
  flashfs config validate --config /etc/flashfs/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	// Get config path from parent's persistent flag
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	var warnings []string
	if cfg.GC.MaxRelocations < 0 || cfg.GC.WearSpreadThreshold == 0 {
		warnings = append(warnings, "Static wear leveling is disabled - cold files will pin their blocks")
	}
	if cfg.GC.Interval == 0 {
		warnings = append(warnings, "Background collection is disabled - blocks are only reclaimed when the pool runs out")
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file: %s\n", displayPath)
	_, _ = fmt.Fprintln(out, "Validation: OK")

	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	geo := cfg.Device.Geometry()
	_, _ = fmt.Fprintf(out, "\nConfiguration summary:\n")
	_, _ = fmt.Fprintf(out, "  Image:           %s\n", cfg.Device.Path)
	_, _ = fmt.Fprintf(out, "  Geometry:        %d x %s (align %d)\n", geo.BlockCount, humanize.IBytes(uint64(geo.BlockSize)), geo.ProgramAlign)
	_, _ = fmt.Fprintf(out, "  Directory ring:  %d blocks\n", cfg.Device.LogBlocks)
	_, _ = fmt.Fprintf(out, "  GC interval:     %s\n", cfg.GC.Interval)
	_, _ = fmt.Fprintf(out, "  Log level:       %s\n", cfg.Logging.Level)
	return nil
}
