package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashfs/internal/cli/output"
)

var (
	gcDryRun       bool
	gcNoRelocation bool
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run a garbage collection pass",
	Long: `Gc erases stale blocks that no reader references and, when the erase
counter spread exceeds the configured threshold, relocates cold files onto
worn blocks.

Examples:
  # Show what a pass would do
  flashfs gc --dry-run

  # Reclaim only
  flashfs gc --no-relocation`,
	RunE: runGC,
}

func init() {
	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "Report without erasing or moving blocks")
	gcCmd.Flags().BoolVar(&gcNoRelocation, "no-relocation", false, "Skip static wear leveling")
}

func runGC(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}

	opts := cfg.GC.Options()
	opts.DryRun = gcDryRun
	if gcNoRelocation {
		opts.MaxRelocations = 0
	}

	return withVolume(func(v *volume) error {
		stats, err := v.fs.CollectWith(cmd.Context(), &opts)
		if err != nil {
			return err
		}
		if p.Format() != output.FormatTable {
			return p.Print(stats)
		}

		if gcDryRun {
			p.Printf("Dry run, nothing changed\n")
		}
		return output.KeyValues(p.Writer(), [][2]string{
			{"Reclaimed", strconv.Itoa(stats.Reclaimed)},
			{"Still referenced", strconv.Itoa(stats.StillReferenced)},
			{"Relocated", fmt.Sprintf("%d files, %d blocks", stats.Relocated, stats.BlocksRelocated)},
			{"Errors", strconv.Itoa(stats.Errors)},
			{"Free", fmt.Sprintf("%d -> %d", stats.FreeBefore, stats.FreeAfter)},
			{"Spread", fmt.Sprintf("%d -> %d", stats.SpreadBefore, stats.SpreadAfter)},
		})
	})
}
