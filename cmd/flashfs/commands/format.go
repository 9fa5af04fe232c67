package commands

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marmos91/flashfs/internal/cli/prompt"
	"github.com/marmos91/flashfs/pkg/flash"
	"github.com/marmos91/flashfs/pkg/fs"
)

var (
	formatForce    bool
	formatRecreate bool
)

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Format a flash image",
	Long: `Format writes an empty directory to the image, creating the image with the
configured geometry if it does not exist yet.

Formatting an existing image drops every file on it. Its blocks are erased by
the next garbage collection, so their erase counters are preserved. Use
--recreate to discard the image and apply a new geometry.

Examples:
  # Create a 1 MiB image with 4 KiB blocks
  flashfs format --image flash.img

  # Reformat without asking
  flashfs format --force`,
	RunE: runFormat,
}

func init() {
	formatCmd.Flags().BoolVarP(&formatForce, "force", "f", false, "Skip confirmation prompt")
	formatCmd.Flags().BoolVar(&formatRecreate, "recreate", false, "Delete the image and create it with the configured geometry")
}

func runFormat(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}

	path := cfg.Device.Path
	if _, err := os.Stat(path); err == nil {
		confirmed, err := prompt.ConfirmWithForce(fmt.Sprintf("Erase all files in %s", path), formatForce)
		if err != nil {
			return err
		}
		if !confirmed {
			p.Warning("Aborted")
			return nil
		}
		if formatRecreate {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove image: %w", err)
			}
		}
	}

	geo := cfg.Device.Geometry()
	dev, err := flash.OpenFileDevice(path, geo)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer func() { _ = dev.Close() }()

	fsys, err := fs.Format(dev, cfg.FSOptions())
	if err != nil {
		return fmt.Errorf("failed to format %s: %w", path, err)
	}
	stats := fsys.Stat()
	if err := fsys.Close(); err != nil {
		return err
	}

	p.Success(fmt.Sprintf("Formatted %s: %d blocks of %s, %s usable per file, volume %s",
		path,
		stats.Geometry.BlockCount,
		humanize.IBytes(uint64(stats.Geometry.BlockSize)),
		humanize.IBytes(stats.MaxFileSize),
		stats.Volume))
	return nil
}
