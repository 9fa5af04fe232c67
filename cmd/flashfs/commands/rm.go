package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rmCollect bool

var rmCmd = &cobra.Command{
	Use:   "rm <name>...",
	Short: "Delete files from the image",
	Long: `Rm removes names from the directory. Their blocks are reclaimed by the
garbage collector; pass --gc to run a pass right away.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRm,
}

func init() {
	rmCmd.Flags().BoolVar(&rmCollect, "gc", false, "Run a garbage collection pass afterwards")
}

func runRm(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}

	return withVolume(func(v *volume) error {
		for _, name := range args {
			if err := v.fs.Delete(name); err != nil {
				return err
			}
			p.Success(fmt.Sprintf("Deleted %s", name))
		}
		if !rmCollect {
			return nil
		}
		stats, err := v.fs.Collect(cmd.Context())
		if err != nil {
			return err
		}
		p.Printf("Reclaimed %d blocks\n", stats.Reclaimed)
		return nil
	})
}
