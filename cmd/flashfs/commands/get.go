package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var getVerify bool

var getCmd = &cobra.Command{
	Use:   "get <name> [dest]",
	Short: "Copy a file out of the image",
	Long: `Get writes the current generation of name to dest, or to standard output
when dest is omitted or "-".

Examples:
  flashfs get app.wasm app.wasm
  flashfs get config.json | jq .`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runGet,
}

func init() {
	getCmd.Flags().BoolVar(&getVerify, "verify", true, "Check block checksums and the content hash before writing")
}

func runGet(cmd *cobra.Command, args []string) error {
	name := args[0]
	dest := "-"
	if len(args) == 2 {
		dest = args[1]
	}

	return withVolume(func(v *volume) error {
		r, err := v.fs.Open(name)
		if err != nil {
			return err
		}
		defer func() { _ = r.Close() }()

		view, err := r.View()
		if err != nil {
			return err
		}
		if getVerify {
			if err := view.Verify(); err != nil {
				return err
			}
		}

		var w io.Writer = cmd.OutOrStdout()
		if dest != "-" {
			f, err := os.Create(dest)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", dest, err)
			}
			defer func() { _ = f.Close() }()
			w = f
		}
		if _, err := view.WriteTo(w); err != nil {
			return fmt.Errorf("failed to write %s: %w", dest, err)
		}
		return nil
	})
}
