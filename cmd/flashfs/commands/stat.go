package commands

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marmos91/flashfs/internal/cli/output"
	"github.com/marmos91/flashfs/pkg/alloc"
	"github.com/marmos91/flashfs/pkg/fs"
)

var statBlocks bool

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Show volume statistics",
	Long: `Stat prints the geometry, directory usage, block states and erase counter
spread of the image. --blocks adds the state of every block.`,
	RunE: runStat,
}

func init() {
	statCmd.Flags().BoolVar(&statBlocks, "blocks", false, "List every block")
}

// statReport is the structured form of stat.
type statReport struct {
	fs.VolumeStats `yaml:",inline"`
	BlockTable     []alloc.BlockInfo `json:"block_table,omitempty" yaml:"block_table,omitempty"`
}

func runStat(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}

	return withVolume(func(v *volume) error {
		report := statReport{VolumeStats: v.fs.Stat()}
		if statBlocks {
			report.BlockTable = v.fs.Blocks()
		}
		if p.Format() != output.FormatTable {
			return p.Print(report)
		}

		if err := output.KeyValues(p.Writer(), statPairs(report.VolumeStats)); err != nil {
			return err
		}
		if !statBlocks {
			return nil
		}
		p.Printf("\n")
		return p.Print(blockTable(report.BlockTable))
	})
}

func statPairs(s fs.VolumeStats) [][2]string {
	return [][2]string{
		{"Volume", s.Volume},
		{"Geometry", fmt.Sprintf("%d x %s, align %d", s.Geometry.BlockCount, humanize.IBytes(uint64(s.Geometry.BlockSize)), s.Geometry.ProgramAlign)},
		{"Directory", fmt.Sprintf("%d blocks, %s used, sequence %d", s.LogBlocks, humanize.IBytes(uint64(s.LogUsed)), s.Sequence)},
		{"Files", strconv.Itoa(s.Files)},
		{"Max file size", humanize.IBytes(s.MaxFileSize)},
		{"Free", strconv.Itoa(s.Blocks.Free)},
		{"Live", strconv.Itoa(s.Blocks.Live)},
		{"Stale", strconv.Itoa(s.Blocks.Stale)},
		{"Bad", strconv.Itoa(s.Blocks.Bad)},
		{"Erase counts", fmt.Sprintf("%d..%d (spread %d)", s.Blocks.MinErase, s.Blocks.MaxErase, s.Blocks.Spread())},
	}
}

func blockTable(blocks []alloc.BlockInfo) *output.Table {
	table := output.NewTable("BLOCK", "STATE", "ERASES", "OWNER")
	for _, b := range blocks {
		owner := "-"
		if b.Owner != 0 {
			owner = strconv.FormatUint(b.Owner, 10)
		}
		table.AddRow(strconv.FormatUint(uint64(b.Index), 10), b.State.String(), strconv.FormatUint(uint64(b.EraseCount), 10), owner)
	}
	return table
}
