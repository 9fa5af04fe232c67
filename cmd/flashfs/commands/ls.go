package commands

import (
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marmos91/flashfs/internal/cli/output"
	"github.com/marmos91/flashfs/pkg/directory"
)

var lsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List files on the image",
	RunE:    runLs,
}

// fileEntry is the listing form of a directory record.
type fileEntry struct {
	Name       string `json:"name" yaml:"name"`
	Size       uint64 `json:"size" yaml:"size"`
	Generation uint64 `json:"generation" yaml:"generation"`
	Blocks     int    `json:"blocks" yaml:"blocks"`
	Hash       string `json:"hash" yaml:"hash"`
}

// FileList is a list of files for table rendering.
type FileList []fileEntry

// Headers implements TableRenderer.
func (fl FileList) Headers() []string {
	return []string{"NAME", "SIZE", "GENERATION", "BLOCKS", "HASH"}
}

// Rows implements TableRenderer.
func (fl FileList) Rows() [][]string {
	rows := make([][]string, 0, len(fl))
	for _, f := range fl {
		rows = append(rows, []string{
			f.Name,
			humanize.IBytes(f.Size),
			strconv.FormatUint(f.Generation, 10),
			strconv.Itoa(f.Blocks),
			f.Hash[:16],
		})
	}
	return rows
}

func newFileList(records []directory.Record) FileList {
	list := make(FileList, 0, len(records))
	for _, rec := range records {
		list = append(list, fileEntry{
			Name:       rec.Name,
			Size:       rec.Length,
			Generation: rec.Generation,
			Blocks:     len(rec.Blocks),
			Hash:       rec.HashString(),
		})
	}
	return list
}

func runLs(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}

	return withVolume(func(v *volume) error {
		records, err := v.fs.List()
		if err != nil {
			return err
		}
		if len(records) == 0 && p.Format() == output.FormatTable {
			p.Printf("No files\n")
			return nil
		}
		return p.Print(newFileList(records))
	})
}
