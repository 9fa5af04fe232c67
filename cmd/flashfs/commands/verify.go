package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [name]...",
	Short: "Check file checksums",
	Long: `Verify reads every block of the named files, or of all files, and checks
the block checksums and content hash. It fails if any file is damaged.`,
	RunE: runVerify,
}

// verifyResult is the outcome for one file.
type verifyResult struct {
	Name  string `json:"name" yaml:"name"`
	OK    bool   `json:"ok" yaml:"ok"`
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// VerifyResults renders verify outcomes.
type VerifyResults []verifyResult

// Headers implements TableRenderer.
func (vr VerifyResults) Headers() []string { return []string{"NAME", "STATUS"} }

// Rows implements TableRenderer.
func (vr VerifyResults) Rows() [][]string {
	rows := make([][]string, 0, len(vr))
	for _, r := range vr {
		status := "ok"
		if !r.OK {
			status = r.Error
		}
		rows = append(rows, []string{r.Name, status})
	}
	return rows
}

func runVerify(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}

	return withVolume(func(v *volume) error {
		names := args
		if len(names) == 0 {
			records, err := v.fs.List()
			if err != nil {
				return err
			}
			for _, rec := range records {
				names = append(names, rec.Name)
			}
		}

		results := make(VerifyResults, 0, len(names))
		failed := 0
		for _, name := range names {
			r := verifyResult{Name: name, OK: true}
			if _, err := v.fs.VerifyFile(name); err != nil {
				r.OK = false
				r.Error = err.Error()
				failed++
			}
			results = append(results, r)
		}
		if err := p.Print(results); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files failed verification", failed, len(names))
		}
		return nil
	})
}
