package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marmos91/flashfs/pkg/config"
	"github.com/marmos91/flashfs/pkg/upload"
)

var (
	putChunkSize    string
	putManifestPath string
)

var putCmd = &cobra.Command{
	Use:   "put <file|-> [name]",
	Short: "Store a file on the image",
	Long: `Put writes a local file as a new generation of name. Readers of the
previous generation keep their content until they close it.

The content is split into checksummed chunks and committed only once every
chunk has been written and the content hash matches, as a device receiving
the file over a lossy link would do.

Examples:
  # Store app.wasm under its base name
  flashfs put build/app.wasm

  # Store standard input as config.json
  cat config.json | flashfs put - config.json

  # Also write the upload manifest (CBOR)
  flashfs put build/app.wasm --manifest app.manifest`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPut,
}

func init() {
	putCmd.Flags().StringVar(&putChunkSize, "chunk-size", "4KiB", "Upload chunk size")
	putCmd.Flags().StringVar(&putManifestPath, "manifest", "", "Write the upload manifest to this file")
}

func runPut(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}

	source := args[0]
	name := filepath.Base(source)
	if len(args) == 2 {
		name = args[1]
	} else if source == "-" {
		return fmt.Errorf("a name is required when reading standard input")
	}

	chunk, err := config.ParseSize(putChunkSize)
	if err != nil {
		return fmt.Errorf("invalid --chunk-size: %w", err)
	}
	if chunk == 0 || chunk > 1<<30 {
		return fmt.Errorf("invalid --chunk-size: %s", putChunkSize)
	}

	data, err := readSource(source, cmd.InOrStdin())
	if err != nil {
		return err
	}

	m := upload.NewManifest(name, data, uint32(chunk))
	if putManifestPath != "" {
		encoded, err := m.Marshal()
		if err != nil {
			return err
		}
		if err := os.WriteFile(putManifestPath, encoded, 0644); err != nil {
			return fmt.Errorf("failed to write manifest: %w", err)
		}
	}

	return withVolume(func(v *volume) error {
		s, err := upload.Begin(v.fs, m)
		if err != nil {
			return err
		}
		for i := range m.ChunkCount() {
			if err := s.ReceiveChunk(i, m.Chunk(data, i)); err != nil {
				_ = s.Abort()
				return err
			}
		}
		rec, err := s.Finish()
		if err != nil {
			return err
		}

		p.Success(fmt.Sprintf("Stored %s (%s, generation %d, %d blocks)",
			rec.Name, humanize.IBytes(rec.Length), rec.Generation, len(rec.Blocks)))
		return nil
	})
}

func readSource(source string, stdin io.Reader) ([]byte, error) {
	if source == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read standard input: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}
	return data, nil
}
