package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marmos91/flashfs/internal/cli/output"
	"github.com/marmos91/flashfs/internal/logger"
	"github.com/marmos91/flashfs/pkg/config"
	"github.com/marmos91/flashfs/pkg/flash"
	"github.com/marmos91/flashfs/pkg/fs"
	"github.com/marmos91/flashfs/pkg/metrics"
)

var (
	benchCycles    int
	benchHotSize   string
	benchColdFiles int
	benchColdSize  string
	benchMetrics   bool
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a wear leveling workload on an in-memory device",
	Long: `Bench formats an in-memory device with the configured geometry, stores a
set of cold files once and rewrites a hot file for the given number of
cycles while the background collector runs. It reports throughput and the
resulting erase counter spread.

With --metrics (or metrics.enabled in the config) the Prometheus endpoint is
served on metrics.addr while the workload runs.

Examples:
  flashfs bench --cycles 5000
  flashfs bench --metrics --cycles 100000`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().IntVar(&benchCycles, "cycles", 1000, "Hot file rewrites")
	benchCmd.Flags().StringVar(&benchHotSize, "hot-size", "4KiB", "Hot file size")
	benchCmd.Flags().IntVar(&benchColdFiles, "cold-files", 4, "Files written once")
	benchCmd.Flags().StringVar(&benchColdSize, "cold-size", "16KiB", "Cold file size")
	benchCmd.Flags().BoolVar(&benchMetrics, "metrics", false, "Serve Prometheus metrics during the run")
}

// benchReport is the outcome of a bench run.
type benchReport struct {
	Cycles   int            `json:"cycles" yaml:"cycles"`
	Duration time.Duration  `json:"duration_ns" yaml:"duration"`
	Written  uint64         `json:"bytes_written" yaml:"bytes_written"`
	Volume   fs.VolumeStats `json:"volume" yaml:"volume"`
}

func runBench(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}

	hotSize, err := config.ParseSize(benchHotSize)
	if err != nil {
		return fmt.Errorf("invalid --hot-size: %w", err)
	}
	coldSize, err := config.ParseSize(benchColdSize)
	if err != nil {
		return fmt.Errorf("invalid --cold-size: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := cfg.FSOptions()
	if benchMetrics || cfg.Metrics.Enabled {
		metrics.InitRegistry()
		defer metrics.Reset()
		opts.Metrics = metrics.NewFSMetrics()

		shutdown := serveMetrics(cfg.Metrics.Addr)
		defer shutdown()
	}

	dev, err := flash.NewMemDevice(cfg.Device.Geometry())
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	fsys, err := fs.Format(dev, opts)
	if err != nil {
		return err
	}

	collectorDone := make(chan struct{})
	collectorCtx, cancelCollector := context.WithCancel(ctx)
	go func() {
		defer close(collectorDone)
		if cfg.GC.Interval > 0 {
			_ = fsys.RunCollector(collectorCtx, cfg.GC.Interval)
		}
	}()

	report := benchReport{}
	start := time.Now()
	runErr := func() error {
		for i := range benchColdFiles {
			n, err := storeGenerated(fsys, fmt.Sprintf("cold-%d", i), uint64(coldSize), i)
			if err != nil {
				return err
			}
			report.Written += n
		}
		for cycle := range benchCycles {
			if ctx.Err() != nil {
				logger.Info("Bench interrupted", "cycle", cycle)
				return nil
			}
			n, err := storeGenerated(fsys, "hot", uint64(hotSize), cycle)
			if err != nil {
				return fmt.Errorf("cycle %d: %w", cycle, err)
			}
			report.Written += n
			report.Cycles++
		}
		return nil
	}()
	report.Duration = time.Since(start)

	cancelCollector()
	<-collectorDone
	report.Volume = fsys.Stat()
	if err := fsys.Close(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return runErr
	}

	if p.Format() != output.FormatTable {
		return p.Print(report)
	}
	rate := float64(report.Cycles) / report.Duration.Seconds()
	blocks := report.Volume.Blocks
	return output.KeyValues(p.Writer(), [][2]string{
		{"Cycles", strconv.Itoa(report.Cycles)},
		{"Duration", report.Duration.Round(time.Millisecond).String()},
		{"Commits/s", strconv.FormatFloat(rate, 'f', 1, 64)},
		{"Written", humanize.IBytes(report.Written)},
		{"Erase counts", fmt.Sprintf("%d..%d (spread %d)", blocks.MinErase, blocks.MaxErase, blocks.Spread())},
		{"Free", strconv.Itoa(blocks.Free)},
		{"Bad", strconv.Itoa(blocks.Bad)},
	})
}

// storeGenerated writes size bytes of a seeded pattern to name.
func storeGenerated(fsys *fs.FS, name string, size uint64, seed int) (uint64, error) {
	w, err := fsys.BeginWrite(name)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 4096)
	var written uint64
	for written < size {
		n := min(uint64(len(buf)), size-written)
		for i := range buf[:n] {
			buf[i] = byte(seed + int(written) + i*7)
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return 0, err
		}
		written += n
	}
	if _, err := w.Finalize(); err != nil {
		return 0, err
	}
	return written, nil
}

// serveMetrics serves /metrics on addr until the returned function is
// called.
func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Metrics server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", logger.KeyError, err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
