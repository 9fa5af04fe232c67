package prometheus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/flashfs/pkg/fs"
	"github.com/marmos91/flashfs/pkg/fs/fstest"
	"github.com/marmos91/flashfs/pkg/metrics"
)

// gathered indexes the active registry by metric name and label value.
func gathered(t *testing.T) map[string]float64 {
	t.Helper()
	families, err := metrics.GetRegistry().Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "{" + lp.GetValue() + "}"
			}
			switch {
			case m.GetCounter() != nil:
				values[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				values[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return values
}

func TestFSMetricsDisabled(t *testing.T) {
	metrics.Reset()
	assert.Nil(t, NewFSMetrics())
	assert.Nil(t, metrics.NewFSMetrics())
}

func TestFSMetricsRecordsOperations(t *testing.T) {
	metrics.InitRegistry()
	defer metrics.Reset()

	m := metrics.NewFSMetrics()
	require.NotNil(t, m, "init registers the constructor")

	fsys, _ := fstest.NewMem(t, fs.Options{Metrics: m})
	fstest.WriteFile(t, fsys, "app.wasm", fstest.Pattern(1, 3000))

	_, err := fsys.Open("missing")
	require.Error(t, err)
	r, err := fsys.Open("app.wasm")
	require.NoError(t, err)

	w, err := fsys.BeginWrite("scratch")
	require.NoError(t, err)
	values := gathered(t)
	assert.Equal(t, 1.0, values["flashfs_open_handles{reader}"])
	assert.Equal(t, 1.0, values["flashfs_open_handles{writer}"])
	assert.Equal(t, 4.0, values["flashfs_blocks{live}"])
	require.NoError(t, w.Abort())

	require.NoError(t, r.Close())
	require.NoError(t, fsys.Delete("app.wasm"))
	_, err = fsys.Collect(context.Background())
	require.NoError(t, err)

	values = gathered(t)
	assert.Equal(t, 1.0, values["flashfs_commits_total"])
	assert.Equal(t, 1.0, values["flashfs_commit_bytes"])
	assert.Equal(t, 1.0, values["flashfs_open_total{found}"])
	assert.Equal(t, 1.0, values["flashfs_open_total{not_found}"])
	assert.Equal(t, 1.0, values["flashfs_aborts_total"])
	assert.Equal(t, 1.0, values["flashfs_deletes_total"])
	assert.Equal(t, 1.0, values["flashfs_gc_passes_total"])
	assert.Equal(t, 4.0, values["flashfs_gc_reclaimed_blocks_total"])
	assert.Equal(t, 0.0, values["flashfs_blocks{live}"])
	assert.Equal(t, 0.0, values["flashfs_blocks{stale}"])
	assert.Equal(t, float64(fstest.Geometry.BlockCount-fstest.LogBlocks), values["flashfs_blocks{free}"])
	assert.Equal(t, 0.0, values["flashfs_open_handles{reader}"])
}
