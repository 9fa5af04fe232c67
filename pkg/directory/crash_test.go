package directory

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/flashfs/pkg/flash"
)

// logState is the observable content of a directory.
type logState struct {
	Records []Record
	Bad     []uint32
}

func stateOf(l *Log) logState {
	return logState{Records: l.List(), Bad: l.BadBlocks()}
}

// crashScript is a deterministic mix of commits, supersedes, deletes and
// bad block entries, long enough to force several compactions.
func crashScript() []func(l *Log) error {
	var ops []func(l *Log) error
	gen := uint64(0)
	for i := 0; i < 24; i++ {
		gen++
		name := fmt.Sprintf("m%d", i%3)
		g := gen
		blocks := []uint32{uint32(4 + i%10), uint32(5 + i%10)}
		ops = append(ops, func(l *Log) error {
			_, err := l.Commit(Record{Name: name, Generation: g, Length: 700, Blocks: blocks})
			return err
		})
		switch i % 8 {
		case 5:
			ops = append(ops, func(l *Log) error {
				_, err := l.Delete(name)
				return err
			})
		case 7:
			block := uint32(10 + i/8)
			ops = append(ops, func(l *Log) error { return l.MarkBad(block) })
		}
	}
	return ops
}

// TestPowerCutAtEveryOffset cuts power after every possible number of
// programmed bytes and checks that replay yields the state after the last
// fully written entry.
func TestPowerCutAtEveryOffset(t *testing.T) {
	t.Parallel()

	base := flash.MustMemDevice(testGeometry)
	_, err := Format(base, testLogBlocks)
	require.NoError(t, err)
	ops := crashScript()

	// Reference run: state and programmed byte count after each op.
	ref := base.Clone()
	l, err := Open(ref, testLogBlocks)
	require.NoError(t, err)
	start := ref.Programmed()
	states := []logState{stateOf(l)}
	ends := []int64{0}
	for i, op := range ops {
		require.NoError(t, op(l), "op %d", i)
		states = append(states, stateOf(l))
		ends = append(ends, ref.Programmed()-start)
	}
	total := ends[len(ends)-1]
	require.Greater(t, l.Compactions(), uint64(2))

	for cut := int64(0); cut <= total; cut++ {
		dev := base.Clone()
		l, err := Open(dev, testLogBlocks)
		require.NoError(t, err)
		dev.CutPowerAfter(cut)

		failed := -1
		for i, op := range ops {
			if err := op(l); err != nil {
				failed = i
				break
			}
		}

		got, err := Open(dev.Clone(), testLogBlocks)
		require.NoError(t, err, "cut %d", cut)
		have := stateOf(got)

		if failed < 0 {
			require.Equal(t, states[len(states)-1], have, "cut %d", cut)
			continue
		}
		before, after := states[failed], states[failed+1]
		if cut <= ends[failed+1]-8 {
			// The entry's CRC cannot be on flash yet.
			require.Equal(t, before, have, "cut %d in op %d", cut, failed)
			continue
		}
		// Only erased-valued padding may be missing: either outcome is an
		// entry boundary.
		if !reflect.DeepEqual(have, before) {
			require.Equal(t, after, have, "cut %d in op %d", cut, failed)
		}
	}
}

// TestReplayAfterCutThenContinue appends after recovering from every cut
// and checks the combined history replays.
func TestReplayAfterCutThenContinue(t *testing.T) {
	t.Parallel()

	base := flash.MustMemDevice(testGeometry)
	_, err := Format(base, testLogBlocks)
	require.NoError(t, err)
	ops := crashScript()

	for cut := int64(0); cut < 1500; cut += 37 {
		dev := base.Clone()
		l, err := Open(dev, testLogBlocks)
		require.NoError(t, err)
		dev.CutPowerAfter(cut)
		for _, op := range ops {
			if op(l) != nil {
				break
			}
		}

		rebooted := dev.Clone()
		l, err = Open(rebooted, testLogBlocks)
		require.NoError(t, err, "cut %d", cut)
		for i := 0; i < 6; i++ {
			_, err := l.Commit(Record{Name: "post", Generation: l.ReserveGeneration(), Blocks: []uint32{uint32(4 + i)}})
			require.NoError(t, err, "cut %d append %d", cut, i)
		}
		want := stateOf(l)

		again, err := Open(rebooted.Clone(), testLogBlocks)
		require.NoError(t, err, "cut %d", cut)
		require.Equal(t, want, stateOf(again), "cut %d", cut)
	}
}
