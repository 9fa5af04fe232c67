// Package alloc tracks the state of every physical block and hands out free
// blocks with wear leveling.
//
// Free blocks are kept in a B-tree ordered by (erase count, index), so the
// least-worn block is always allocated first. Blocks move between states as
// follows:
//
//	free --Allocate--> live --MarkStale--> stale --Reclaim--> free
//	any  --MarkBad---> bad
//
// Reclaim erases the block and is the only transition back to free. It
// requires proof that nothing references the owning allocation.
package alloc

import (
	"fmt"
	"sort"

	"github.com/google/btree"

	fserrors "github.com/marmos91/flashfs/pkg/errors"
	"github.com/marmos91/flashfs/pkg/flash"
)

// State is the allocation state of a block.
type State uint8

const (
	// StateFree blocks are erased and available.
	StateFree State = iota

	// StateLive blocks hold data of a committed record or of an open writer.
	StateLive

	// StateStale blocks hold superseded, deleted or abandoned data.
	StateStale

	// StateReserved blocks belong to the directory log.
	StateReserved

	// StateBad blocks failed an operation and are never used again.
	StateBad
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateLive:
		return "live"
	case StateStale:
		return "stale"
	case StateReserved:
		return "reserved"
	case StateBad:
		return "bad"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// NoOwner is the owner of blocks that belong to no allocation.
const NoOwner uint64 = 0

// RefSource reports the open reference count of an allocation. It is the
// proof a caller presents to Reclaim.
type RefSource interface {
	Refs(owner uint64) int
}

// BlockInfo describes one block.
type BlockInfo struct {
	Index      uint32 `json:"index" yaml:"index"`
	State      State  `json:"state" yaml:"state"`
	EraseCount uint32 `json:"erase_count" yaml:"erase_count"`
	Owner      uint64 `json:"owner,omitempty" yaml:"owner,omitempty"`
}

// Stats summarizes the block table. Wear figures cover every block that is
// neither reserved nor bad.
type Stats struct {
	Free     int    `json:"free" yaml:"free"`
	Live     int    `json:"live" yaml:"live"`
	Stale    int    `json:"stale" yaml:"stale"`
	Reserved int    `json:"reserved" yaml:"reserved"`
	Bad      int    `json:"bad" yaml:"bad"`
	MinErase uint32 `json:"min_erase" yaml:"min_erase"`
	MaxErase uint32 `json:"max_erase" yaml:"max_erase"`
}

// Spread returns the difference between the most and least worn blocks.
func (s Stats) Spread() uint32 {
	return s.MaxErase - s.MinErase
}

type freeKey struct {
	erases uint32
	index  uint32
}

func lessFree(a, b freeKey) bool {
	if a.erases != b.erases {
		return a.erases < b.erases
	}
	return a.index < b.index
}

// Allocator owns the block table of a device. It is not safe for concurrent
// use; the filesystem serializes access under its own lock.
type Allocator struct {
	dev    flash.Device
	blocks []BlockInfo
	free   *btree.BTreeG[freeKey]
}

// New creates an allocator for dev with every block in StateStale and the
// erase counts loaded from the device. The caller classifies blocks with
// Reserve, MarkFree, MarkLive and MarkBad before allocating.
func New(dev flash.Device) (*Allocator, error) {
	a := &Allocator{
		dev:    dev,
		blocks: make([]BlockInfo, dev.BlockCount()),
		free:   btree.NewG[freeKey](8, lessFree),
	}
	for i := range a.blocks {
		count, err := dev.EraseCount(uint32(i))
		if err != nil {
			return nil, fmt.Errorf("read erase count of block %d: %w", i, err)
		}
		a.blocks[i] = BlockInfo{Index: uint32(i), State: StateStale, EraseCount: count}
	}
	return a, nil
}

// ============================================================================
// State Transitions
// ============================================================================

// Reserve marks block as belonging to the directory log.
func (a *Allocator) Reserve(block uint32) error {
	return a.set(block, StateReserved, NoOwner)
}

// MarkFree records that block is erased. Used by mount-time classification.
func (a *Allocator) MarkFree(block uint32) error {
	return a.set(block, StateFree, NoOwner)
}

// MarkLive assigns block to owner.
func (a *Allocator) MarkLive(block uint32, owner uint64) error {
	return a.set(block, StateLive, owner)
}

// MarkStale marks live blocks stale, keeping their owner so that Reclaim can
// check its reference count. Bad blocks are left alone.
func (a *Allocator) MarkStale(blocks ...uint32) error {
	for _, b := range blocks {
		if err := a.check(b); err != nil {
			return err
		}
		info := &a.blocks[b]
		switch info.State {
		case StateBad, StateStale:
			continue
		case StateLive:
			info.State = StateStale
		default:
			return fserrors.NewInvalidArgumentError(fmt.Sprintf("block %d is %s, not live", b, info.State))
		}
	}
	return nil
}

// MarkBad excludes block from allocation for good.
func (a *Allocator) MarkBad(block uint32) error {
	return a.set(block, StateBad, NoOwner)
}

func (a *Allocator) set(block uint32, state State, owner uint64) error {
	if err := a.check(block); err != nil {
		return err
	}
	info := &a.blocks[block]
	if info.State == StateFree {
		a.free.Delete(freeKey{info.EraseCount, block})
	}
	info.State = state
	info.Owner = owner
	if state == StateFree {
		a.free.ReplaceOrInsert(freeKey{info.EraseCount, block})
	}
	return nil
}

func (a *Allocator) check(block uint32) error {
	if int(block) >= len(a.blocks) {
		return fserrors.NewInvalidArgumentError(fmt.Sprintf("block %d out of range", block))
	}
	return nil
}

// ============================================================================
// Allocation
// ============================================================================

// Allocate returns the n least-worn free blocks, marked live for owner.
// Ties are broken by the lowest index. Nothing changes on OutOfSpace.
func (a *Allocator) Allocate(n int, owner uint64) ([]uint32, error) {
	if n <= 0 {
		return nil, nil
	}
	if a.free.Len() < n {
		return nil, fserrors.NewOutOfSpaceError(n, a.free.Len())
	}
	blocks := make([]uint32, 0, n)
	for len(blocks) < n {
		key, _ := a.free.DeleteMin()
		blocks = append(blocks, key.index)
	}
	for _, b := range blocks {
		a.blocks[b].State = StateLive
		a.blocks[b].Owner = owner
	}
	return blocks, nil
}

// AllocateWorn returns the n most-worn free blocks, marked live for owner.
// Static wear leveling parks cold data on them.
func (a *Allocator) AllocateWorn(n int, owner uint64) ([]uint32, error) {
	if n <= 0 {
		return nil, nil
	}
	if a.free.Len() < n {
		return nil, fserrors.NewOutOfSpaceError(n, a.free.Len())
	}
	blocks := make([]uint32, 0, n)
	for len(blocks) < n {
		key, _ := a.free.DeleteMax()
		blocks = append(blocks, key.index)
	}
	for _, b := range blocks {
		a.blocks[b].State = StateLive
		a.blocks[b].Owner = owner
	}
	return blocks, nil
}

// Reclaim erases a stale block and returns it to the free set. refs must
// report zero open references for the block's owner, otherwise the block is
// left untouched and StillReferenced is returned. An erase failure marks the
// block bad and returns the IoFault.
func (a *Allocator) Reclaim(block uint32, refs RefSource) error {
	if err := a.check(block); err != nil {
		return err
	}
	info := &a.blocks[block]
	if info.State != StateStale {
		return fserrors.NewInvalidArgumentError(fmt.Sprintf("block %d is %s, not stale", block, info.State))
	}
	if refs == nil {
		return fserrors.NewInvalidArgumentError("reclaim requires a reference source")
	}
	if n := refs.Refs(info.Owner); n > 0 {
		return fserrors.NewStillReferencedError(block, n)
	}

	if err := a.dev.Erase(block); err != nil {
		info.State = StateBad
		info.Owner = NoOwner
		return err
	}
	count, err := a.dev.EraseCount(block)
	if err != nil {
		count = info.EraseCount + 1
	}
	info.EraseCount = count
	info.State = StateFree
	info.Owner = NoOwner
	a.free.ReplaceOrInsert(freeKey{count, block})
	return nil
}

// Reclaimable returns the stale blocks whose owner has no open references,
// least worn first.
func (a *Allocator) Reclaimable(refs RefSource) []uint32 {
	var out []uint32
	for _, info := range a.blocks {
		if info.State == StateStale && refs.Refs(info.Owner) == 0 {
			out = append(out, info.Index)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return a.blocks[out[i]].EraseCount < a.blocks[out[j]].EraseCount
	})
	return out
}

// ============================================================================
// Inspection
// ============================================================================

// Free returns the number of free blocks.
func (a *Allocator) Free() int {
	return a.free.Len()
}

// Info returns the entry of block.
func (a *Allocator) Info(block uint32) (BlockInfo, error) {
	if err := a.check(block); err != nil {
		return BlockInfo{}, err
	}
	return a.blocks[block], nil
}

// Blocks returns a copy of the block table.
func (a *Allocator) Blocks() []BlockInfo {
	return append([]BlockInfo(nil), a.blocks...)
}

// Stats summarizes the block table.
func (a *Allocator) Stats() Stats {
	var s Stats
	first := true
	for _, info := range a.blocks {
		switch info.State {
		case StateFree:
			s.Free++
		case StateLive:
			s.Live++
		case StateStale:
			s.Stale++
		case StateReserved:
			s.Reserved++
			continue
		case StateBad:
			s.Bad++
			continue
		}
		if first || info.EraseCount < s.MinErase {
			s.MinErase = info.EraseCount
		}
		if first || info.EraseCount > s.MaxErase {
			s.MaxErase = info.EraseCount
		}
		first = false
	}
	return s
}
