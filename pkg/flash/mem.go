package flash

import (
	"bytes"
	"sync"

	fserrors "github.com/marmos91/flashfs/pkg/errors"
)

// Op identifies a device operation.
type Op uint8

const (
	OpRead Op = iota + 1
	OpProgram
	OpErase
)

// String returns the operation name.
func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpProgram:
		return "program"
	case OpErase:
		return "erase"
	default:
		return "unknown"
	}
}

// MemDevice is a RAM-backed Device with NOR semantics.
//
// Besides serving as the medium for tests and the bench command it can inject
// faults: FailBlock makes a block fail a given operation, and CutPowerAfter
// simulates a power loss after a number of programmed bytes. Clone snapshots
// the medium as a reboot would find it.
type MemDevice struct {
	mu     sync.RWMutex
	geo    Geometry
	data   []byte
	erases []uint32
	faults map[uint32]map[Op]bool

	// budget is the number of bytes that may still be programmed before
	// power is lost, or -1 for no limit.
	budget     int64
	powerLost  bool
	programmed int64
	closed     bool
}

// NewMemDevice creates an erased in-memory device.
func NewMemDevice(geo Geometry) (*MemDevice, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	data := bytes.Repeat([]byte{Erased}, int(geo.Size()))
	return &MemDevice{
		geo:    geo,
		data:   data,
		erases: make([]uint32, geo.BlockCount),
		faults: make(map[uint32]map[Op]bool),
		budget: -1,
	}, nil
}

// MustMemDevice is like NewMemDevice but panics on an invalid geometry.
func MustMemDevice(geo Geometry) *MemDevice {
	d, err := NewMemDevice(geo)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *MemDevice) BlockSize() uint32    { return d.geo.BlockSize }
func (d *MemDevice) BlockCount() uint32   { return d.geo.BlockCount }
func (d *MemDevice) ProgramAlign() uint32 { return d.geo.ProgramAlign }

// Read returns a slice aliasing the device memory.
func (d *MemDevice) Read(block, offset, length uint32) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, fserrors.NewClosedError("device")
	}
	if err := checkRead(d.geo, block, offset, length); err != nil {
		return nil, err
	}
	if d.faults[block][OpRead] {
		return nil, fserrors.NewIoFaultError(block, "read", nil)
	}
	start := int(d.base(block) + offset)
	end := start + int(length)
	return d.data[start:end:end], nil
}

// Program copies data into erased bytes of block.
func (d *MemDevice) Program(block, offset uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fserrors.NewClosedError("device")
	}
	if err := checkProgram(d.geo, block, offset, uint32(len(data))); err != nil {
		return err
	}
	if d.powerLost {
		return fserrors.NewIoFaultError(block, "program", errPowerLost)
	}
	if d.faults[block][OpProgram] {
		return fserrors.NewIoFaultError(block, "program", nil)
	}
	start := int(d.base(block) + offset)
	target := d.data[start : start+len(data)]
	if !IsErased(target) {
		return fserrors.NewIoFaultError(block, "program", errNotErased)
	}

	n := len(data)
	if d.budget >= 0 && int64(n) > d.budget {
		n = int(d.budget)
	}
	copy(target, data[:n])
	d.programmed += int64(n)
	if d.budget >= 0 {
		d.budget -= int64(n)
		if n < len(data) {
			d.powerLost = true
			return fserrors.NewIoFaultError(block, "program", errPowerLost)
		}
	}
	return nil
}

// Erase resets block to Erased and increments its erase count.
func (d *MemDevice) Erase(block uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fserrors.NewClosedError("device")
	}
	if err := checkErase(d.geo, block); err != nil {
		return err
	}
	if d.powerLost || d.budget == 0 {
		d.powerLost = true
		return fserrors.NewIoFaultError(block, "erase", errPowerLost)
	}
	if d.faults[block][OpErase] {
		return fserrors.NewIoFaultError(block, "erase", nil)
	}
	start := d.base(block)
	fill(d.data[start : start+d.geo.BlockSize])
	d.erases[block]++
	return nil
}

// EraseCount returns the erase count of block.
func (d *MemDevice) EraseCount(block uint32) (uint32, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := checkErase(d.geo, block); err != nil {
		return 0, err
	}
	return d.erases[block], nil
}

// Sync is a no-op for memory.
func (d *MemDevice) Sync() error {
	return nil
}

// Close marks the device closed.
func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// ============================================================================
// Fault Injection
// ============================================================================

// FailBlock makes every subsequent op of the given kind on block fail with IoFault.
func (d *MemDevice) FailBlock(block uint32, op Op) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults[block] == nil {
		d.faults[block] = make(map[Op]bool)
	}
	d.faults[block][op] = true
}

// ClearFaults removes all injected block faults.
func (d *MemDevice) ClearFaults() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = make(map[uint32]map[Op]bool)
}

// CutPowerAfter lets n more bytes be programmed. The program call that
// crosses the budget writes only its first bytes, and every later program
// or erase fails with IoFault until the device is cloned.
func (d *MemDevice) CutPowerAfter(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.budget = n
	d.powerLost = false
}

// PowerLost reports whether the power-cut budget has been exhausted.
func (d *MemDevice) PowerLost() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.powerLost
}

// Programmed returns the total number of bytes programmed so far.
func (d *MemDevice) Programmed() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.programmed
}

// SetEraseCount overrides the erase count of block.
func (d *MemDevice) SetEraseCount(block, count uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.erases[block] = count
}

// Corrupt flips the bits of one byte regardless of the program rules.
func (d *MemDevice) Corrupt(block, offset uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[d.base(block)+offset] ^= 0xFF
}

// Clone returns a copy of the medium and its erase counters as they would be
// found after a reset: no faults, no power budget, open.
func (d *MemDevice) Clone() *MemDevice {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c := &MemDevice{
		geo:    d.geo,
		data:   bytes.Clone(d.data),
		erases: append([]uint32(nil), d.erases...),
		faults: make(map[uint32]map[Op]bool),
		budget: -1,
	}
	return c
}

func (d *MemDevice) base(block uint32) uint32 {
	return block * d.geo.BlockSize
}

func fill(p []byte) {
	for i := range p {
		p[i] = Erased
	}
}

var (
	errPowerLost = fserrors.New(fserrors.ErrIoFault, "power lost")
	errNotErased = fserrors.New(fserrors.ErrIoFault, "target bytes are not erased")
)
