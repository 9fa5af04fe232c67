package flash

import "sync"

// Event is one recorded device operation.
type Event struct {
	Op     Op
	Block  uint32
	Offset uint32
	Length uint32
	Err    error
}

// Recorder wraps a Device and records every program and erase call.
// OnErase, when set, runs before each erase reaches the inner device.
type Recorder struct {
	Device

	mu     sync.Mutex
	events []Event

	OnErase func(block uint32)
}

// NewRecorder wraps d.
func NewRecorder(d Device) *Recorder {
	return &Recorder{Device: d}
}

// Program records and forwards a program call.
func (r *Recorder) Program(block, offset uint32, data []byte) error {
	err := r.Device.Program(block, offset, data)
	r.record(Event{Op: OpProgram, Block: block, Offset: offset, Length: uint32(len(data)), Err: err})
	return err
}

// Erase records and forwards an erase call.
func (r *Recorder) Erase(block uint32) error {
	if r.OnErase != nil {
		r.OnErase(block)
	}
	err := r.Device.Erase(block)
	r.record(Event{Op: OpErase, Block: block, Err: err})
	return err
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Erases returns the blocks erased so far, in order.
func (r *Recorder) Erases() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var blocks []uint32
	for _, e := range r.events {
		if e.Op == OpErase && e.Err == nil {
			blocks = append(blocks, e.Block)
		}
	}
	return blocks
}

// Reset drops the recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}
