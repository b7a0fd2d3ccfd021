package gpio

import (
	"fmt"
	"sync"
)

// FakePort is a test double that keeps pin values in memory and records
// every call made against it.
type FakePort struct {
	mu sync.Mutex

	pins map[int]bool

	// Writes records every successful SetPin call in order.
	Writes []Write

	// Reads counts GetPin calls per pin.
	Reads map[int]int

	// SetError, if set, is returned by SetPin and the pin is left untouched.
	SetError error

	// GetError, if set, is returned by GetPin.
	GetError error

	// Stick makes SetPin report success without changing the pin, so a
	// subsequent read disagrees with the write.
	Stick bool

	// Block, if set, is received from before every SetPin and GetPin call
	// returns. Tests use it to simulate a hung bus.
	Block chan struct{}

	// Closed tracks if Close was called.
	Closed bool
}

// Write is a single recorded SetPin call.
type Write struct {
	Pin int
	On  bool
}

// NewFakePort creates a FakePort with every pin off.
func NewFakePort() *FakePort {
	return &FakePort{
		pins:  make(map[int]bool),
		Reads: make(map[int]int),
	}
}

// SetPin records the write and stores the value.
func (f *FakePort) SetPin(index int, on bool) error {
	f.wait()

	f.mu.Lock()
	defer f.mu.Unlock()

	if !ValidPin(index) {
		return fmt.Errorf("pin %d out of range", index)
	}
	if f.SetError != nil {
		return f.SetError
	}
	f.Writes = append(f.Writes, Write{Pin: index, On: on})
	if !f.Stick {
		f.pins[index] = on
	}
	return nil
}

// GetPin returns the stored value.
func (f *FakePort) GetPin(index int) (bool, error) {
	f.wait()

	f.mu.Lock()
	defer f.mu.Unlock()

	if !ValidPin(index) {
		return false, fmt.Errorf("pin %d out of range", index)
	}
	f.Reads[index]++
	if f.GetError != nil {
		return false, f.GetError
	}
	return f.pins[index], nil
}

// Close marks the port as closed.
func (f *FakePort) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// Preset sets a pin value directly, bypassing the write log. Used to
// simulate hardware that was already switched before the daemon started.
func (f *FakePort) Preset(index int, on bool) {
	f.mu.Lock()
	f.pins[index] = on
	f.mu.Unlock()
}

// Pin returns the stored value of a pin without counting it as a read.
func (f *FakePort) Pin(index int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pins[index]
}

// WritesTo returns the number of recorded writes to the given pin.
func (f *FakePort) WritesTo(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.Writes {
		if w.Pin == index {
			n++
		}
	}
	return n
}

// WriteCount returns the total number of recorded writes.
func (f *FakePort) WriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Writes)
}

// SetErrors replaces the injected errors under the lock.
func (f *FakePort) SetErrors(setErr, getErr error) {
	f.mu.Lock()
	f.SetError = setErr
	f.GetError = getErr
	f.mu.Unlock()
}

func (f *FakePort) wait() {
	f.mu.Lock()
	block := f.Block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
}
