//go:build linux

package gpio

import (
	"fmt"
	"sync"

	"github.com/racerxdl/go-mcp23017"
)

// expander is the part of *mcp23017.Device the port uses.
type expander interface {
	PinMode(pin uint8, mode mcp23017.PinMode) error
	DigitalWrite(pin uint8, level mcp23017.PinLevel) error
	DigitalRead(pin uint8) (mcp23017.PinLevel, error)
	Close() error
}

// MCP23017Port drives relay outputs on an MCP23017 I2C expander. A set
// output bit energizes the relay.
type MCP23017Port struct {
	// mu serializes bus transactions. A call abandoned by a caller timeout
	// may still be running when the next one starts.
	mu     sync.Mutex
	device expander
}

// NewMCP23017Port opens the expander at address on the given I2C bus and
// configures the listed pins as outputs. Opening resets the expander, which
// clears both output latches, so every relay is off once this returns.
func NewMCP23017Port(bus uint8, address uint8, pins []int) (*MCP23017Port, error) {
	if address < MinAddress || address > MaxAddress {
		return nil, fmt.Errorf("i2c address 0x%02X outside 0x%02X..0x%02X", address, MinAddress, MaxAddress)
	}

	device, err := mcp23017.Open(bus, address-MinAddress)
	if err != nil {
		return nil, fmt.Errorf("open mcp23017 at bus %d address 0x%02X: %w", bus, address, err)
	}
	return newMCP23017Port(device, pins)
}

func newMCP23017Port(device expander, pins []int) (*MCP23017Port, error) {
	for _, pin := range pins {
		if !ValidPin(pin) {
			device.Close()
			return nil, fmt.Errorf("pin %d out of range", pin)
		}
		if err := device.PinMode(uint8(pin), mcp23017.OUTPUT); err != nil {
			device.Close()
			return nil, fmt.Errorf("set pin %d output: %w", pin, err)
		}
	}
	return &MCP23017Port{device: device}, nil
}

// SetPin writes the output latch for the pin.
func (p *MCP23017Port) SetPin(index int, on bool) error {
	if !ValidPin(index) {
		return fmt.Errorf("pin %d out of range", index)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	// DigitalWrite stores the inverse of level in the latch; DigitalRead
	// reports the latch bit as is.
	if err := p.device.DigitalWrite(uint8(index), mcp23017.PinLevel(!on)); err != nil {
		return fmt.Errorf("write pin %d: %w", index, err)
	}
	return nil
}

// GetPin reads the pin level back from the expander.
func (p *MCP23017Port) GetPin(index int) (bool, error) {
	if !ValidPin(index) {
		return false, fmt.Errorf("pin %d out of range", index)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	level, err := p.device.DigitalRead(uint8(index))
	if err != nil {
		return false, fmt.Errorf("read pin %d: %w", index, err)
	}
	return level == mcp23017.HIGH, nil
}

// Close releases the I2C device. Relay latches are left as they are.
func (p *MCP23017Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.device == nil {
		return nil
	}
	if err := p.device.Close(); err != nil {
		return fmt.Errorf("close mcp23017: %w", err)
	}
	p.device = nil
	return nil
}
