// Package gpio provides relay output pins with hardware abstraction.
// The MCP23017 implementation drives the I2C expander on the irrigation board,
// the chip implementation drives Linux GPIO character device lines directly,
// and the fake implementation allows testing without hardware.
package gpio

import (
	"context"
	"errors"
)

// Port switches and reads output pins.
type Port interface {
	// SetPin drives the pin at index to the logical on/off value.
	SetPin(index int, on bool) error

	// GetPin returns the logical on/off value the pin currently holds.
	GetPin(index int) (bool, error)

	// Close releases hardware resources.
	Close() error
}

// ContextPort is a Port whose operations stop early once ctx is done.
// A call already on the bus still completes.
type ContextPort interface {
	Port
	SetPinContext(ctx context.Context, index int, on bool) error
	GetPinContext(ctx context.Context, index int) (bool, error)
}

// SetPin drives a pin through p, passing ctx along when p supports it.
func SetPin(ctx context.Context, p Port, index int, on bool) error {
	if cp, ok := p.(ContextPort); ok {
		return cp.SetPinContext(ctx, index, on)
	}
	return p.SetPin(index, on)
}

// GetPin reads a pin through p, passing ctx along when p supports it.
func GetPin(ctx context.Context, p Port, index int) (bool, error) {
	if cp, ok := p.(ContextPort); ok {
		return cp.GetPinContext(ctx, index)
	}
	return p.GetPin(index)
}

// Expander addressing (HW v2.4.2). The A2..A0 jumpers select 0x20..0x27.
const (
	MinAddress     = 0x20
	MaxAddress     = 0x27
	DefaultAddress = 0x27
	DefaultBus     = 1

	// PinCount is the number of addressable pins on the expander (GPIOA0..GPIOB7).
	PinCount = 16
)

// ErrUnsupported is returned by hardware ports on platforms without GPIO support.
var ErrUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// ValidPin reports whether index is addressable on the expander.
func ValidPin(index int) bool {
	return index >= 0 && index < PinCount
}
