//go:build !linux

package gpio

// MCP23017Port is not available on non-Linux platforms.
type MCP23017Port struct{}

// NewMCP23017Port returns an error on non-Linux platforms.
func NewMCP23017Port(bus uint8, address uint8, pins []int) (*MCP23017Port, error) {
	return nil, ErrUnsupported
}

// SetPin is not implemented on non-Linux platforms.
func (p *MCP23017Port) SetPin(index int, on bool) error { return ErrUnsupported }

// GetPin is not implemented on non-Linux platforms.
func (p *MCP23017Port) GetPin(index int) (bool, error) { return false, ErrUnsupported }

// Close is a no-op on non-Linux platforms.
func (p *MCP23017Port) Close() error { return nil }

// ChipPort is not available on non-Linux platforms.
type ChipPort struct{}

// NewChipPort returns an error on non-Linux platforms.
func NewChipPort(chipName string, pins []int, activeLow bool) (*ChipPort, error) {
	return nil, ErrUnsupported
}

// SetPin is not implemented on non-Linux platforms.
func (p *ChipPort) SetPin(index int, on bool) error { return ErrUnsupported }

// GetPin is not implemented on non-Linux platforms.
func (p *ChipPort) GetPin(index int) (bool, error) { return false, ErrUnsupported }

// Close is a no-op on non-Linux platforms.
func (p *ChipPort) Close() error { return nil }
