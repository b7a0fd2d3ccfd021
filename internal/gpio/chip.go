//go:build linux

package gpio

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// ChipPort drives relay outputs wired directly to Linux GPIO character
// device lines. Used on prototyping boards without the expander.
type ChipPort struct {
	mu    sync.Mutex
	chip  *gpiocdev.Chip
	lines map[int]*gpiocdev.Line
}

// NewChipPort requests each pin offset on the named chip as an output.
// Lines are requested holding their current value so a restart does not
// cycle the relays.
func NewChipPort(chipName string, pins []int, activeLow bool) (*ChipPort, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	p := &ChipPort{chip: chip, lines: make(map[int]*gpiocdev.Line, len(pins))}
	for _, pin := range pins {
		current, err := currentValue(chip, pin, activeLow)
		if err != nil {
			p.Close()
			return nil, err
		}

		opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(current)}
		if activeLow {
			opts = append(opts, gpiocdev.AsActiveLow)
		}
		line, err := chip.RequestLine(pin, opts...)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("request pin %d: %w", pin, err)
		}
		p.lines[pin] = line
	}
	return p, nil
}

// currentValue samples a line as input so the output request can keep it.
func currentValue(chip *gpiocdev.Chip, pin int, activeLow bool) (int, error) {
	opts := []gpiocdev.LineReqOption{gpiocdev.AsInput}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	line, err := chip.RequestLine(pin, opts...)
	if err != nil {
		return 0, fmt.Errorf("request pin %d: %w", pin, err)
	}
	defer line.Close()

	v, err := line.Value()
	if err != nil {
		return 0, fmt.Errorf("read pin %d: %w", pin, err)
	}
	return v, nil
}

// SetPin sets the logical line value.
func (p *ChipPort) SetPin(index int, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	line, ok := p.lines[index]
	if !ok {
		return fmt.Errorf("pin %d not requested", index)
	}
	v := 0
	if on {
		v = 1
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("write pin %d: %w", index, err)
	}
	return nil
}

// GetPin reads the logical line value.
func (p *ChipPort) GetPin(index int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line, ok := p.lines[index]
	if !ok {
		return false, fmt.Errorf("pin %d not requested", index)
	}
	v, err := line.Value()
	if err != nil {
		return false, fmt.Errorf("read pin %d: %w", index, err)
	}
	return v == 1, nil
}

// Close releases every requested line and the chip.
func (p *ChipPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for pin, line := range p.lines {
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
	}
	p.lines = nil
	if p.chip != nil {
		if err := p.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		p.chip = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
