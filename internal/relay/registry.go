package relay

import (
	"fmt"

	"github.com/sweeney/relayd/internal/gpio"
)

// SelectorAll addresses every relay in a status request. It can never be
// a relay name.
const SelectorAll = "all"

// DefaultRelays is the HW v2.4.2 board wiring.
var DefaultRelays = []Relay{
	{Name: "valve1", Pin: 10, Kind: KindValve},
	{Name: "nearbed", Pin: 6, Kind: KindValve},
	{Name: "mag", Pin: 9, Kind: KindValve},
	{Name: "plants", Pin: 7, Kind: KindValve},
	{Name: "valve5", Pin: 8, Kind: KindValve},
	{Name: "pump1", Pin: 5, Kind: KindPump},
	{Name: "pump2", Pin: 11, Kind: KindPump},
}

// Registry is the immutable, ordered set of relays known to the daemon.
type Registry struct {
	relays []Relay
	index  map[string]int
}

// NewRegistry validates defs and builds a registry preserving their order.
func NewRegistry(defs []Relay) (*Registry, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("registry: no relays defined")
	}

	r := &Registry{
		relays: make([]Relay, 0, len(defs)),
		index:  make(map[string]int, len(defs)),
	}
	pins := make(map[int]string, len(defs))

	for _, d := range defs {
		switch {
		case d.Name == "":
			return nil, fmt.Errorf("registry: relay with pin %d has no name", d.Pin)
		case d.Name == SelectorAll:
			return nil, fmt.Errorf("registry: %q is reserved", SelectorAll)
		case d.Kind != KindValve && d.Kind != KindPump:
			return nil, fmt.Errorf("registry: relay %s has invalid kind %q", d.Name, d.Kind)
		case !gpio.ValidPin(d.Pin):
			return nil, fmt.Errorf("registry: relay %s pin %d outside 0..%d", d.Name, d.Pin, gpio.PinCount-1)
		}
		if _, dup := r.index[d.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate relay name %s", d.Name)
		}
		if other, dup := pins[d.Pin]; dup {
			return nil, fmt.Errorf("registry: relays %s and %s share pin %d", other, d.Name, d.Pin)
		}

		pins[d.Pin] = d.Name
		r.index[d.Name] = len(r.relays)
		r.relays = append(r.relays, d)
	}
	return r, nil
}

// DefaultRegistry returns the registry for the stock board wiring.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultRelays)
	if err != nil {
		panic("relay: default registry invalid: " + err.Error())
	}
	return r
}

// Resolve returns the relay with the given name.
func (r *Registry) Resolve(name string) (Relay, error) {
	i, ok := r.index[name]
	if !ok {
		return Relay{}, fmt.Errorf("%w: %q", ErrUnknownRelay, name)
	}
	return r.relays[i], nil
}

// Relays returns a copy of the relay definitions in registry order.
func (r *Registry) Relays() []Relay {
	out := make([]Relay, len(r.relays))
	copy(out, r.relays)
	return out
}

// Pins returns every relay pin in registry order.
func (r *Registry) Pins() []int {
	out := make([]int, len(r.relays))
	for i, rl := range r.relays {
		out[i] = rl.Pin
	}
	return out
}

// Len returns the number of relays.
func (r *Registry) Len() int {
	return len(r.relays)
}

func (r *Registry) position(name string) (int, bool) {
	i, ok := r.index[name]
	return i, ok
}
