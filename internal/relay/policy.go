package relay

import "fmt"

// Counts is the number of active relays per kind.
type Counts struct {
	Valves int
	Pumps  int
}

// Total returns the number of active relays of any kind.
func (c Counts) Total() int {
	return c.Valves + c.Pumps
}

func (c *Counts) add(k Kind) {
	switch k {
	case KindValve:
		c.Valves++
	case KindPump:
		c.Pumps++
	}
}

// Policy decides whether a set of simultaneously active relays is allowed.
// Check receives the counts that would result from an activation and
// returns nil to allow it.
type Policy interface {
	Check(next Counts) error
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(next Counts) error

// Check calls f.
func (f PolicyFunc) Check(next Counts) error {
	return f(next)
}

// Limits caps concurrently active relays. A zero or negative field disables
// that limit.
type Limits struct {
	MaxValves int
	MaxPumps  int
	MaxTotal  int
}

// DefaultLimits is the board recommendation: at most two valves, and
// either or both pumps, to bound aggregate current draw.
func DefaultLimits() Limits {
	return Limits{MaxValves: 2, MaxPumps: 2}
}

// Check implements Policy.
func (l Limits) Check(next Counts) error {
	if l.MaxValves > 0 && next.Valves > l.MaxValves {
		return fmt.Errorf("max %d valves", l.MaxValves)
	}
	if l.MaxPumps > 0 && next.Pumps > l.MaxPumps {
		return fmt.Errorf("max %d pumps", l.MaxPumps)
	}
	if l.MaxTotal > 0 && next.Total() > l.MaxTotal {
		return fmt.Errorf("max %d relays", l.MaxTotal)
	}
	return nil
}

func (l Limits) String() string {
	return fmt.Sprintf("valves<=%s pumps<=%s total<=%s", limitString(l.MaxValves), limitString(l.MaxPumps), limitString(l.MaxTotal))
}

func limitString(n int) string {
	if n <= 0 {
		return "any"
	}
	return fmt.Sprint(n)
}
