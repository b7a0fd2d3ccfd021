package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRelay is returned for names not in the registry.
	ErrUnknownRelay = errors.New("unknown relay")

	// ErrInvalidCombination is returned for selector/action pairs that are
	// not supported, such as switching "all" on.
	ErrInvalidCombination = errors.New("invalid combination")

	// ErrSafetyLimitExceeded is returned when an activation would exceed the
	// configured concurrent-active limits. No pin is written.
	ErrSafetyLimitExceeded = errors.New("safety limit exceeded")

	// ErrHardware is returned when a pin read or write fails.
	ErrHardware = errors.New("hardware error")

	// ErrTimeout is returned when a pin operation or the wait for exclusive
	// access exceeds its bound.
	ErrTimeout = errors.New("timeout")

	// ErrMalformedRequest is returned for requests that cannot be parsed.
	ErrMalformedRequest = errors.New("malformed request")
)

// LimitError reports which limit an activation would have exceeded.
type LimitError struct {
	Relay  string
	Counts Counts
	Limit  string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: turning on %s would make %d valves and %d pumps active (%s)",
		ErrSafetyLimitExceeded, e.Relay, e.Counts.Valves, e.Counts.Pumps, e.Limit)
}

// Is matches ErrSafetyLimitExceeded.
func (e *LimitError) Is(target error) bool {
	return target == ErrSafetyLimitExceeded
}
