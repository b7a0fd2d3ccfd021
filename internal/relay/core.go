package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sweeney/relayd/internal/gpio"
)

// DefaultHardwareTimeout bounds a single pin read or write.
const DefaultHardwareTimeout = 2 * time.Second

// Core owns relay state and the hardware port. Every operation, read or
// write, holds a single access token for its whole duration, so a policy
// check and the write that follows it are atomic with respect to other
// requests and status reads never observe a write in progress.
type Core struct {
	registry  *Registry
	port      gpio.Port
	policy    Policy
	logger    *slog.Logger
	hwTimeout time.Duration
	now       func() time.Time
	observers []func(Event)

	// sem is the access token. Holding it grants access to states, busy,
	// seeding and port.
	sem    *semaphore.Weighted
	states []State
	// busy counts pin calls per relay that timed out and are still
	// running. A busy relay stays unknown and is not touched.
	busy    []int
	seeding bool

	queueMu sync.Mutex
	queue   []Event
	// deliverMu keeps observer calls in commit order.
	deliverMu sync.Mutex
}

// Option configures a Core.
type Option func(*Core)

// WithPolicy sets the safety policy. The default is DefaultLimits.
func WithPolicy(p Policy) Option {
	return func(c *Core) { c.policy = p }
}

// WithHardwareTimeout bounds each pin operation. Zero disables the bound,
// leaving only the caller's context.
func WithHardwareTimeout(d time.Duration) Option {
	return func(c *Core) { c.hwTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Core) { c.logger = l }
}

// WithObserver registers a function called after every change of a
// relay's state, including changes to unknown after a failure. Observers
// run after the access token is released, one event at a time, in the
// order the changes were made.
func WithObserver(fn func(Event)) Option {
	return func(c *Core) { c.observers = append(c.observers, fn) }
}

// WithClock sets the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Core) { c.now = now }
}

// NewCore creates a core for the relays in registry driven through port.
// Every relay starts unknown until Load or a read succeeds.
func NewCore(registry *Registry, port gpio.Port, opts ...Option) *Core {
	c := &Core{
		registry:  registry,
		port:      port,
		policy:    DefaultLimits(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		hwTimeout: DefaultHardwareTimeout,
		now:       time.Now,
		sem:       semaphore.NewWeighted(1),
		states:    make([]State, registry.Len()),
		busy:      make([]int, registry.Len()),
	}
	for i := range c.states {
		c.states[i] = StateUnknown
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the registry the core was built with.
func (c *Core) Registry() *Registry {
	return c.registry
}

// Load reads every relay from hardware to seed the state cache without
// emitting events. The policy is then asked about the live counts, and a
// warning is logged, without switching anything, if it objects.
func (c *Core) Load(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	c.seeding = true
	statuses, err := c.readAll(ctx)
	c.seeding = false
	c.release()
	if err != nil {
		return err
	}

	var active Counts
	relays := c.registry.Relays()
	for i, s := range statuses {
		if s.State == StateOn {
			active.add(relays[i].Kind)
		}
	}
	if perr := c.policy.Check(active); perr != nil {
		c.logger.Warn("hardware state exceeds safety policy",
			"valves", active.Valves,
			"pumps", active.Pumps,
			"limit", perr.Error(),
		)
	}
	return nil
}

// Set switches the named relay. Activations are checked against the
// policy first and rejected without touching the hardware. Deactivations
// are never refused by the policy.
func (c *Core) Set(ctx context.Context, name string, on bool) (Status, error) {
	r, err := c.registry.Resolve(name)
	if err != nil {
		return Status{}, err
	}
	i, _ := c.registry.position(name)

	if err := c.acquire(ctx); err != nil {
		return Status{}, err
	}

	prev := c.states[i]
	if on {
		next := c.countsWith(i)
		if perr := c.policy.Check(next); perr != nil {
			c.release()
			lerr := &LimitError{Relay: name, Counts: next, Limit: perr.Error()}
			c.logger.Warn("activation rejected", "relay", name, "error", lerr)
			return Status{Relay: name, State: prev}, lerr
		}
	}

	state, err := c.write(ctx, i, r, on)
	c.release()
	c.flush()

	if err != nil {
		c.logger.Error("relay switch failed", "relay", name, "on", on, "state", state.String(), "error", err)
		return Status{Relay: name, State: state}, err
	}
	c.logger.Info("relay switched", "relay", name, "pin", r.Pin, "state", state.String(), "previous", prev.String())
	return Status{Relay: name, State: state}, nil
}

// Get reads the named relay from hardware.
func (c *Core) Get(ctx context.Context, name string) (Status, error) {
	r, err := c.registry.Resolve(name)
	if err != nil {
		return Status{}, err
	}
	i, _ := c.registry.position(name)

	if err := c.acquire(ctx); err != nil {
		return Status{}, err
	}
	state, err := c.read(ctx, i, r)
	c.release()
	c.flush()

	return Status{Relay: name, State: state}, err
}

// All reads every relay from hardware and returns them in registry order.
// If any read fails the error joins every failure and the cache keeps the
// affected relays unknown.
func (c *Core) All(ctx context.Context) ([]Status, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	out, err := c.readAll(ctx)
	c.release()
	c.flush()

	return out, err
}

// Snapshot returns the cached state of every relay without hardware I/O.
func (c *Core) Snapshot(ctx context.Context) ([]Status, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	out := make([]Status, len(c.states))
	for i, r := range c.registry.relays {
		out[i] = Status{Relay: r.Name, State: c.states[i]}
	}
	return out, nil
}

func (c *Core) acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: waiting for relay access: %v", ErrTimeout, err)
	}
	return nil
}

func (c *Core) release() {
	c.sem.Release(1)
}

// countsWith counts relays that are on, or might be, plus relay i.
// Must hold the token.
func (c *Core) countsWith(i int) Counts {
	var n Counts
	for j, r := range c.registry.relays {
		if j == i || c.states[j] != StateOff {
			n.add(r.Kind)
		}
	}
	return n
}

// readAll reads every relay. Must hold the token.
func (c *Core) readAll(ctx context.Context) ([]Status, error) {
	var errs []error
	out := make([]Status, 0, c.registry.Len())
	for i, r := range c.registry.relays {
		state, err := c.read(ctx, i, r)
		if err != nil {
			errs = append(errs, err)
		}
		out = append(out, Status{Relay: r.Name, State: state})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// write drives the pin then reads it back. Must hold the token.
func (c *Core) write(ctx context.Context, i int, r Relay, on bool) (State, error) {
	err := c.pinCall(ctx, "write", i, r, func(ctx context.Context) error {
		return gpio.SetPin(ctx, c.port, r.Pin, on)
	})
	if err != nil {
		c.setState(ctx, i, StateUnknown)
		return StateUnknown, err
	}

	state, err := c.read(ctx, i, r)
	if err != nil {
		return state, err
	}
	if want := stateOf(on); state != want {
		return state, fmt.Errorf("%w: %s (pin %d) reads %s after writing %s", ErrHardware, r.Name, r.Pin, state, want)
	}
	return state, nil
}

// read refreshes the cached state of relay i. Must hold the token.
func (c *Core) read(ctx context.Context, i int, r Relay) (State, error) {
	var on bool
	err := c.pinCall(ctx, "read", i, r, func(ctx context.Context) error {
		v, err := gpio.GetPin(ctx, c.port, r.Pin)
		on = v
		return err
	})
	if err != nil {
		c.setState(ctx, i, StateUnknown)
		return StateUnknown, err
	}
	c.setState(ctx, i, stateOf(on))
	return c.states[i], nil
}

// pinCall runs fn under the hardware timeout. Must hold the token.
//
// A call that times out keeps running; fn's ctx is cancelled so retrying
// ports give up. Until it returns the relay is busy: further calls on it
// fail without touching the port, and the relay stays unknown. When it
// finishes, settle re-reads the pin.
func (c *Core) pinCall(ctx context.Context, op string, i int, r Relay, fn func(context.Context) error) error {
	if c.busy[i] > 0 {
		return fmt.Errorf("%w: %s %s (pin %d): an earlier call has not returned", ErrTimeout, op, r.Name, r.Pin)
	}

	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if c.hwTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.hwTimeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %s %s (pin %d): %v", ErrHardware, op, r.Name, r.Pin, err)
		}
		return nil
	case <-callCtx.Done():
		c.busy[i]++
		go c.settle(i, r, done)
		return fmt.Errorf("%w: %s %s (pin %d)", ErrTimeout, op, r.Name, r.Pin)
	}
}

// settle waits for an abandoned pin call on relay i, then re-reads the pin
// once no other abandoned call on it is left.
func (c *Core) settle(i int, r Relay, done <-chan error) {
	err := <-done
	c.logger.Warn("abandoned pin call returned", "relay", r.Name, "pin", r.Pin, "error", err)

	// Background never fails Acquire.
	ctx := context.Background()
	_ = c.sem.Acquire(ctx, 1)
	c.busy[i]--
	if c.busy[i] == 0 {
		if _, err := c.read(ctx, i, r); err != nil {
			c.logger.Warn("re-read after abandoned call failed", "relay", r.Name, "error", err)
		}
	}
	c.release()
	c.flush()
}

// setState updates the cache and queues an event when the state changes.
// Must hold the token.
func (c *Core) setState(ctx context.Context, i int, s State) {
	prev := c.states[i]
	c.states[i] = s
	if prev == s || c.seeding {
		return
	}
	r := c.registry.relays[i]
	ev := Event{
		Timestamp: c.now(),
		Relay:     r.Name,
		Kind:      r.Kind,
		State:     s,
		Previous:  prev,
		Username:  requester(ctx),
	}
	c.queueMu.Lock()
	c.queue = append(c.queue, ev)
	c.queueMu.Unlock()
}

// flush delivers queued events to the observers. Call after releasing the
// token. Whoever holds deliverMu drains the queue, so events queued by
// other requests meanwhile are delivered in order too.
func (c *Core) flush() {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	for {
		c.queueMu.Lock()
		if len(c.queue) == 0 {
			c.queueMu.Unlock()
			return
		}
		ev := c.queue[0]
		c.queue = c.queue[1:]
		c.queueMu.Unlock()

		for _, fn := range c.observers {
			fn(ev)
		}
	}
}

type requesterKey struct{}

// WithRequester attaches the informational client username to ctx so it
// is carried on change events.
func WithRequester(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, requesterKey{}, username)
}

func requester(ctx context.Context) string {
	s, _ := ctx.Value(requesterKey{}).(string)
	return s
}
