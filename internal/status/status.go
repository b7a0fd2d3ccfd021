// Package status provides a thread-safe status tracker for the relay daemon.
// It is read by the HTTP status page and by MQTT lifecycle events.
package status

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sweeney/relayd/internal/relay"
)

// relayReadTimeout bounds the wait for the core when taking a snapshot.
const relayReadTimeout = 500 * time.Millisecond

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Socket   string
	Driver   string
	Address  string
	Policy   string
	Broker   string
	HTTPAddr string
}

// RelaySource supplies the cached relay states. *relay.Core satisfies it.
type RelaySource interface {
	Snapshot(ctx context.Context) ([]relay.Status, error)
}

// RelayView is one relay as shown on the status page.
type RelayView struct {
	Name     string
	Kind     relay.Kind
	Pin      int
	State    relay.State
	Switches int64
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Relays []RelayView
	// RelaysStale is set when the core was busy and Relays holds the
	// states last seen.
	RelaysStale   bool
	Requests      map[string]int64
	LastEvent     *relay.Event
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Active counts relays currently on.
func (s Snapshot) Active() int {
	n := 0
	for _, r := range s.Relays {
		if r.State == relay.StateOn {
			n++
		}
	}
	return n
}

// Tracker holds mutable daemon state behind an RWMutex. Request and switch
// counters are lock-free.
type Tracker struct {
	mu     sync.RWMutex
	snap   Snapshot
	defs   []relay.Relay
	states map[string]relay.State
	source RelaySource
	now    func() time.Time

	requests *xsync.MapOf[string, *xsync.Counter]
	switches *xsync.MapOf[string, *xsync.Counter]
}

// NewTracker creates a Tracker for the relays in registry order.
func NewTracker(startTime time.Time, cfg Config, relays []relay.Relay) *Tracker {
	states := make(map[string]relay.State, len(relays))
	for _, r := range relays {
		states[r.Name] = relay.StateUnknown
	}
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		defs:     relays,
		states:   states,
		now:      time.Now,
		requests: xsync.NewMapOf[string, *xsync.Counter](),
		switches: xsync.NewMapOf[string, *xsync.Counter](),
	}
}

// SetRelaySource makes Snapshot read relay states from src.
func (t *Tracker) SetRelaySource(src RelaySource) {
	t.mu.Lock()
	t.source = src
	t.mu.Unlock()
}

// RecordRequest counts one socket request by outcome.
func (t *Tracker) RecordRequest(code string) {
	c, _ := t.requests.LoadOrCompute(code, xsync.NewCounter)
	c.Inc()
}

// Observe records a committed relay state change.
func (t *Tracker) Observe(ev relay.Event) {
	c, _ := t.switches.LoadOrCompute(ev.Relay, xsync.NewCounter)
	c.Inc()

	t.mu.Lock()
	t.states[ev.Relay] = ev.State
	t.snap.LastEvent = &ev
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	src := t.source
	t.mu.RUnlock()

	var live []relay.Status
	stale := false
	if src != nil {
		ctx, cancel := context.WithTimeout(context.Background(), relayReadTimeout)
		var err error
		live, err = src.Snapshot(ctx)
		cancel()
		stale = err != nil
	}

	t.mu.Lock()
	for _, s := range live {
		t.states[s.Relay] = s.State
	}
	s := t.snap
	views := make([]RelayView, len(t.defs))
	for i, r := range t.defs {
		views[i] = RelayView{Name: r.Name, Kind: r.Kind, Pin: r.Pin, State: t.states[r.Name]}
	}
	if s.LastEvent != nil {
		ev := *s.LastEvent
		s.LastEvent = &ev
	}
	t.mu.Unlock()

	for i := range views {
		if c, ok := t.switches.Load(views[i].Name); ok {
			views[i].Switches = c.Value()
		}
	}
	s.Relays = views
	s.RelaysStale = stale
	s.Requests = t.requestCounts()
	s.Now = t.now()
	return s
}

func (t *Tracker) requestCounts() map[string]int64 {
	out := make(map[string]int64)
	t.requests.Range(func(code string, c *xsync.Counter) bool {
		out[code] = c.Value()
		return true
	})
	return out
}

// RequestCodes returns the recorded outcome codes in sorted order.
func (s Snapshot) RequestCodes() []string {
	codes := make([]string, 0, len(s.Requests))
	for code := range s.Requests {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
