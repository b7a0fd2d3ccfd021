package status

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/relayd/internal/relay"
)

var testRelays = []relay.Relay{
	{Name: "valve1", Pin: 10, Kind: relay.KindValve},
	{Name: "pump1", Pin: 5, Kind: relay.KindPump},
}

type fakeSource struct {
	statuses []relay.Status
	err      error
}

func (f *fakeSource) Snapshot(ctx context.Context) ([]relay.Status, error) {
	return f.statuses, f.err
}

func TestNewTracker(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Socket: "/tmp/mcp-daemon.sock", Driver: "mcp23017", Broker: "tcp://localhost:1883", HTTPAddr: ":80"}
	tr := NewTracker(start, cfg, testRelays)

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config.Socket != "/tmp/mcp-daemon.sock" {
		t.Errorf("Config.Socket: got %q", snap.Config.Socket)
	}
	if snap.Config.HTTPAddr != ":80" {
		t.Errorf("Config.HTTPAddr: got %q, want %q", snap.Config.HTTPAddr, ":80")
	}
	if snap.MQTTConnected {
		t.Error("expected MQTTConnected=false initially")
	}
	if len(snap.Relays) != 2 {
		t.Fatalf("Relays: got %d, want 2", len(snap.Relays))
	}
	for _, r := range snap.Relays {
		if r.State != relay.StateUnknown {
			t.Errorf("%s: got %v, want unknown before any source or event", r.Name, r.State)
		}
	}
}

func TestRelaysFollowSourceInRegistryOrder(t *testing.T) {
	tr := NewTracker(time.Now(), Config{}, testRelays)
	tr.SetRelaySource(&fakeSource{statuses: []relay.Status{
		{Relay: "pump1", State: relay.StateOn},
		{Relay: "valve1", State: relay.StateOff},
	}})

	snap := tr.Snapshot()
	if snap.RelaysStale {
		t.Error("expected fresh relays")
	}
	if snap.Relays[0].Name != "valve1" || snap.Relays[1].Name != "pump1" {
		t.Errorf("order: got %s, %s", snap.Relays[0].Name, snap.Relays[1].Name)
	}
	if snap.Relays[1].State != relay.StateOn {
		t.Errorf("pump1: got %v, want on", snap.Relays[1].State)
	}
	if snap.Relays[1].Pin != 5 || snap.Relays[1].Kind != relay.KindPump {
		t.Errorf("pump1 definition not carried: %+v", snap.Relays[1])
	}
	if snap.Active() != 1 {
		t.Errorf("Active: got %d, want 1", snap.Active())
	}
}

func TestStaleSourceKeepsLastStates(t *testing.T) {
	src := &fakeSource{statuses: []relay.Status{{Relay: "valve1", State: relay.StateOn}}}
	tr := NewTracker(time.Now(), Config{}, testRelays)
	tr.SetRelaySource(src)
	tr.Snapshot()

	src.statuses = nil
	src.err = errors.New("busy")
	snap := tr.Snapshot()

	if !snap.RelaysStale {
		t.Error("expected RelaysStale=true")
	}
	if snap.Relays[0].State != relay.StateOn {
		t.Errorf("valve1: got %v, want last seen on", snap.Relays[0].State)
	}
}

func TestObserve(t *testing.T) {
	tr := NewTracker(time.Now(), Config{}, testRelays)
	ts := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)

	tr.Observe(relay.Event{Timestamp: ts, Relay: "valve1", Kind: relay.KindValve, State: relay.StateOn, Previous: relay.StateOff, Username: "pi"})
	tr.Observe(relay.Event{Timestamp: ts.Add(time.Minute), Relay: "valve1", Kind: relay.KindValve, State: relay.StateOff, Previous: relay.StateOn})
	tr.Observe(relay.Event{Timestamp: ts.Add(2 * time.Minute), Relay: "pump1", Kind: relay.KindPump, State: relay.StateOn, Previous: relay.StateOff})

	snap := tr.Snapshot()
	if snap.Relays[0].Switches != 2 {
		t.Errorf("valve1 switches: got %d, want 2", snap.Relays[0].Switches)
	}
	if snap.Relays[1].Switches != 1 {
		t.Errorf("pump1 switches: got %d, want 1", snap.Relays[1].Switches)
	}
	if snap.Relays[0].State != relay.StateOff || snap.Relays[1].State != relay.StateOn {
		t.Errorf("states: got %v, %v", snap.Relays[0].State, snap.Relays[1].State)
	}
	if snap.LastEvent == nil || snap.LastEvent.Relay != "pump1" {
		t.Fatalf("LastEvent: got %+v", snap.LastEvent)
	}
}

func TestRecordRequest(t *testing.T) {
	tr := NewTracker(time.Now(), Config{}, testRelays)
	tr.RecordRequest("ok")
	tr.RecordRequest("ok")
	tr.RecordRequest("unknown_relay")

	snap := tr.Snapshot()
	if snap.Requests["ok"] != 2 {
		t.Errorf("ok: got %d, want 2", snap.Requests["ok"])
	}
	if snap.Requests["unknown_relay"] != 1 {
		t.Errorf("unknown_relay: got %d, want 1", snap.Requests["unknown_relay"])
	}
	codes := snap.RequestCodes()
	if len(codes) != 2 || codes[0] != "ok" || codes[1] != "unknown_relay" {
		t.Errorf("RequestCodes: got %v", codes)
	}
}

func TestSetMQTTConnected(t *testing.T) {
	tr := NewTracker(time.Now(), Config{}, testRelays)

	tr.SetMQTTConnected(true)
	if !tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=true")
	}

	tr.SetMQTTConnected(false)
	if tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=false")
	}
}

func TestSetNetwork(t *testing.T) {
	tr := NewTracker(time.Now(), Config{}, testRelays)

	if tr.Snapshot().Network != nil {
		t.Error("expected nil Network initially")
	}

	net := &NetworkInfo{Type: "wifi", IP: "192.168.1.42", Status: "connected"}
	tr.SetNetwork(net)

	snap := tr.Snapshot()
	if snap.Network == nil {
		t.Fatal("expected non-nil Network")
	}
	if snap.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want %q", snap.Network.IP, "192.168.1.42")
	}
}

func TestSnapshotUptime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{
		StartTime: start,
		Now:       start.Add(15 * time.Minute),
	}

	if snap.Uptime() != 15*time.Minute {
		t.Errorf("Uptime: got %v, want 15m", snap.Uptime())
	}
}

func TestSnapshotNowIsSet(t *testing.T) {
	tr := NewTracker(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Config{}, testRelays)

	before := time.Now()
	snap := tr.Snapshot()
	after := time.Now()

	if snap.Now.Before(before) || snap.Now.After(after) {
		t.Errorf("Now (%v) not between %v and %v", snap.Now, before, after)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := NewTracker(time.Now(), Config{}, testRelays)
	tr.Observe(relay.Event{Relay: "valve1", State: relay.StateOn})

	snap1 := tr.Snapshot()

	tr.Observe(relay.Event{Relay: "valve1", State: relay.StateOff})
	tr.RecordRequest("ok")

	// snap1 should still reflect old state
	if snap1.Relays[0].State != relay.StateOn {
		t.Error("snapshot should be a copy; relay state was modified")
	}
	if snap1.LastEvent.State != relay.StateOn {
		t.Error("snapshot should be a copy; last event was modified")
	}
	if len(snap1.Requests) != 0 {
		t.Error("snapshot should be a copy; request counts were modified")
	}
}

func testSnapshot() Snapshot {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return Snapshot{
		Relays: []RelayView{
			{Name: "valve1", Kind: relay.KindValve, Pin: 10, State: relay.StateOn, Switches: 4},
			{Name: "pump1", Kind: relay.KindPump, Pin: 5, State: relay.StateUnknown},
		},
		Requests:      map[string]int64{"ok": 5, "safety_limit_exceeded": 1},
		StartTime:     start,
		Now:           start.Add(15 * time.Minute),
		MQTTConnected: true,
		Config:        Config{Socket: "/tmp/mcp-daemon.sock", Driver: "mcp23017", Address: "0x27", Policy: "valves<=2 pumps<=2 total<=any", Broker: "tcp://localhost:1883", HTTPAddr: ":80"},
	}
}

func TestFormatJSON(t *testing.T) {
	data := FormatJSON(testSnapshot())

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if len(parsed.Status.Relays) != 2 {
		t.Fatalf("Relays: got %d, want 2", len(parsed.Status.Relays))
	}
	if got := parsed.Status.Relays[0]; got != (RelayJSON{Name: "valve1", Kind: "valve", Pin: 10, State: "on", Switches: 4}) {
		t.Errorf("valve1: got %+v", got)
	}
	if parsed.Status.Relays[1].State != "unknown" {
		t.Errorf("pump1 state: got %q, want unknown", parsed.Status.Relays[1].State)
	}
	if parsed.Status.Active != 1 {
		t.Errorf("Active: got %d, want 1", parsed.Status.Active)
	}
	if parsed.Status.UptimeSeconds != 900 {
		t.Errorf("UptimeSeconds: got %d, want 900", parsed.Status.UptimeSeconds)
	}
	if parsed.Status.MQTT.Connected != true {
		t.Error("expected MQTT.Connected=true")
	}
	if parsed.Status.Requests["ok"] != 5 {
		t.Errorf("Requests[ok]: got %d, want 5", parsed.Status.Requests["ok"])
	}
	if parsed.Status.Config.Policy != "valves<=2 pumps<=2 total<=any" {
		t.Errorf("Config.Policy: got %q", parsed.Status.Config.Policy)
	}
	// Event and Reason should be omitted
	if parsed.Status.Event != "" {
		t.Errorf("expected empty Event for web format, got %q", parsed.Status.Event)
	}
	if parsed.Status.Reason != "" {
		t.Errorf("expected empty Reason for web format, got %q", parsed.Status.Reason)
	}
	if parsed.Status.LastEvent != nil {
		t.Error("expected no last_event")
	}
}

func TestFormatJSONEmptyRequests(t *testing.T) {
	snap := Snapshot{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
	}

	var raw map[string]map[string]any
	if err := json.Unmarshal(FormatJSON(snap), &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := raw["status"]["requests"].(map[string]any); !ok {
		t.Errorf("requests should be an object, got %v", raw["status"]["requests"])
	}
	if _, ok := raw["status"]["relays"].([]any); !ok {
		t.Errorf("relays should be an array, got %v", raw["status"]["relays"])
	}
}

func TestFormatJSONLastEvent(t *testing.T) {
	snap := testSnapshot()
	snap.LastEvent = &relay.Event{
		Timestamp: time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC),
		Relay:     "valve1",
		Kind:      relay.KindValve,
		State:     relay.StateOn,
		Previous:  relay.StateOff,
		Username:  "pi",
	}

	var parsed StatusJSON
	if err := json.Unmarshal(FormatJSON(snap), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	want := EventJSON{Timestamp: "2026-01-01T00:10:00Z", Relay: "valve1", Kind: "valve", State: "on", Previous: "off", Username: "pi"}
	if parsed.Status.LastEvent == nil || *parsed.Status.LastEvent != want {
		t.Errorf("LastEvent: got %+v, want %+v", parsed.Status.LastEvent, want)
	}
}

func TestFormatStatusEvent(t *testing.T) {
	data := FormatStatusEvent(testSnapshot(), "STARTUP", "")

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Status.Event != "STARTUP" {
		t.Errorf("Event: got %q, want STARTUP", parsed.Status.Event)
	}
	if parsed.Status.Reason != "" {
		t.Errorf("Reason: got %q, want empty", parsed.Status.Reason)
	}
	if parsed.Status.Relays[0].State != "on" {
		t.Errorf("valve1: got %q, want on", parsed.Status.Relays[0].State)
	}
	if parsed.Status.UptimeSeconds != 900 {
		t.Errorf("UptimeSeconds: got %d, want 900", parsed.Status.UptimeSeconds)
	}
}

func TestFormatStatusEventShutdown(t *testing.T) {
	data := FormatStatusEvent(testSnapshot(), "SHUTDOWN", "SIGTERM")

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Status.Event != "SHUTDOWN" {
		t.Errorf("Event: got %q, want SHUTDOWN", parsed.Status.Event)
	}
	if parsed.Status.Reason != "SIGTERM" {
		t.Errorf("Reason: got %q, want SIGTERM", parsed.Status.Reason)
	}
}

func TestFormatStatusEventOmitsReasonWhenEmpty(t *testing.T) {
	snap := Snapshot{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
	}

	data := FormatStatusEvent(snap, "STARTUP", "")

	// Verify "reason" is not in the raw JSON output
	var raw map[string]interface{}
	json.Unmarshal(data, &raw)
	status := raw["status"].(map[string]interface{})
	if _, exists := status["reason"]; exists {
		t.Error("reason should be omitted when empty")
	}
	if status["event"] != "STARTUP" {
		t.Errorf("event: got %v, want STARTUP", status["event"])
	}
}

func TestFormatJSONWithNetwork(t *testing.T) {
	snap := testSnapshot()
	snap.Network = &NetworkInfo{Type: "wifi", IP: "192.168.1.42", Status: "connected", SSID: "MyNet"}

	data := FormatJSON(snap)

	var parsed StatusJSON
	json.Unmarshal(data, &parsed)

	if parsed.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if parsed.Status.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want 192.168.1.42", parsed.Status.Network.IP)
	}
	if parsed.Status.Network.SSID != "MyNet" {
		t.Errorf("Network.SSID: got %q, want MyNet", parsed.Status.Network.SSID)
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(time.Now(), Config{}, testRelays)
	tr.SetRelaySource(&fakeSource{statuses: []relay.Status{{Relay: "valve1", State: relay.StateOff}}})
	var wg sync.WaitGroup

	// Writer
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			tr.Observe(relay.Event{Relay: "pump1", State: relay.State(i % 2)})
			tr.RecordRequest("ok")
			tr.SetMQTTConnected(i%2 == 0)
			tr.SetNetwork(&NetworkInfo{IP: "1.2.3.4"})
		}
	}()

	// Reader
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := tr.Snapshot()
			_ = snap.Uptime()
		}
	}()

	wg.Wait()

	if got := tr.Snapshot().Requests["ok"]; got != 1000 {
		t.Errorf("Requests[ok]: got %d, want 1000", got)
	}
}
