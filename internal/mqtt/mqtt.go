// Package mqtt publishes committed relay changes and daemon lifecycle events,
// with an abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/relayd/internal/relay"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "garden/irrigation"

// System event names.
const (
	EventStartup     = "STARTUP"
	EventShutdown    = "SHUTDOWN"
	EventOffline     = "OFFLINE"
	EventReconnected = "RECONNECTED"
)

// RelayTopic is the retained per-relay state topic.
func RelayTopic(prefix, name string) string {
	return prefix + "/relays/" + name
}

// SystemTopic carries lifecycle events and the last will.
func SystemTopic(prefix string) string {
	return prefix + "/system"
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a relay change to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event relay.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (startup, shutdown).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // e.g. "SIGTERM" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool
}

// Payload is the message published for a relay change.
type Payload struct {
	Relay RelayPayload `json:"relay"`
}

// RelayPayload contains the relay change details.
type RelayPayload struct {
	Timestamp string `json:"timestamp"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	State     string `json:"state"`
	Previous  string `json:"previous"`
	Username  string `json:"username,omitempty"`
}

// FormatPayload creates the JSON payload for a relay change.
func FormatPayload(event relay.Event) ([]byte, error) {
	payload := Payload{
		Relay: RelayPayload{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Name:      event.Relay,
			Kind:      string(event.Kind),
			State:     event.State.String(),
			Previous:  event.Previous.String(),
			Username:  event.Username,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (last will, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp,omitempty"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	inner := SystemPayloadInner{
		Event:  event.Event,
		Reason: event.Reason,
	}
	if !event.Timestamp.IsZero() {
		inner.Timestamp = event.Timestamp.UTC().Format(time.RFC3339)
	}
	return json.Marshal(SystemPayload{System: inner})
}

// willPayload is registered with the broker at connect time; it has no
// timestamp because the broker sends it later.
func willPayload() []byte {
	data, _ := FormatSystemPayload(SystemEvent{Event: EventOffline, Reason: "connection lost"})
	return data
}
