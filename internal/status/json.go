package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string           `json:"event,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Relays        []RelayJSON      `json:"relays"`
	RelaysStale   bool             `json:"relays_stale,omitempty"`
	Active        int              `json:"active"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	StartTime     string           `json:"start_time"`
	Timestamp     string           `json:"timestamp"`
	MQTT          MQTTStatus       `json:"mqtt"`
	Requests      map[string]int64 `json:"requests"`
	LastEvent     *EventJSON       `json:"last_event,omitempty"`
	Network       *NetworkJSON     `json:"network,omitempty"`
	Config        ConfigJSON       `json:"config"`
}

// RelayJSON is one relay in the status output.
type RelayJSON struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Pin      int    `json:"pin"`
	State    string `json:"state"`
	Switches int64  `json:"switches"`
}

// EventJSON is the JSON representation of a relay change.
type EventJSON struct {
	Timestamp string `json:"timestamp"`
	Relay     string `json:"relay"`
	Kind      string `json:"kind"`
	State     string `json:"state"`
	Previous  string `json:"previous"`
	Username  string `json:"username,omitempty"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Socket   string `json:"socket"`
	Driver   string `json:"driver"`
	Address  string `json:"i2c_address,omitempty"`
	Policy   string `json:"policy"`
	Broker   string `json:"broker"`
	HTTPAddr string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	relays := make([]RelayJSON, len(snap.Relays))
	for i, r := range snap.Relays {
		relays[i] = RelayJSON{
			Name:     r.Name,
			Kind:     string(r.Kind),
			Pin:      r.Pin,
			State:    r.State.String(),
			Switches: r.Switches,
		}
	}

	requests := snap.Requests
	if requests == nil {
		requests = map[string]int64{}
	}

	inner := StatusInner{
		Relays:        relays,
		RelaysStale:   snap.RelaysStale,
		Active:        snap.Active(),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Requests:      requests,
		Config: ConfigJSON{
			Socket:   snap.Config.Socket,
			Driver:   snap.Config.Driver,
			Address:  snap.Config.Address,
			Policy:   snap.Config.Policy,
			Broker:   snap.Config.Broker,
			HTTPAddr: snap.Config.HTTPAddr,
		},
	}

	if ev := snap.LastEvent; ev != nil {
		inner.LastEvent = &EventJSON{
			Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
			Relay:     ev.Relay,
			Kind:      string(ev.Kind),
			State:     ev.State.String(),
			Previous:  ev.Previous.String(),
			Username:  ev.Username,
		}
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
