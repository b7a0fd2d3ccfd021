// Package protocol decodes relay commands, dispatches them to the relay
// core and encodes the results.
//
// A request names a relay (or "all") and an action:
//
//	{"relay": "valve1", "action": "on", "username": "pi"}
//
// Single-relay results are {"relay": "valve1", "status": "on"}. A status
// request for "all" returns every relay keyed by name in registry order.
// Failures are {"error": "...", "code": "..."}.
package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sweeney/relayd/internal/relay"
)

// Action is a requested relay operation.
type Action string

const (
	ActionOn     Action = "on"
	ActionOff    Action = "off"
	ActionStatus Action = "status"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionOn, ActionOff, ActionStatus:
		return true
	}
	return false
}

// Request is a single client command.
type Request struct {
	Relay  string `json:"relay" cbor:"relay"`
	Action Action `json:"action" cbor:"action"`
	// Username identifies the caller for logs only. It carries no
	// authority.
	Username string `json:"username,omitempty" cbor:"username,omitempty"`
}

// Validate checks the request shape. It does not resolve the relay name.
func (r Request) Validate() error {
	if r.Relay == "" {
		return fmt.Errorf("%w: missing required field: relay", relay.ErrMalformedRequest)
	}
	if r.Action == "" {
		return fmt.Errorf("%w: missing required field: action", relay.ErrMalformedRequest)
	}
	if !r.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", relay.ErrMalformedRequest, r.Action)
	}
	return nil
}

// RelayStatus is the response for a single-relay command.
type RelayStatus struct {
	Relay  string `json:"relay" cbor:"relay"`
	Status string `json:"status" cbor:"status"`
}

// AllStatus is the response for an "all" status request. It encodes as an
// object keyed by relay name, preserving registry order in JSON.
type AllStatus []relay.Status

// Map returns the statuses keyed by relay name.
func (a AllStatus) Map() map[string]string {
	m := make(map[string]string, len(a))
	for _, s := range a {
		m[s.Relay] = s.State.String()
	}
	return m
}

// MarshalJSON implements json.Marshaler.
func (a AllStatus) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, s := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(s.Relay)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(s.State.String())
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalCBOR implements cbor.Marshaler. CBOR maps use deterministic key
// order so registry order is not kept.
func (a AllStatus) MarshalCBOR() ([]byte, error) {
	return marshalCBOR(a.Map())
}

// ErrorResponse is the response for any failed command.
type ErrorResponse struct {
	Error string `json:"error" cbor:"error"`
	Code  string `json:"code" cbor:"code"`
}

// Wire error codes.
const (
	CodeUnknownRelay        = "unknown_relay"
	CodeInvalidCombination  = "invalid_combination"
	CodeSafetyLimitExceeded = "safety_limit_exceeded"
	CodeHardwareError       = "hardware_error"
	CodeTimeout             = "timeout"
	CodeMalformedRequest    = "malformed_request"
	CodeInternal            = "internal_error"
)

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, relay.ErrUnknownRelay):
		return CodeUnknownRelay
	case errors.Is(err, relay.ErrInvalidCombination):
		return CodeInvalidCombination
	case errors.Is(err, relay.ErrSafetyLimitExceeded):
		return CodeSafetyLimitExceeded
	case errors.Is(err, relay.ErrMalformedRequest):
		return CodeMalformedRequest
	case errors.Is(err, relay.ErrTimeout):
		return CodeTimeout
	case errors.Is(err, relay.ErrHardware):
		return CodeHardwareError
	default:
		return CodeInternal
	}
}

// NewErrorResponse builds the wire form of err.
func NewErrorResponse(err error) ErrorResponse {
	return ErrorResponse{Error: err.Error(), Code: ErrorCode(err)}
}

// Controller is the relay core as seen by the handler.
type Controller interface {
	Set(ctx context.Context, name string, on bool) (relay.Status, error)
	Get(ctx context.Context, name string) (relay.Status, error)
	All(ctx context.Context) ([]relay.Status, error)
}

// Handler dispatches requests to a Controller. It keeps no state between
// requests.
type Handler struct {
	ctl Controller
}

// NewHandler creates a Handler for ctl.
func NewHandler(ctl Controller) *Handler {
	return &Handler{ctl: ctl}
}

// Handle executes req and returns a RelayStatus or AllStatus.
func (h *Handler) Handle(ctx context.Context, req Request) (any, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Username != "" {
		ctx = relay.WithRequester(ctx, req.Username)
	}

	if req.Relay == relay.SelectorAll {
		if req.Action != ActionStatus {
			return nil, fmt.Errorf("%w: %q only supports %q, got %q", relay.ErrInvalidCombination, relay.SelectorAll, ActionStatus, req.Action)
		}
		all, err := h.ctl.All(ctx)
		if err != nil {
			return nil, err
		}
		return AllStatus(all), nil
	}

	var (
		st  relay.Status
		err error
	)
	switch req.Action {
	case ActionOn:
		st, err = h.ctl.Set(ctx, req.Relay, true)
	case ActionOff:
		st, err = h.ctl.Set(ctx, req.Relay, false)
	case ActionStatus:
		st, err = h.ctl.Get(ctx, req.Relay)
	}
	if err != nil {
		return nil, err
	}
	return RelayStatus{Relay: st.Relay, Status: st.State.String()}, nil
}
