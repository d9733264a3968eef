package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire frame for inbound events: an event name plus a raw
// payload decoded lazily by the matching request type.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerEvent is the wire frame for outbound events.
type ServerEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// NewServerEvent builds an outbound event frame.
func NewServerEvent(event string, data any) ServerEvent {
	return ServerEvent{Event: event, Data: data}
}

// DecodeEnvelope parses a raw client frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding event frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("event frame missing event name")
	}
	return env, nil
}

// DecodeJoin parses a join payload. Legacy clients sent a bare room string
// instead of an object.
func DecodeJoin(data json.RawMessage) (JoinRequest, error) {
	var req JoinRequest
	if room, ok := asString(data); ok {
		req.Room = room
		return req, nil
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return JoinRequest{}, fmt.Errorf("decoding join payload: %w", err)
	}
	return req, nil
}

// DecodeLeave parses a leave payload, accepting the legacy bare-string form.
func DecodeLeave(data json.RawMessage) (LeaveRequest, error) {
	var req LeaveRequest
	if room, ok := asString(data); ok {
		req.Room = room
		return req, nil
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return LeaveRequest{}, fmt.Errorf("decoding leave payload: %w", err)
	}
	return req, nil
}

// DecodeSend parses a send payload, accepting the legacy bare-string form
// (message text only, routed to the sender's current room).
func DecodeSend(data json.RawMessage) (SendRequest, error) {
	var req SendRequest
	if text, ok := asString(data); ok {
		req.Message = text
		return req, nil
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return SendRequest{}, fmt.Errorf("decoding send payload: %w", err)
	}
	return req, nil
}

// DecodeTyping parses a typing payload, accepting the legacy bare-string
// form (room name only).
func DecodeTyping(data json.RawMessage) (TypingRequest, error) {
	var req TypingRequest
	if room, ok := asString(data); ok {
		req.Room = room
		return req, nil
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return TypingRequest{}, fmt.Errorf("decoding typing payload: %w", err)
	}
	return req, nil
}

// DecodeAs parses a payload into the provided request type.
func DecodeAs[T any](data json.RawMessage) (T, error) {
	var req T
	if len(data) == 0 {
		return req, fmt.Errorf("missing event payload")
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("decoding event payload: %w", err)
	}
	return req, nil
}

func asString(data json.RawMessage) (string, bool) {
	if len(data) == 0 || data[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", false
	}
	return s, true
}
