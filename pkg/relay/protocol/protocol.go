// Package protocol defines the transport-agnostic message contract between
// relay clients and the server: inbound control messages keyed by a type
// discriminator, and outbound event envelopes broadcast per channel.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Control message types accepted from clients. Each maps to exactly one
// session lifecycle call.
const (
	TypePromptStart  = "promptStart"
	TypeSystemPrompt = "systemPrompt"
	TypeAudioStart   = "audioStart"
	TypeStopAudio    = "stopAudio"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// ClientControl is an inbound control frame.
type ClientControl struct {
	Type string `json:"type"`
	// Data carries the payload for types that take one (systemPrompt text).
	Data string `json:"data,omitempty"`
}

// DecodeClientControl parses an inbound text frame. It returns (nil, nil)
// for valid JSON that carries no type discriminator so adapters get a chance
// to claim the message instead.
func DecodeClientControl(data []byte) (*ClientControl, error) {
	var envelope struct {
		Type string `json:"type"`
		Data string `json:"data,omitempty"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, nil
	}
	switch typ {
	case TypePromptStart, TypeAudioStart, TypeStopAudio:
		return &ClientControl{Type: typ}, nil
	case TypeSystemPrompt:
		return &ClientControl{Type: typ, Data: envelope.Data}, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// SessionReady is sent to a client the moment it is attached to a channel.
type SessionReady struct {
	Event        string `json:"event"`
	ChannelID    string `json:"channelId"`
	Message      string `json:"message"`
	IsNewChannel bool   `json:"isNewChannel"`
}

func NewSessionReady(channelID string, isNew bool) SessionReady {
	return SessionReady{
		Event:        "sessionReady",
		ChannelID:    channelID,
		Message:      fmt.Sprintf("Connected to channel %s", channelID),
		IsNewChannel: isNew,
	}
}

// ErrorEnvelope is the JSON error shape surfaced to clients for setup and
// per-message failures.
type ErrorEnvelope struct {
	Event string    `json:"event"`
	Data  ErrorData `json:"data"`
}

type ErrorData struct {
	Message string `json:"message"`
	Details string `json:"details"`
}

func NewError(message, details string) ErrorEnvelope {
	return ErrorEnvelope{Event: "error", Data: ErrorData{Message: message, Details: details}}
}

// EventEnvelope wraps a named session event for broadcast:
// {"event":{"<name>":<payload>}}.
type EventEnvelope struct {
	Event map[string]any `json:"event"`
}

func NewEvent(name string, payload any) EventEnvelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return EventEnvelope{Event: map[string]any{name: payload}}
}

// StreamComplete is the one envelope whose event member is a bare string
// rather than an object, kept for client compatibility.
type StreamComplete struct {
	Event string `json:"event"`
}

func NewStreamComplete() StreamComplete {
	return StreamComplete{Event: "streamComplete"}
}
