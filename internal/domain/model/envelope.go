package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// SendMethod is the delivery policy of an envelope. It is evaluated on the
// consuming side because one stream fans out to many identities.
type SendMethod string

const (
	SenderOnly   SendMethod = "SenderOnly"
	AllButSender SendMethod = "AllButSender"
	All          SendMethod = "All"
)

// Valid reports whether m is one of the known policies.
func (m SendMethod) Valid() bool {
	switch m {
	case SenderOnly, AllButSender, All:
		return true
	}
	return false
}

// Identity is the author of an envelope. Absent for system-originated events.
type Identity struct {
	ID   uuid.UUID `json:"id" cbor:"id"`
	Name string    `json:"name" cbor:"name"`
}

// EnvelopeError is the structured error carried in place of a payload.
type EnvelopeError struct {
	Code    ErrorCode `json:"code" cbor:"code"`
	Message string    `json:"message" cbor:"message"`
}

// Envelope is the unit of transport: stored (compressed) in a stream entry and
// written as JSON to every WebSocket that passes the delivery policy.
type Envelope struct {
	Route      Route           `json:"route" cbor:"route"`
	Event      Event           `json:"event" cbor:"event"`
	Payload    json.RawMessage `json:"payload" cbor:"payload"`
	SentBy     *Identity       `json:"sent_by" cbor:"sent_by"`
	Error      *EnvelopeError  `json:"error" cbor:"error"`
	SendMethod SendMethod      `json:"send_method" cbor:"send_method"`
}

var nullPayload = json.RawMessage("null")

// NewEnvelope marshals data into the payload. A payload that cannot be
// serialized turns the envelope into an internal error envelope instead of
// failing the caller.
func NewEnvelope(route Route, event Event, data any, method SendMethod, sender *Identity) Envelope {
	env := Envelope{
		Route:      route,
		Event:      event,
		SentBy:     sender,
		SendMethod: method,
	}

	raw, err := json.Marshal(data)
	if err != nil {
		env.Payload = nullPayload
		env.Error = &EnvelopeError{
			Code:    CodeInternal,
			Message: "Failed to serialize data",
		}
		return env
	}

	env.Payload = raw
	return env
}

// NewErrorEnvelope builds a SenderOnly envelope that carries err back to its author.
func NewErrorEnvelope(route Route, event Event, code ErrorCode, message string, sender *Identity) Envelope {
	return Envelope{
		Route:      route,
		Event:      event,
		Payload:    nullPayload,
		SentBy:     sender,
		Error:      &EnvelopeError{Code: code, Message: message},
		SendMethod: SenderOnly,
	}
}

// DeliverTo applies the delivery policy for a connection authenticated as userID.
// An envelope without sent_by is never filtered.
func (e *Envelope) DeliverTo(userID uuid.UUID) bool {
	if e.SentBy == nil {
		return true
	}

	switch e.SendMethod {
	case SenderOnly:
		return e.SentBy.ID == userID
	case AllButSender:
		return e.SentBy.ID != userID
	default:
		return true
	}
}
