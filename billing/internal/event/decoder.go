package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MalformedPayloadError reports a body that was accepted by the verifier but cannot be
// read as an event. It is distinct from a signature failure.
type MalformedPayloadError struct {
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed webhook payload: %s: %v", e.Reason, e.Err)
	}
	return "malformed webhook payload: " + e.Reason
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

// IsMalformed reports whether err is or wraps a *MalformedPayloadError.
func IsMalformed(err error) bool {
	var m *MalformedPayloadError
	return errors.As(err, &m)
}

// envelope mirrors the provider's top-level event fields. Pointers and RawMessage let
// Decode tell "absent" from "wrong type".
type envelope struct {
	ID         *string         `json:"id"`
	Type       json.RawMessage `json:"type"`
	Data       json.RawMessage `json:"data"`
	Created    *int64          `json:"created"`
	Livemode   bool            `json:"livemode"`
	APIVersion string          `json:"api_version"`
}

// derivedIDPrefix marks identifiers synthesized from the body hash.
const derivedIDPrefix = "evt_derived_"

// Decode parses raw into an Event. raw must be the exact bytes that went through
// signature verification. verified=false marks the event as unverified.
//
// Decoding is a pure function of its inputs: the same bytes and receivedAt always
// produce equal events.
func Decode(raw []byte, receivedAt time.Time, verified bool) (*Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &MalformedPayloadError{Reason: "empty body"}
	}
	if trimmed[0] != '{' {
		return nil, &MalformedPayloadError{Reason: "top-level value is not an object"}
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, &MalformedPayloadError{Reason: "invalid JSON", Err: err}
	}

	var eventType string
	if len(env.Type) == 0 || string(env.Type) == "null" {
		return nil, &MalformedPayloadError{Reason: "missing type"}
	}
	if err := json.Unmarshal(env.Type, &eventType); err != nil {
		return nil, &MalformedPayloadError{Reason: "type is not a string", Err: err}
	}
	if eventType == "" {
		return nil, &MalformedPayloadError{Reason: "empty type"}
	}

	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || data[0] != '{' {
		return nil, &MalformedPayloadError{Reason: "data is missing or not an object"}
	}

	evt := &Event{
		Type:       eventType,
		Data:       json.RawMessage(bytes.Clone(data)),
		Livemode:   env.Livemode,
		APIVersion: env.APIVersion,
		ReceivedAt: receivedAt,
		Unverified: !verified,
	}

	if env.ID != nil && *env.ID != "" {
		evt.ID = *env.ID
	} else {
		evt.ID = DeriveID(raw)
		evt.DerivedID = true
	}

	if env.Created != nil {
		evt.Created = time.Unix(*env.Created, 0).UTC()
	}

	return evt, nil
}

// DeriveID returns a stable identifier for a body without an id, so retries of the same
// bytes still collapse onto one identifier.
func DeriveID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return derivedIDPrefix + hex.EncodeToString(sum[:12])
}
