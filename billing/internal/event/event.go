// Package event turns authenticated webhook bodies into typed event envelopes.
package event

import (
	"encoding/json"
	"time"
)

// Event is a decoded delivery. Data is left opaque; handlers decode the parts they need.
type Event struct {
	// ID is the provider-assigned event identifier. Retries of one logical event share it.
	ID string `json:"id"`

	// Type is the dot-namespaced type tag, e.g. "checkout.session.completed".
	Type string `json:"type"`

	// Data is the raw "data" object exactly as received.
	Data json.RawMessage `json:"data"`

	Created    time.Time `json:"created"`
	Livemode   bool      `json:"livemode"`
	APIVersion string    `json:"api_version,omitempty"`

	// ReceivedAt is when the HTTP request carrying this event arrived.
	ReceivedAt time.Time `json:"received_at"`

	// Unverified is set when the event was accepted without signature verification.
	Unverified bool `json:"unverified"`

	// DerivedID is set when the delivery carried no id and ID was derived from the body.
	DerivedID bool `json:"derived_id"`
}

// Object returns the resource inside Data. Providers wrap it as {"object": {...}};
// bare data objects are returned unchanged.
func (e *Event) Object() json.RawMessage {
	var wrapper struct {
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(e.Data, &wrapper); err == nil && len(wrapper.Object) > 0 && wrapper.Object[0] == '{' {
		return wrapper.Object
	}
	return e.Data
}
