// Package dispatch routes decoded webhook events to the handler registered for
// their type.
package dispatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/telhawk-systems/telhawk-billing/billing/internal/event"
)

// HandlerFunc processes one event. The returned error is logged and
// dead-lettered; it never reaches the provider.
type HandlerFunc func(ctx context.Context, evt *event.Event) error

// Registry maps event type tags to handlers. It is built once at startup and
// only read afterwards, so lookups need no locking.
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry copies handlers into a new registry. Empty type tags and nil
// handlers are rejected.
func NewRegistry(handlers map[string]HandlerFunc) (*Registry, error) {
	copied := make(map[string]HandlerFunc, len(handlers))
	for eventType, h := range handlers {
		if eventType == "" {
			return nil, fmt.Errorf("registry: empty event type")
		}
		if h == nil {
			return nil, fmt.Errorf("registry: nil handler for %q", eventType)
		}
		copied[eventType] = h
	}
	return &Registry{handlers: copied}, nil
}

// Lookup returns the handler for eventType. A miss is not an error.
func (r *Registry) Lookup(eventType string) (HandlerFunc, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[eventType]
	return h, ok
}

// Types returns the registered type tags in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Len reports the number of registrations.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.handlers)
}
