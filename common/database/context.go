// Package database holds timeouts shared by the billing storage layer.
package database

import (
	"context"
	"time"
)

const (
	// ReadTimeout bounds single-row lookups such as the ledger idempotency check.
	ReadTimeout = 3 * time.Second

	// WriteTimeout bounds ledger inserts and entitlement upserts.
	WriteTimeout = 5 * time.Second
)

// ReadContext derives a context for a read query. The parent's deadline wins
// when it is sooner, so a handler's execution budget is never extended.
func ReadContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, ReadTimeout)
}

// WriteContext derives a context for a write.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, WriteTimeout)
}
