package models

import "time"

// Ledger entry kinds.
const (
	KindPayment      = "payment"
	KindRefund       = "refund"
	KindInvoice      = "invoice"
	KindSubscription = "subscription"
)

// LedgerEntry is the durable record of one applied webhook event. EventID is
// unique, which is what makes redelivered events no-ops.
type LedgerEntry struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	Kind        string    `json:"kind"`
	ObjectID    string    `json:"object_id"`
	AccountID   string    `json:"account_id,omitempty"`
	CustomerID  string    `json:"customer_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency,omitempty"`
	Livemode    bool      `json:"livemode"`
	Unverified  bool      `json:"unverified"`
	OccurredAt  time.Time `json:"occurred_at"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Entitlement is the current access state of an account. LastEventAt orders
// updates: an event older than the stored one never overwrites it.
type Entitlement struct {
	AccountID      string    `json:"account_id"`
	CustomerID     string    `json:"customer_id,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Status         string    `json:"status"`
	Active         bool      `json:"active"`
	LastEventID    string    `json:"last_event_id"`
	LastEventAt    time.Time `json:"last_event_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
