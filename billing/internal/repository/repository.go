package repository

import (
	"context"
	"errors"

	"github.com/telhawk-systems/telhawk-billing/billing/internal/models"
)

var (
	ErrLedgerEntryNotFound = errors.New("ledger entry not found")
	ErrEntitlementNotFound = errors.New("entitlement not found")
)

type Repository interface {
	Ping(ctx context.Context) error
	Close()

	// RecordLedgerEntry stores entry unless its event id was already recorded.
	// It reports whether a new row was written.
	RecordLedgerEntry(ctx context.Context, entry *models.LedgerEntry) (bool, error)
	GetLedgerEntry(ctx context.Context, eventID string) (*models.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]*models.LedgerEntry, error)

	// UpsertEntitlement applies ent unless the stored entitlement was set by a
	// later event. It reports whether ent was applied.
	UpsertEntitlement(ctx context.Context, ent *models.Entitlement) (bool, error)
	GetEntitlement(ctx context.Context, accountID string) (*models.Entitlement, error)

	// EntitlementAccounts returns the accounts whose entitlement is tied to
	// subscriptionID or, when no row carries that subscription, to customerID.
	// Accounts mapped explicitly (account id differs from the customer id) come
	// first. An empty result is not an error.
	EntitlementAccounts(ctx context.Context, subscriptionID, customerID string) ([]string, error)
}
