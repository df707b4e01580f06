package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-billing/billing/internal/models"
)

type InMemoryRepository struct {
	ledger       map[string]*models.LedgerEntry
	order        []string
	entitlements map[string]*models.Entitlement
	mu           sync.RWMutex
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		ledger:       make(map[string]*models.LedgerEntry),
		entitlements: make(map[string]*models.Entitlement),
	}
}

func (r *InMemoryRepository) Ping(ctx context.Context) error { return nil }

func (r *InMemoryRepository) Close() {}

func (r *InMemoryRepository) RecordLedgerEntry(ctx context.Context, entry *models.LedgerEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ledger[entry.EventID]; exists {
		return false, nil
	}

	stored := *entry
	if stored.RecordedAt.IsZero() {
		stored.RecordedAt = time.Now().UTC()
	}
	r.ledger[entry.EventID] = &stored
	r.order = append(r.order, entry.EventID)
	return true, nil
}

func (r *InMemoryRepository) GetLedgerEntry(ctx context.Context, eventID string) (*models.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.ledger[eventID]
	if !exists {
		return nil, ErrLedgerEntryNotFound
	}
	copied := *entry
	return &copied, nil
}

func (r *InMemoryRepository) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]*models.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []*models.LedgerEntry
	for _, id := range r.order {
		entry := r.ledger[id]
		if accountID != "" && entry.AccountID != accountID {
			continue
		}
		copied := *entry
		entries = append(entries, &copied)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].OccurredAt.After(entries[j].OccurredAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (r *InMemoryRepository) UpsertEntitlement(ctx context.Context, ent *models.Entitlement) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.entitlements[ent.AccountID]; exists && current.LastEventAt.After(ent.LastEventAt) {
		return false, nil
	}

	stored := *ent
	stored.UpdatedAt = time.Now().UTC()
	r.entitlements[ent.AccountID] = &stored
	return true, nil
}

func (r *InMemoryRepository) GetEntitlement(ctx context.Context, accountID string) (*models.Entitlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ent, exists := r.entitlements[accountID]
	if !exists {
		return nil, ErrEntitlementNotFound
	}
	copied := *ent
	return &copied, nil
}

func (r *InMemoryRepository) EntitlementAccounts(ctx context.Context, subscriptionID, customerID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	match := func(keep func(*models.Entitlement) bool) []*models.Entitlement {
		var found []*models.Entitlement
		for _, ent := range r.entitlements {
			if keep(ent) {
				found = append(found, ent)
			}
		}
		return found
	}

	var found []*models.Entitlement
	if subscriptionID != "" {
		found = match(func(e *models.Entitlement) bool { return e.SubscriptionID == subscriptionID })
	}
	if len(found) == 0 && customerID != "" {
		found = match(func(e *models.Entitlement) bool { return e.CustomerID == customerID })
	}

	sort.Slice(found, func(i, j int) bool {
		iMapped, jMapped := found[i].AccountID != found[i].CustomerID, found[j].AccountID != found[j].CustomerID
		if iMapped != jMapped {
			return iMapped
		}
		return found[i].AccountID < found[j].AccountID
	})

	accounts := make([]string, 0, len(found))
	for _, ent := range found {
		accounts = append(accounts, ent.AccountID)
	}
	return accounts, nil
}
