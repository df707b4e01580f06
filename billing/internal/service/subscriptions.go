package service

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/event"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/models"
)

// entitledStatuses are the subscription states that grant access.
var entitledStatuses = map[stripe.SubscriptionStatus]bool{
	stripe.SubscriptionStatusActive:   true,
	stripe.SubscriptionStatusTrialing: true,
}

// handleSubscription mirrors the subscription state onto the account's
// entitlement. Deliveries may arrive out of order; the repository drops
// any event older than the one that produced the stored state.
func (s *BillingService) handleSubscription(ctx context.Context, evt *event.Event) error {
	var sub stripe.Subscription
	if err := decodeObject(evt, &sub); err != nil {
		return err
	}
	if sub.ID == "" {
		return fmt.Errorf("subscription without id")
	}

	if done, err := s.alreadyApplied(ctx, evt); err != nil || done {
		return err
	}

	customer := customerID(sub.Customer)
	accounts, err := s.subscriptionAccounts(ctx, &sub, customer)
	if err != nil {
		return err
	}

	status := sub.Status
	if evt.Type == EventCustomerSubscriptionDeleted {
		status = stripe.SubscriptionStatusCanceled
	}

	var changed []*models.Entitlement
	for _, account := range accounts {
		ent := &models.Entitlement{
			AccountID:      account,
			CustomerID:     customer,
			SubscriptionID: sub.ID,
			Status:         string(status),
			Active:         entitledStatuses[status],
		}
		applied, err := s.applyEntitlement(ctx, evt, ent)
		if err != nil {
			return err
		}
		if applied {
			changed = append(changed, ent)
		}
	}

	return s.record(ctx, evt, &models.LedgerEntry{
		Kind:       models.KindSubscription,
		ObjectID:   sub.ID,
		AccountID:  accounts[0],
		CustomerID: customer,
		Status:     string(status),
	}, changed...)
}

// subscriptionAccounts finds the accounts a subscription event applies to.
// Subscriptions rarely carry the account reference that checkout saw, so the
// accounts already linked to the subscription or customer are used first. The
// customer id itself is the account of last resort.
func (s *BillingService) subscriptionAccounts(ctx context.Context, sub *stripe.Subscription, customer string) ([]string, error) {
	if id := sub.Metadata[accountMetadataKey]; id != "" {
		return []string{id}, nil
	}

	accounts, err := s.repo.EntitlementAccounts(ctx, sub.ID, customer)
	if err != nil {
		return nil, fmt.Errorf("resolve subscription account: %w", err)
	}
	if len(accounts) > 0 {
		return accounts, nil
	}

	if customer == "" {
		return nil, fmt.Errorf("subscription %s has no customer or account reference", sub.ID)
	}
	return []string{customer}, nil
}
