// Package service holds the billing handlers that the dispatch router invokes
// for each supported provider event type.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/telhawk-billing/billing/internal/dispatch"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/event"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/metrics"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/models"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/repository"
	"github.com/telhawk-systems/telhawk-billing/common/logging"
	"github.com/telhawk-systems/telhawk-billing/common/messaging"
)

// Event types handled by BillingService.
const (
	EventCheckoutSessionCompleted    = "checkout.session.completed"
	EventPaymentIntentSucceeded      = "payment_intent.succeeded"
	EventPaymentIntentPaymentFailed  = "payment_intent.payment_failed"
	EventChargeRefunded              = "charge.refunded"
	EventInvoicePaid                 = "invoice.paid"
	EventInvoicePaymentFailed        = "invoice.payment_failed"
	EventCustomerSubscriptionCreated = "customer.subscription.created"
	EventCustomerSubscriptionUpdated = "customer.subscription.updated"
	EventCustomerSubscriptionDeleted = "customer.subscription.deleted"
)

const accountMetadataKey = "account_id"

// BillingService applies payment events to the ledger and entitlement store.
// Every handler is safe to run more than once for the same event id.
type BillingService struct {
	repo      repository.Repository
	publisher messaging.Publisher
	logger    *slog.Logger
}

func NewBillingService(repo repository.Repository, publisher messaging.Publisher, logger *slog.Logger) *BillingService {
	if publisher == nil {
		publisher = messaging.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingService{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
	}
}

// Handlers returns the registrations for every event type this service handles.
func (s *BillingService) Handlers() map[string]dispatch.HandlerFunc {
	return map[string]dispatch.HandlerFunc{
		EventCheckoutSessionCompleted:    s.handleCheckoutSessionCompleted,
		EventPaymentIntentSucceeded:      s.handlePaymentIntent,
		EventPaymentIntentPaymentFailed:  s.handlePaymentIntent,
		EventChargeRefunded:              s.handleChargeRefunded,
		EventInvoicePaid:                 s.handleInvoice,
		EventInvoicePaymentFailed:        s.handleInvoice,
		EventCustomerSubscriptionCreated: s.handleSubscription,
		EventCustomerSubscriptionUpdated: s.handleSubscription,
		EventCustomerSubscriptionDeleted: s.handleSubscription,
	}
}

// decodeObject unmarshals the event's resource into dst.
func decodeObject(evt *event.Event, dst any) error {
	if err := json.Unmarshal(evt.Object(), dst); err != nil {
		return fmt.Errorf("decode %s object: %w", evt.Type, err)
	}
	return nil
}

// occurredAt is the provider's creation time, or the receive time when absent.
func occurredAt(evt *event.Event) time.Time {
	if !evt.Created.IsZero() {
		return evt.Created
	}
	return evt.ReceivedAt
}

// resolveAccount picks the internal account an object belongs to: an explicit
// client reference, then account_id metadata, then the provider customer id.
func resolveAccount(clientReference string, metadata map[string]string, customerID string) string {
	if clientReference != "" {
		return clientReference
	}
	if id := metadata[accountMetadataKey]; id != "" {
		return id
	}
	return customerID
}

// alreadyApplied reports whether evt has a ledger entry. Handlers check it
// first and write the ledger entry last, so a handler that failed halfway is
// redone in full when the event is delivered again.
func (s *BillingService) alreadyApplied(ctx context.Context, evt *event.Event) (bool, error) {
	_, err := s.repo.GetLedgerEntry(ctx, evt.ID)
	switch {
	case err == nil:
		metrics.DuplicateEvents.WithLabelValues(evt.Type).Inc()
		s.logger.InfoContext(ctx, "event already applied, skipping",
			logging.EventID(evt.ID),
			logging.EventType(evt.Type),
		)
		return true, nil
	case errors.Is(err, repository.ErrLedgerEntryNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("check ledger: %w", err)
	}
}

// record writes the ledger entry for evt. Notifications for the entry and for
// the entitlements the handler changed go out only when this call inserted the
// row, so concurrent deliveries of one event announce it once.
func (s *BillingService) record(ctx context.Context, evt *event.Event, entry *models.LedgerEntry, changed ...*models.Entitlement) error {
	entry.EventID = evt.ID
	entry.EventType = evt.Type
	entry.Livemode = evt.Livemode
	entry.Unverified = evt.Unverified
	entry.OccurredAt = occurredAt(evt)

	inserted, err := s.repo.RecordLedgerEntry(ctx, entry)
	if err != nil {
		return fmt.Errorf("record ledger entry: %w", err)
	}
	if !inserted {
		s.logger.DebugContext(ctx, "event recorded by a concurrent delivery, notifications skipped",
			logging.EventID(evt.ID),
			logging.EventType(evt.Type),
		)
		return nil
	}

	s.publish(ctx, messaging.SubjectBillingLedgerRecorded, evt, entry)
	for _, ent := range changed {
		subject := messaging.SubjectBillingEntitlementsGranted
		if !ent.Active {
			subject = messaging.SubjectBillingEntitlementsRevoked
		}
		s.publish(ctx, subject, evt, ent)
	}
	return nil
}

// applyEntitlement stores ent and reports whether it was applied.
func (s *BillingService) applyEntitlement(ctx context.Context, evt *event.Event, ent *models.Entitlement) (bool, error) {
	ent.LastEventID = evt.ID
	ent.LastEventAt = occurredAt(evt)

	applied, err := s.repo.UpsertEntitlement(ctx, ent)
	if err != nil {
		return false, fmt.Errorf("upsert entitlement: %w", err)
	}
	if !applied {
		s.logger.InfoContext(ctx, "entitlement has newer state, ignoring out-of-order event",
			logging.EventID(evt.ID),
			logging.EventType(evt.Type),
			slog.String("account_id", ent.AccountID),
		)
	}
	return applied, nil
}

// publish is best effort. Failures are logged and never fail the handler.
func (s *BillingService) publish(ctx context.Context, subject string, evt *event.Event, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to encode billing notification", logging.Error(err))
		return
	}

	msg := &messaging.Message{
		Subject: subject,
		Data:    data,
		Metadata: map[string]string{
			"event_id":   evt.ID,
			"event_type": evt.Type,
		},
		Timestamp: time.Now().UTC(),
	}
	if err := s.publisher.PublishMsg(ctx, msg); err != nil {
		s.logger.WarnContext(ctx, "failed to publish billing notification",
			logging.EventID(evt.ID),
			slog.String("subject", subject),
			logging.Error(err),
		)
	}
}
