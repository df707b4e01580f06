package service

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/event"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/models"
	"github.com/telhawk-systems/telhawk-billing/common/logging"
)

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// handleCheckoutSessionCompleted records the payment and grants access to the
// account that started the checkout.
func (s *BillingService) handleCheckoutSessionCompleted(ctx context.Context, evt *event.Event) error {
	var session stripe.CheckoutSession
	if err := decodeObject(evt, &session); err != nil {
		return err
	}
	if session.ID == "" {
		return fmt.Errorf("checkout session without id")
	}

	if done, err := s.alreadyApplied(ctx, evt); err != nil || done {
		return err
	}

	customer := customerID(session.Customer)
	account := resolveAccount(session.ClientReferenceID, session.Metadata, customer)

	var changed []*models.Entitlement
	switch {
	case account == "":
		s.logger.WarnContext(ctx, "checkout session has no account reference, entitlement not granted",
			logging.EventID(evt.ID),
			logging.EventType(evt.Type),
		)
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid:
		s.logger.InfoContext(ctx, "checkout completed with payment pending, entitlement deferred",
			logging.EventID(evt.ID),
		)
	default:
		subscriptionID := ""
		if session.Subscription != nil {
			subscriptionID = session.Subscription.ID
		}
		ent := &models.Entitlement{
			AccountID:      account,
			CustomerID:     customer,
			SubscriptionID: subscriptionID,
			Status:         "active",
			Active:         true,
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
		Kind:        models.KindPayment,
		ObjectID:    session.ID,
		AccountID:   account,
		CustomerID:  customer,
		Status:      string(session.PaymentStatus),
		AmountMinor: session.AmountTotal,
		Currency:    string(session.Currency),
	}, changed...)
}

func (s *BillingService) handlePaymentIntent(ctx context.Context, evt *event.Event) error {
	var intent stripe.PaymentIntent
	if err := decodeObject(evt, &intent); err != nil {
		return err
	}
	if intent.ID == "" {
		return fmt.Errorf("payment intent without id")
	}

	if done, err := s.alreadyApplied(ctx, evt); err != nil || done {
		return err
	}

	amount := intent.Amount
	status := string(intent.Status)
	if evt.Type == EventPaymentIntentSucceeded {
		if intent.AmountReceived > 0 {
			amount = intent.AmountReceived
		}
		if status == "" {
			status = string(stripe.PaymentIntentStatusSucceeded)
		}
	} else if status == "" {
		status = "failed"
	}

	customer := customerID(intent.Customer)
	return s.record(ctx, evt, &models.LedgerEntry{
		Kind:        models.KindPayment,
		ObjectID:    intent.ID,
		AccountID:   resolveAccount("", intent.Metadata, customer),
		CustomerID:  customer,
		Status:      status,
		AmountMinor: amount,
		Currency:    string(intent.Currency),
	})
}

func (s *BillingService) handleChargeRefunded(ctx context.Context, evt *event.Event) error {
	var charge stripe.Charge
	if err := decodeObject(evt, &charge); err != nil {
		return err
	}
	if charge.ID == "" {
		return fmt.Errorf("charge without id")
	}

	if done, err := s.alreadyApplied(ctx, evt); err != nil || done {
		return err
	}

	status := "partially_refunded"
	if charge.Refunded {
		status = "refunded"
	}

	customer := customerID(charge.Customer)
	return s.record(ctx, evt, &models.LedgerEntry{
		Kind:        models.KindRefund,
		ObjectID:    charge.ID,
		AccountID:   resolveAccount("", charge.Metadata, customer),
		CustomerID:  customer,
		Status:      status,
		AmountMinor: charge.AmountRefunded,
		Currency:    string(charge.Currency),
	})
}

func (s *BillingService) handleInvoice(ctx context.Context, evt *event.Event) error {
	var invoice stripe.Invoice
	if err := decodeObject(evt, &invoice); err != nil {
		return err
	}
	if invoice.ID == "" {
		return fmt.Errorf("invoice without id")
	}

	if done, err := s.alreadyApplied(ctx, evt); err != nil || done {
		return err
	}

	amount := invoice.AmountPaid
	status := string(invoice.Status)
	if evt.Type == EventInvoicePaymentFailed {
		amount = invoice.AmountDue
		status = "payment_failed"
	} else if status == "" {
		status = string(stripe.InvoiceStatusPaid)
	}

	customer := customerID(invoice.Customer)
	return s.record(ctx, evt, &models.LedgerEntry{
		Kind:        models.KindInvoice,
		ObjectID:    invoice.ID,
		AccountID:   resolveAccount("", invoice.Metadata, customer),
		CustomerID:  customer,
		Status:      status,
		AmountMinor: amount,
		Currency:    string(invoice.Currency),
	})
}
