package messaging

import "strings"

// Subject constants for the billing message bus.
// Follow the pattern: {domain}.{resource}.{action}
const (
	// Entitlement lifecycle, published after a webhook handler changes account access.
	SubjectBillingEntitlementsGranted = "billing.entitlements.granted"
	SubjectBillingEntitlementsRevoked = "billing.entitlements.revoked"

	// Ledger entries written from payment events.
	SubjectBillingLedgerRecorded = "billing.ledger.recorded"

	// SubjectBillingDLQPrefix prefixes dead-letter subjects; the reason is appended.
	SubjectBillingDLQPrefix = "billing.dlq"
)

// DLQSubject returns the dead-letter subject for a failure reason.
// Reasons are reduced to subject-safe tokens; example: billing.dlq.handler_timeout
func DLQSubject(reason string) string {
	token := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, reason)
	if token == "" {
		token = "unknown"
	}
	return SubjectBillingDLQPrefix + "." + token
}
