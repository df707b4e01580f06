// Package cli implements billingctl, the operator tool for the billing webhook
// service: signing payloads, sending test deliveries and inspecting the DLQ.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

const (
	defaultWebhookURL = "http://localhost:8090/webhooks/stripe"
	secretEnv         = "BILLING_WEBHOOK_SIGNING_SECRET"
)

// NewRootCommand builds the command tree. Tests build a fresh tree per case.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "billingctl",
		Short: "TelHawk Billing operator CLI",
		Long: `billingctl talks to the TelHawk billing webhook service.

Sign payloads the way the payment provider does, send signed test
deliveries, and inspect or purge the dead-letter queue.`,
		Version:      "0.1.0",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("output", "table", "output format: table, json, yaml")

	root.AddCommand(newSignCommand())
	root.AddCommand(newTriggerCommand())
	root.AddCommand(newDLQCommand())
	return root
}

func Execute() error {
	return NewRootCommand().Execute()
}

// secretFromFlags returns --secret, falling back to the service's own env variable.
func secretFromFlags(cmd *cobra.Command) string {
	secret, _ := cmd.Flags().GetString("secret")
	if secret == "" {
		secret = os.Getenv(secretEnv)
	}
	return secret
}
