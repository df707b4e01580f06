package cli

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/signature"
)

func newTriggerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger <event-type>",
		Short: "Send a signed test event to the webhook endpoint",
		Long: `Generate a provider-shaped event of the given type, sign it and POST it to
the billing webhook endpoint. Object fields can be overridden from a YAML file.`,
		Example: `  billingctl trigger checkout.session.completed --secret whsec_123
  billingctl trigger customer.subscription.deleted --data-file sub.yaml
  billingctl trigger invoice.paid --unsigned --url http://localhost:8090/webhooks/stripe`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventType := args[0]
			url, _ := cmd.Flags().GetString("url")
			dataFile, _ := cmd.Flags().GetString("data-file")
			unsigned, _ := cmd.Flags().GetBool("unsigned")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			seed, _ := cmd.Flags().GetInt64("seed")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			secret := secretFromFlags(cmd)
			if secret == "" && !unsigned {
				return fmt.Errorf("signing secret is required (use --secret, %s, or --unsigned)", secretEnv)
			}

			var overrides *Overrides
			if dataFile != "" {
				o, err := loadOverrides(dataFile)
				if err != nil {
					return err
				}
				overrides = o
			}

			body, err := newFixtureGenerator(seed).Build(eventType, overrides)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprintln(out, string(body))
				return nil
			}

			header := ""
			if !unsigned {
				header = signature.Sign(body, secret, time.Now())
			}

			status, respBody, err := deliver(cmd, url, body, header, timeout)
			if err != nil {
				return err
			}

			if status >= 200 && status < 300 {
				success(out, "%s delivered: %d", eventType, status)
				return nil
			}
			warn(out, "%s rejected: %d %s", eventType, status, respBody)
			return fmt.Errorf("webhook endpoint returned %d", status)
		},
	}

	cmd.Flags().String("url", defaultWebhookURL, "webhook endpoint URL")
	cmd.Flags().String("secret", "", "webhook signing secret (default: $"+secretEnv+")")
	cmd.Flags().String("data-file", "", "YAML file with id/created/object overrides")
	cmd.Flags().Bool("unsigned", false, "send without a signature header")
	cmd.Flags().Bool("dry-run", false, "print the generated event instead of sending it")
	cmd.Flags().Int64("seed", 0, "fixture random seed (0 picks a random seed)")
	cmd.Flags().Duration("timeout", 10*time.Second, "HTTP request timeout")
	return cmd
}

func deliver(cmd *cobra.Command, url string, body []byte, header string, timeout time.Duration) (int, string, error) {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "billingctl/0.1.0")
	if header != "" {
		req.Header.Set(signature.HeaderName, header)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("send event: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(bytes.TrimSpace(respBody)), nil
}
