package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/signature"
)

func newSignCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Compute a signature header for a payload",
		Long: `Compute the Stripe-Signature header value for a payload, exactly as the
provider would send it. The payload is read from --file or stdin.`,
		Example: `  billingctl sign --secret whsec_123 --file event.json
  cat event.json | billingctl sign --secret whsec_123`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := secretFromFlags(cmd)
			if secret == "" {
				return fmt.Errorf("signing secret is required (use --secret or %s)", secretEnv)
			}

			file, _ := cmd.Flags().GetString("file")
			payload, err := readPayload(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			ts := time.Now()
			if unix, _ := cmd.Flags().GetInt64("timestamp"); unix > 0 {
				ts = time.Unix(unix, 0)
			}

			fmt.Fprintln(cmd.OutOrStdout(), signature.Sign(payload, secret, ts))
			return nil
		},
	}

	cmd.Flags().String("secret", "", "webhook signing secret (default: $"+secretEnv+")")
	cmd.Flags().StringP("file", "f", "", "payload file (default: stdin)")
	cmd.Flags().Int64("timestamp", 0, "unix timestamp to sign with (default: now)")
	return cmd
}

func readPayload(stdin io.Reader, file string) ([]byte, error) {
	if file == "" || file == "-" {
		payload, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		return payload, nil
	}
	payload, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return payload, nil
}
