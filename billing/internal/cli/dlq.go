package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/dlq"
	natsclient "github.com/telhawk-systems/telhawk-billing/common/messaging/nats"
)

// dlqStore is what the dlq subcommands need from either backend.
type dlqStore interface {
	List(ctx context.Context, limit int) ([]dlq.FailedEvent, error)
	Purge(ctx context.Context) error
	Close()
}

type fileStore struct{ q *dlq.Queue }

func (s fileStore) List(ctx context.Context, limit int) ([]dlq.FailedEvent, error) {
	return s.q.List(ctx, limit)
}

func (s fileStore) Purge(ctx context.Context) error {
	_, err := s.q.Purge(ctx)
	return err
}

func (s fileStore) Close() {}

type jetStreamStore struct {
	q      *dlq.JetStreamQueue
	client *natsclient.JetStreamClient
}

func (s jetStreamStore) List(ctx context.Context, limit int) ([]dlq.FailedEvent, error) {
	return s.q.List(ctx, limit)
}

func (s jetStreamStore) Purge(ctx context.Context) error { return s.q.Purge(ctx) }

func (s jetStreamStore) Close() { _ = s.client.Close() }

func openDLQ(cmd *cobra.Command) (dlqStore, error) {
	backend, _ := cmd.Flags().GetString("backend")
	switch backend {
	case "file":
		path, _ := cmd.Flags().GetString("path")
		q, err := dlq.NewQueue(path)
		if err != nil {
			return nil, err
		}
		return fileStore{q: q}, nil
	case "jetstream":
		natsURL, _ := cmd.Flags().GetString("nats-url")
		client, err := natsclient.NewJetStreamClient(natsclient.Config{URL: natsURL, Name: "billingctl"})
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		q, err := dlq.NewJetStreamQueue(cmd.Context(), client)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return jetStreamStore{q: q, client: client}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (supported: jetstream, file)", backend)
	}
}

func newDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the dead-letter queue",
		Long:  "List or purge webhook events whose handlers failed or timed out",
	}
	cmd.PersistentFlags().String("backend", "jetstream", "DLQ backend: jetstream or file")
	cmd.PersistentFlags().String("nats-url", "nats://localhost:4222", "NATS URL (jetstream backend)")
	cmd.PersistentFlags().String("path", "/var/lib/telhawk/billing-dlq", "DLQ directory (file backend)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered events",
		Example: `  billingctl dlq list --limit 20
  billingctl dlq list --backend file --path ./dlq --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			format, _ := cmd.Flags().GetString("output")

			store, err := openDLQ(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list dlq: %w", err)
			}

			out := cmd.OutOrStdout()
			if done, err := render(out, format, events); done {
				return err
			}

			if len(events) == 0 {
				success(out, "Dead-letter queue is empty")
				return nil
			}

			t := newTable("TIME", "EVENT ID", "TYPE", "REASON", "ATTEMPTS", "ERROR")
			for _, failed := range events {
				id, typ := "", ""
				if failed.Event != nil {
					id, typ = failed.Event.ID, failed.Event.Type
				}
				t.addRow(
					failed.Timestamp.Format(time.RFC3339),
					id,
					typ,
					failed.Reason,
					strconv.Itoa(failed.Attempts),
					failed.Error,
				)
			}
			t.render(out)
			return nil
		},
	}
	list.Flags().Int("limit", 50, "maximum number of entries")

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete every dead-lettered event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return fmt.Errorf("refusing to purge without --yes")
			}

			store, err := openDLQ(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Purge(cmd.Context()); err != nil {
				return fmt.Errorf("purge dlq: %w", err)
			}
			success(cmd.OutOrStdout(), "Dead-letter queue purged")
			return nil
		},
	}
	purge.Flags().Bool("yes", false, "confirm the purge")

	cmd.AddCommand(list, purge)
	return cmd
}
