package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/event"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/metrics"
	"github.com/telhawk-systems/telhawk-billing/common/messaging"
	"github.com/telhawk-systems/telhawk-billing/common/messaging/nats"
)

// StreamPublisher is the subset of a JetStream client the queue needs.
type StreamPublisher interface {
	CreateOrUpdateStream(ctx context.Context, cfg nats.StreamConfig) (jetstream.Stream, error)
	PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error)
}

// JetStreamQueue writes failed events to a NATS JetStream stream so every
// service instance shares one dead-letter store.
type JetStreamQueue struct {
	js      StreamPublisher
	stream  jetstream.Stream
	written uint64
}

// NewJetStreamQueue creates or updates the BILLING_DLQ stream and returns a queue on it.
func NewJetStreamQueue(ctx context.Context, js StreamPublisher) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}

	stream, err := js.CreateOrUpdateStream(ctx, nats.BillingDLQStream)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	slog.InfoContext(ctx, "DLQ: JetStream stream ready", "stream", nats.BillingDLQStream.Name)

	return &JetStreamQueue{js: js, stream: stream}, nil
}

// Write publishes a failed event on billing.dlq.<reason>.
func (q *JetStreamQueue) Write(ctx context.Context, evt *event.Event, err error, reason string) error {
	if q == nil {
		return nil
	}

	data, marshalErr := json.Marshal(newFailedEvent(evt, err, reason))
	if marshalErr != nil {
		metrics.DLQWrites.WithLabelValues(reason, "error").Inc()
		return fmt.Errorf("marshal dlq entry: %w", marshalErr)
	}

	if _, pubErr := q.js.PublishSync(ctx, messaging.DLQSubject(reason), data); pubErr != nil {
		metrics.DLQWrites.WithLabelValues(reason, "error").Inc()
		return fmt.Errorf("publish dlq entry: %w", pubErr)
	}

	atomic.AddUint64(&q.written, 1)
	metrics.DLQWrites.WithLabelValues(reason, "ok").Inc()
	slog.InfoContext(ctx, "DLQ: published failed event", "reason", reason)
	return nil
}

// Stats returns stream state for diagnostics.
func (q *JetStreamQueue) Stats(ctx context.Context) map[string]interface{} {
	if q == nil {
		return map[string]interface{}{
			"enabled": false,
			"backend": "jetstream",
		}
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return map[string]interface{}{
			"enabled":       true,
			"backend":       "jetstream",
			"written_local": atomic.LoadUint64(&q.written),
			"error":         err.Error(),
		}
	}

	return map[string]interface{}{
		"enabled":        true,
		"backend":        "jetstream",
		"written_local":  atomic.LoadUint64(&q.written),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
	}
}

// List reads up to limit entries through an ephemeral consumer.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]FailedEvent, error) {
	if q == nil {
		return nil, ErrNotEnabled
	}

	if limit <= 0 {
		limit = 100
	}

	consumer, err := q.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{messaging.SubjectBillingDLQPrefix + ".>"},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var events []FailedEvent
	for msg := range msgs.Messages() {
		var failed FailedEvent
		if err := json.Unmarshal(msg.Data(), &failed); err != nil {
			slog.WarnContext(ctx, "failed to parse DLQ message", "error", err)
			continue
		}
		events = append(events, failed)
	}

	if msgs.Error() != nil {
		slog.WarnContext(ctx, "DLQ fetch completed with error", "error", msgs.Error())
	}

	return events, nil
}

// Purge removes every message from the stream.
func (q *JetStreamQueue) Purge(ctx context.Context) error {
	if q == nil {
		return ErrNotEnabled
	}

	if err := q.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dlq stream: %w", err)
	}

	slog.InfoContext(ctx, "DLQ: purged all messages from stream")
	return nil
}
