// Package dlq records events whose handlers failed or ran out of time so an
// operator can inspect them. Nothing here retries; replay is a manual decision.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-billing/billing/internal/event"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/metrics"
)

// Reasons attached to dead-lettered events.
const (
	ReasonHandlerError   = "handler_error"
	ReasonHandlerPanic   = "handler_panic"
	ReasonHandlerTimeout = "handler_timeout"
)

// ErrNotEnabled is returned by read operations on a nil queue.
var ErrNotEnabled = errors.New("dlq not enabled")

// Writer is the sink the dispatch router reports failures to.
type Writer interface {
	Write(ctx context.Context, evt *event.Event, err error, reason string) error
}

// FailedEvent captures a failed dispatch for inspection.
type FailedEvent struct {
	Timestamp   time.Time    `json:"timestamp"`
	Event       *event.Event `json:"event"`
	Error       string       `json:"error"`
	Reason      string       `json:"reason"`
	Attempts    int          `json:"attempts"`
	LastAttempt time.Time    `json:"last_attempt"`
}

func newFailedEvent(evt *event.Event, err error, reason string) FailedEvent {
	now := time.Now().UTC()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return FailedEvent{
		Timestamp:   now,
		Event:       evt,
		Error:       msg,
		Reason:      reason,
		Attempts:    1,
		LastAttempt: now,
	}
}

// Queue writes failed events as JSON files under a directory.
type Queue struct {
	basePath string
	mu       sync.Mutex
	written  uint64
}

// NewQueue creates a DLQ that writes to the specified directory.
func NewQueue(basePath string) (*Queue, error) {
	if basePath == "" {
		basePath = "/var/lib/telhawk/billing-dlq"
	}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq directory: %w", err)
	}

	return &Queue{basePath: basePath}, nil
}

// Write records a failed event. A nil queue discards silently.
func (q *Queue) Write(ctx context.Context, evt *event.Event, err error, reason string) error {
	if q == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	failed := newFailedEvent(evt, err, reason)
	filename := fmt.Sprintf("failed_%d_%d.json", failed.Timestamp.UnixNano(), q.written)

	data, marshalErr := json.MarshalIndent(failed, "", "  ")
	if marshalErr != nil {
		metrics.DLQWrites.WithLabelValues(reason, "error").Inc()
		return fmt.Errorf("marshal dlq entry: %w", marshalErr)
	}

	if writeErr := os.WriteFile(filepath.Join(q.basePath, filename), data, 0o644); writeErr != nil {
		metrics.DLQWrites.WithLabelValues(reason, "error").Inc()
		return fmt.Errorf("write dlq entry: %w", writeErr)
	}

	q.written++
	metrics.DLQWrites.WithLabelValues(reason, "ok").Inc()
	slog.InfoContext(ctx, "DLQ: wrote failed event", "file", filename, "reason", reason)
	return nil
}

// Stats returns queue counters for diagnostics.
func (q *Queue) Stats() map[string]interface{} {
	if q == nil {
		return map[string]interface{}{"enabled": false}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := q.entries()
	if err != nil {
		return map[string]interface{}{
			"enabled":       true,
			"backend":       "file",
			"written":       q.written,
			"pending_files": 0,
			"error":         err.Error(),
		}
	}

	return map[string]interface{}{
		"enabled":       true,
		"backend":       "file",
		"written":       q.written,
		"pending_files": len(files),
		"base_path":     q.basePath,
	}
}

// List returns up to limit failed events, oldest first. limit <= 0 means all.
func (q *Queue) List(ctx context.Context, limit int) ([]FailedEvent, error) {
	if q == nil {
		return nil, ErrNotEnabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := q.entries()
	if err != nil {
		return nil, err
	}

	events := make([]FailedEvent, 0, len(files))
	for _, name := range files {
		if limit > 0 && len(events) >= limit {
			break
		}

		data, err := os.ReadFile(filepath.Join(q.basePath, name))
		if err != nil {
			slog.WarnContext(ctx, "failed to read DLQ file", "file", name, "error", err)
			continue
		}

		var failed FailedEvent
		if err := json.Unmarshal(data, &failed); err != nil {
			slog.WarnContext(ctx, "failed to parse DLQ file", "file", name, "error", err)
			continue
		}
		events = append(events, failed)
	}

	return events, nil
}

// Purge removes every entry and returns how many were deleted.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	if q == nil {
		return 0, ErrNotEnabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := q.entries()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, name := range files {
		if err := os.Remove(filepath.Join(q.basePath, name)); err != nil {
			slog.WarnContext(ctx, "failed to delete DLQ file", "file", name, "error", err)
			continue
		}
		deleted++
	}

	slog.InfoContext(ctx, "DLQ: purged events", "count", deleted)
	return deleted, nil
}

// entries lists entry file names sorted by write order. Caller holds mu.
func (q *Queue) entries() ([]string, error) {
	dirEntries, err := os.ReadDir(q.basePath)
	if err != nil {
		return nil, fmt.Errorf("read dlq directory: %w", err)
	}

	names := make([]string, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
