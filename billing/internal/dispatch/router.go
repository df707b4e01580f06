package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-billing/billing/internal/dlq"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/event"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/metrics"
	"github.com/telhawk-systems/telhawk-billing/common/logging"
)

// Outcome is the terminal state of one dispatch.
type Outcome int

const (
	OutcomeDispatched Outcome = iota
	OutcomeUnregistered
	OutcomeFailed
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDispatched:
		return "dispatched"
	case OutcomeUnregistered:
		return "unregistered"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

const dlqWriteTimeout = 5 * time.Second

// unregisteredTypeLabel replaces the event type in metric labels for types with
// no handler, keeping label cardinality bounded by the registry.
const unregisteredTypeLabel = "unregistered"

// RouterConfig configures a Router.
type RouterConfig struct {
	// Timeout bounds each handler invocation. Zero disables the budget.
	Timeout time.Duration
	// DLQ receives failed and timed-out events. Optional.
	DLQ    dlq.Writer
	Logger *slog.Logger
}

// Router invokes the registered handler for each event and contains its failures.
type Router struct {
	registry *Registry
	timeout  time.Duration
	dlq      dlq.Writer
	logger   *slog.Logger

	// running tracks handler goroutines, including ones abandoned after a timeout.
	running sync.WaitGroup
}

// NewRouter creates a router over registry.
func NewRouter(registry *Registry, cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: registry,
		timeout:  cfg.Timeout,
		dlq:      cfg.DLQ,
		logger:   logger,
	}
}

// Dispatch runs the handler for evt.Type and waits for it, at most for the
// configured timeout. It never panics and never returns an error: every
// failure is logged with the event id and type and reported as an Outcome.
func (r *Router) Dispatch(ctx context.Context, evt *event.Event) Outcome {
	attrs := []any{logging.EventID(evt.ID), logging.EventType(evt.Type)}

	handler, ok := r.registry.Lookup(evt.Type)
	if !ok {
		r.logger.InfoContext(ctx, "no handler registered for event type", attrs...)
		metrics.DispatchTotal.WithLabelValues(unregisteredTypeLabel, OutcomeUnregistered.String()).Inc()
		return OutcomeUnregistered
	}

	hctx, cancel := ctx, context.CancelFunc(func() {})
	if r.timeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, r.timeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	r.running.Add(1)
	go func() {
		defer r.running.Done()
		done <- invoke(hctx, handler, evt)
	}()

	var (
		err     error
		outcome Outcome
		reason  string
	)
	select {
	case err = <-done:
		outcome = OutcomeDispatched
		if err != nil {
			outcome, reason = OutcomeFailed, dlq.ReasonHandlerError
			var panicErr *PanicError
			if errors.As(err, &panicErr) {
				reason = dlq.ReasonHandlerPanic
				attrs = append(attrs, "stack", string(panicErr.Stack))
			}
		}
	case <-hctx.Done():
		err = hctx.Err()
		outcome, reason = OutcomeTimedOut, dlq.ReasonHandlerTimeout
	}

	elapsed := time.Since(start)
	metrics.DispatchDuration.WithLabelValues(evt.Type).Observe(elapsed.Seconds())
	metrics.DispatchTotal.WithLabelValues(evt.Type, outcome.String()).Inc()
	attrs = append(attrs, logging.Duration(elapsed.Milliseconds()))

	switch outcome {
	case OutcomeDispatched:
		r.logger.DebugContext(ctx, "event handled", attrs...)
		return outcome
	case OutcomeTimedOut:
		r.logger.ErrorContext(ctx, "event handler did not finish within budget", append(attrs, logging.Error(err))...)
	default:
		r.logger.ErrorContext(ctx, "event handler failed", append(attrs, logging.Error(err))...)
	}

	r.deadLetter(ctx, evt, err, reason)
	return outcome
}

// Wait blocks until every handler goroutine has returned or ctx is done.
func (r *Router) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		r.running.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) deadLetter(ctx context.Context, evt *event.Event, cause error, reason string) {
	if r.dlq == nil {
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dlqWriteTimeout)
	defer cancel()

	if err := r.dlq.Write(wctx, evt, cause, reason); err != nil {
		r.logger.ErrorContext(ctx, "failed to dead-letter event",
			logging.EventID(evt.ID),
			logging.EventType(evt.Type),
			logging.Error(err),
		)
	}
}

func invoke(ctx context.Context, h HandlerFunc, evt *event.Event) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return h(ctx, evt)
}
