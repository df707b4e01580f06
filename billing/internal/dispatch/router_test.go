package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-billing/billing/internal/dlq"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/event"
)

type recordingDLQ struct {
	mu      sync.Mutex
	reasons []string
	ids     []string
	err     error
}

func (d *recordingDLQ) Write(_ context.Context, evt *event.Event, _ error, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons = append(d.reasons, reason)
	d.ids = append(d.ids, evt.ID)
	return d.err
}

func (d *recordingDLQ) snapshot() ([]string, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.reasons...), append([]string(nil), d.ids...)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestRouter(t *testing.T, handlers map[string]HandlerFunc, timeout time.Duration) (*Router, *recordingDLQ, *syncBuffer) {
	t.Helper()
	reg, err := NewRegistry(handlers)
	require.NoError(t, err)

	logs := &syncBuffer{}
	sink := &recordingDLQ{}
	router := NewRouter(reg, RouterConfig{
		Timeout: timeout,
		DLQ:     sink,
		Logger:  slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	return router, sink, logs
}

func evt(id, typ string) *event.Event {
	return &event.Event{ID: id, Type: typ, Data: []byte(`{}`)}
}

func TestRouter_Dispatch_InvokesMatchingHandlerOnce(t *testing.T) {
	var paid, refunded int32
	router, sink, _ := newTestRouter(t, map[string]HandlerFunc{
		"invoice.paid": func(_ context.Context, e *event.Event) error {
			atomic.AddInt32(&paid, 1)
			assert.Equal(t, "evt_1", e.ID)
			return nil
		},
		"charge.refunded": func(context.Context, *event.Event) error {
			atomic.AddInt32(&refunded, 1)
			return nil
		},
	}, time.Second)

	outcome := router.Dispatch(context.Background(), evt("evt_1", "invoice.paid"))

	assert.Equal(t, OutcomeDispatched, outcome)
	assert.Equal(t, int32(1), atomic.LoadInt32(&paid))
	assert.Equal(t, int32(0), atomic.LoadInt32(&refunded))
	reasons, _ := sink.snapshot()
	assert.Empty(t, reasons)
}

func TestRouter_Dispatch_Unregistered(t *testing.T) {
	var called int32
	router, sink, logs := newTestRouter(t, map[string]HandlerFunc{
		"invoice.paid": func(context.Context, *event.Event) error {
			atomic.AddInt32(&called, 1)
			return nil
		},
	}, time.Second)

	outcome := router.Dispatch(context.Background(), evt("evt_2", "customer.created"))

	assert.Equal(t, OutcomeUnregistered, outcome)
	assert.Equal(t, int32(0), atomic.LoadInt32(&called))
	assert.Contains(t, logs.String(), `"level":"INFO"`)
	assert.Contains(t, logs.String(), "customer.created")
	reasons, _ := sink.snapshot()
	assert.Empty(t, reasons, "unregistered types are not failures")
}

func TestRouter_Dispatch_UnregisteredTypesShareOneMetricLabel(t *testing.T) {
	router, _, _ := newTestRouter(t, map[string]HandlerFunc{
		"invoice.paid": func(context.Context, *event.Event) error { return nil },
	}, time.Second)

	router.Dispatch(context.Background(), evt("evt_u1", "sender.chosen.type.1"))
	router.Dispatch(context.Background(), evt("evt_u2", "sender.chosen.type.2"))

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var types []string
	for _, family := range families {
		if family.GetName() != "telhawk_billing_dispatch_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "event_type" {
					types = append(types, label.GetValue())
				}
			}
		}
	}
	assert.Contains(t, types, unregisteredTypeLabel)
	assert.NotContains(t, types, "sender.chosen.type.1")
	assert.NotContains(t, types, "sender.chosen.type.2")
}

func TestRouter_Dispatch_HandlerError(t *testing.T) {
	router, sink, logs := newTestRouter(t, map[string]HandlerFunc{
		"checkout.session.completed": func(context.Context, *event.Event) error {
			return errors.New("account store unavailable")
		},
	}, time.Second)

	outcome := router.Dispatch(context.Background(), evt("evt_3", "checkout.session.completed"))

	assert.Equal(t, OutcomeFailed, outcome)
	out := logs.String()
	assert.Contains(t, out, `"level":"ERROR"`)
	assert.Contains(t, out, `"event_id":"evt_3"`)
	assert.Contains(t, out, `"event_type":"checkout.session.completed"`)
	assert.Contains(t, out, "account store unavailable")

	reasons, ids := sink.snapshot()
	assert.Equal(t, []string{dlq.ReasonHandlerError}, reasons)
	assert.Equal(t, []string{"evt_3"}, ids)
}

func TestRouter_Dispatch_RecoversPanic(t *testing.T) {
	router, sink, logs := newTestRouter(t, map[string]HandlerFunc{
		"invoice.paid": func(context.Context, *event.Event) error {
			panic("nil account")
		},
	}, time.Second)

	var outcome Outcome
	require.NotPanics(t, func() {
		outcome = router.Dispatch(context.Background(), evt("evt_4", "invoice.paid"))
	})

	assert.Equal(t, OutcomeFailed, outcome)
	assert.Contains(t, logs.String(), "handler panic: nil account")
	reasons, _ := sink.snapshot()
	assert.Equal(t, []string{dlq.ReasonHandlerPanic}, reasons)
}

func TestRouter_Dispatch_Timeout(t *testing.T) {
	release := make(chan struct{})
	router, sink, logs := newTestRouter(t, map[string]HandlerFunc{
		"invoice.paid": func(ctx context.Context, _ *event.Event) error {
			<-release
			return nil
		},
	}, 20*time.Millisecond)

	start := time.Now()
	outcome := router.Dispatch(context.Background(), evt("evt_5", "invoice.paid"))

	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, logs.String(), "did not finish within budget")
	reasons, _ := sink.snapshot()
	assert.Equal(t, []string{dlq.ReasonHandlerTimeout}, reasons)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, router.Wait(ctx), context.DeadlineExceeded, "abandoned handler is still running")

	close(release)
	require.NoError(t, router.Wait(context.Background()))
}

func TestRouter_Dispatch_HandlerSeesDeadline(t *testing.T) {
	router, _, _ := newTestRouter(t, map[string]HandlerFunc{
		"invoice.paid": func(ctx context.Context, _ *event.Event) error {
			_, ok := ctx.Deadline()
			assert.True(t, ok)
			return nil
		},
	}, time.Second)

	assert.Equal(t, OutcomeDispatched, router.Dispatch(context.Background(), evt("evt_6", "invoice.paid")))
}

func TestRouter_Dispatch_DLQWriteErrorIsContained(t *testing.T) {
	router, sink, logs := newTestRouter(t, map[string]HandlerFunc{
		"invoice.paid": func(context.Context, *event.Event) error { return errors.New("boom") },
	}, time.Second)
	sink.err = errors.New("disk full")

	assert.Equal(t, OutcomeFailed, router.Dispatch(context.Background(), evt("evt_7", "invoice.paid")))
	assert.Contains(t, logs.String(), "failed to dead-letter event")
}

func TestRouter_Dispatch_Concurrent(t *testing.T) {
	var count int64
	router, _, _ := newTestRouter(t, map[string]HandlerFunc{
		"invoice.paid": func(context.Context, *event.Event) error {
			atomic.AddInt64(&count, 1)
			return nil
		},
	}, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			router.Dispatch(context.Background(), evt("evt_c", "invoice.paid"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), atomic.LoadInt64(&count))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "dispatched", OutcomeDispatched.String())
	assert.Equal(t, "unregistered", OutcomeUnregistered.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "timed_out", OutcomeTimedOut.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}
