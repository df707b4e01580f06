package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-billing/billing/internal/dispatch"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/event"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/signature"
	"github.com/telhawk-systems/telhawk-billing/common/httputil"
)

const testSecret = "whsec_test_secret"

const checkoutPayload = `{"type":"checkout.session.completed","data":{"id":"cs_123"}}`

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

// recorder captures every event a handler receives.
type recorder struct {
	mu     sync.Mutex
	events []*event.Event
}

func (r *recorder) handle(_ context.Context, evt *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) all() []*event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*event.Event(nil), r.events...)
}

type fixture struct {
	handler  *WebhookHandler
	checkout *recorder
	logs     *syncBuffer
}

func newFixture(t *testing.T, secret string, handlers map[string]dispatch.HandlerFunc) *fixture {
	t.Helper()

	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	verifier, err := signature.New(signature.Config{
		Secret:          secret,
		AllowUnverified: secret == "",
	}, logger)
	require.NoError(t, err)

	checkout := &recorder{}
	if handlers == nil {
		handlers = map[string]dispatch.HandlerFunc{}
	}
	if _, ok := handlers["checkout.session.completed"]; !ok {
		handlers["checkout.session.completed"] = checkout.handle
	}

	registry, err := dispatch.NewRegistry(handlers)
	require.NoError(t, err)

	router := dispatch.NewRouter(registry, dispatch.RouterConfig{Timeout: 2 * time.Second, Logger: logger})

	return &fixture{
		handler: NewWebhookHandler(Options{
			Verifier:     verifier,
			Dispatcher:   router,
			MaxBodyBytes: 1024,
			Logger:       logger,
		}),
		checkout: checkout,
		logs:     logs,
	}
}

func signedRequest(t *testing.T, body []byte, secret string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(signature.HeaderName, signature.Sign(body, secret, time.Now()))
	}
	return req
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Error
}

func TestHandleWebhook_ValidSignatureDispatchesOnce(t *testing.T) {
	f := newFixture(t, testSecret, nil)
	body := []byte(checkoutPayload)

	rr := httptest.NewRecorder()
	f.handler.HandleWebhook(rr, signedRequest(t, body, testSecret))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Body.String())
	assert.Equal(t, "0", rr.Header().Get("Content-Length"))

	events := f.checkout.all()
	require.Len(t, events, 1)
	assert.Equal(t, "checkout.session.completed", events[0].Type)
	assert.False(t, events[0].Unverified)

	var obj struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(events[0].Object(), &obj))
	assert.Equal(t, "cs_123", obj.ID)
}

func TestHandleWebhook_WrongSecretRejected(t *testing.T) {
	f := newFixture(t, testSecret, nil)

	rr := httptest.NewRecorder()
	f.handler.HandleWebhook(rr, signedRequest(t, []byte(checkoutPayload), "whsec_other_secret"))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, CodeInvalidSignature, errorCode(t, rr))
	assert.Empty(t, f.checkout.all())
	assert.Contains(t, f.logs.String(), `"level":"WARN"`)
}

func TestHandleWebhook_TamperedBodyRejected(t *testing.T) {
	f := newFixture(t, testSecret, nil)
	body := []byte(checkoutPayload)
	header := signature.Sign(body, testSecret, time.Now())

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-4] ^= 0x01

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(tampered))
	req.Header.Set(signature.HeaderName, header)

	rr := httptest.NewRecorder()
	f.handler.HandleWebhook(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, CodeInvalidSignature, errorCode(t, rr))
	assert.Empty(t, f.checkout.all())
}

func TestHandleWebhook_NoSecretProcessesUnverified(t *testing.T) {
	f := newFixture(t, "", nil)

	rr := httptest.NewRecorder()
	f.handler.HandleWebhook(rr, signedRequest(t, []byte(checkoutPayload), ""))

	assert.Equal(t, http.StatusOK, rr.Code)

	events := f.checkout.all()
	require.Len(t, events, 1)
	assert.True(t, events[0].Unverified)
	assert.Contains(t, f.logs.String(), "SIGNATURE VERIFICATION DISABLED")
	assert.Contains(t, f.logs.String(), `"unverified":true`)
}

func TestHandleWebhook_MalformedBodyRejectedDistinctly(t *testing.T) {
	f := newFixture(t, testSecret, nil)

	rr := httptest.NewRecorder()
	f.handler.HandleWebhook(rr, signedRequest(t, []byte("this is not json"), testSecret))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	code := errorCode(t, rr)
	assert.Equal(t, CodeMalformedPayload, code)
	assert.NotEqual(t, CodeInvalidSignature, code)
	assert.Empty(t, f.checkout.all())
}

func TestHandleWebhook_MalformedEnvelopes(t *testing.T) {
	f := newFixture(t, testSecret, nil)

	for name, body := range map[string]string{
		"missing type":    `{"data":{"id":"x"}}`,
		"numeric type":    `{"type":7,"data":{}}`,
		"array body":      `[1,2,3]`,
		"data not object": `{"type":"invoice.paid","data":"x"}`,
		"truncated":       `{"type":"invoice.paid","data":{`,
	} {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			f.handler.HandleWebhook(rr, signedRequest(t, []byte(body), testSecret))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, CodeMalformedPayload, errorCode(t, rr))
		})
	}
}

func TestHandleWebhook_UnregisteredTypeAcknowledged(t *testing.T) {
	f := newFixture(t, testSecret, nil)
	body := []byte(`{"id":"evt_u","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)

	rr := httptest.NewRecorder()
	f.handler.HandleWebhook(rr, signedRequest(t, body, testSecret))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, f.checkout.all())
	assert.Contains(t, f.logs.String(), "no handler registered for event type")
}

func TestHandleWebhook_HandlerFailureDoesNotChangeResponse(t *testing.T) {
	f := newFixture(t, testSecret, map[string]dispatch.HandlerFunc{
		"invoice.paid": func(context.Context, *event.Event) error {
			return errors.New("ledger down")
		},
		"charge.refunded": func(context.Context, *event.Event) error {
			panic("boom")
		},
	})

	for _, typ := range []string{"invoice.paid", "charge.refunded"} {
		t.Run(typ, func(t *testing.T) {
			body := []byte(`{"id":"evt_` + typ + `","type":"` + typ + `","data":{"object":{}}}`)
			rr := httptest.NewRecorder()

			require.NotPanics(t, func() {
				f.handler.HandleWebhook(rr, signedRequest(t, body, testSecret))
			})
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Empty(t, rr.Body.String())
		})
	}

	logs := f.logs.String()
	assert.Contains(t, logs, "ledger down")
	assert.Contains(t, logs, "handler panic: boom")
	assert.Contains(t, logs, `"event_id":"evt_invoice.paid"`)
}

func TestHandleWebhook_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, testSecret, nil)

	rr := httptest.NewRecorder()
	f.handler.HandleWebhook(rr, httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, http.MethodPost, rr.Header().Get("Allow"))
	assert.Equal(t, CodeMethodNotAllowed, errorCode(t, rr))
}

func TestHandleWebhook_BodyTooLarge(t *testing.T) {
	f := newFixture(t, testSecret, nil)
	body := []byte(`{"type":"checkout.session.completed","data":{"pad":"` + strings.Repeat("x", 2048) + `"}}`)

	rr := httptest.NewRecorder()
	f.handler.HandleWebhook(rr, signedRequest(t, body, testSecret))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, CodePayloadTooLarge, errorCode(t, rr))
	assert.Empty(t, f.checkout.all())
}

type denyLimiter struct {
	err error
}

func (d denyLimiter) Allow(context.Context, string) (bool, error) { return false, d.err }
func (d denyLimiter) Close() error                                { return nil }

func TestHandleWebhook_RateLimited(t *testing.T) {
	f := newFixture(t, testSecret, nil)
	f.handler.limiter = denyLimiter{}

	rr := httptest.NewRecorder()
	f.handler.HandleWebhook(rr, signedRequest(t, []byte(checkoutPayload), testSecret))

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, CodeRateLimited, errorCode(t, rr))
	assert.Empty(t, f.checkout.all())
}

func TestHandleWebhook_RateLimiterErrorFailsOpen(t *testing.T) {
	f := newFixture(t, testSecret, nil)
	f.handler.limiter = denyLimiter{err: errors.New("redis: connection refused")}

	rr := httptest.NewRecorder()
	f.handler.HandleWebhook(rr, signedRequest(t, []byte(checkoutPayload), testSecret))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, f.checkout.all(), 1)
}

func TestHandleWebhook_RedeliveryDispatchesEachTime(t *testing.T) {
	f := newFixture(t, testSecret, nil)
	body := []byte(`{"id":"evt_same","type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`)

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		f.handler.HandleWebhook(rr, signedRequest(t, body, testSecret))
		require.Equal(t, http.StatusOK, rr.Code)
	}

	events := f.checkout.all()
	require.Len(t, events, 2)
	assert.Equal(t, events[0].ID, events[1].ID, "retries carry one event id for handlers to deduplicate on")
}

// The provider must see the acknowledgment while the handler is still running.
func TestHandleWebhook_AcknowledgesBeforeHandlerCompletes(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})

	f := newFixture(t, testSecret, map[string]dispatch.HandlerFunc{
		"checkout.session.completed": func(context.Context, *event.Event) error {
			close(started)
			<-release
			close(finished)
			return nil
		},
	})

	srv := httptest.NewServer(http.HandlerFunc(f.handler.HandleWebhook))
	defer srv.Close()
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	body := []byte(checkoutPayload)
	req, err := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(signature.HeaderName, signature.Sign(body, testSecret, time.Now()))

	client := &http.Client{Timeout: time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err, "response must not wait for the handler")
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-finished:
		t.Fatal("handler finished before the acknowledgment was observed")
	default:
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}

	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("handler did not finish after release")
	}
}

func TestHandleWebhook_ClientDisconnectDoesNotCancelHandler(t *testing.T) {
	gotErr := make(chan error, 1)
	f := newFixture(t, testSecret, map[string]dispatch.HandlerFunc{
		"checkout.session.completed": func(ctx context.Context, _ *event.Event) error {
			time.Sleep(20 * time.Millisecond)
			gotErr <- ctx.Err()
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	req := signedRequest(t, []byte(checkoutPayload), testSecret).WithContext(ctx)

	rr := httptest.NewRecorder()
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	f.handler.HandleWebhook(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NoError(t, <-gotErr)
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, testSecret, nil)

	rr := httptest.NewRecorder()
	f.handler.Health(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "healthy")

	f.handler.ready = stubPinger{}
	rr = httptest.NewRecorder()
	f.handler.Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	f.handler.ready = stubPinger{err: errors.New("connection refused")}
	rr = httptest.NewRecorder()
	f.handler.Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "connection refused")
}
