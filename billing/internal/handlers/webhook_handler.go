// Package handlers contains the HTTP handlers of the billing service.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/telhawk-systems/telhawk-billing/billing/internal/dispatch"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/event"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/metrics"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/ratelimit"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/signature"
	"github.com/telhawk-systems/telhawk-billing/common/httputil"
	"github.com/telhawk-systems/telhawk-billing/common/logging"
	"github.com/telhawk-systems/telhawk-billing/common/middleware"
)

// Error codes returned in the JSON body of rejected deliveries.
const (
	CodeInvalidSignature = "invalid_signature"
	CodeMalformedPayload = "malformed_payload"
	CodePayloadTooLarge  = "payload_too_large"
	CodeUnreadableBody   = "unreadable_body"
	CodeRateLimited      = "rate_limited"
	CodeMethodNotAllowed = "method_not_allowed"
)

// DefaultMaxBodyBytes caps request bodies when no limit is configured.
const DefaultMaxBodyBytes int64 = 64 * 1024

type Verifier interface {
	Verify(payload []byte, header string) (signature.Result, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, evt *event.Event) dispatch.Outcome
}

// Pinger reports readiness of a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Verifier     Verifier
	Dispatcher   Dispatcher
	Limiter      ratelimit.RateLimiter
	Ready        Pinger
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// WebhookHandler receives provider deliveries. Each request goes through two
// stages: authenticate and decode, then acknowledge and dispatch. The response
// is decided and flushed entirely by the first stage.
type WebhookHandler struct {
	verifier     Verifier
	dispatcher   Dispatcher
	limiter      ratelimit.RateLimiter
	ready        Pinger
	maxBodyBytes int64
	logger       *slog.Logger
	now          func() time.Time
}

func NewWebhookHandler(opts Options) *WebhookHandler {
	limiter := opts.Limiter
	if limiter == nil {
		limiter = &ratelimit.NoOpRateLimiter{}
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		verifier:     opts.Verifier,
		dispatcher:   opts.Dispatcher,
		limiter:      limiter,
		ready:        opts.Ready,
		maxBodyBytes: maxBody,
		logger:       logger,
		now:          time.Now,
	}
}

// HandleWebhook authenticates, decodes, acknowledges and dispatches one delivery.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	receivedAt := h.now().UTC()
	ctx := r.Context()
	sourceIP := middleware.ClientIP(r)
	log := h.logger.With(
		logging.IP(sourceIP),
		slog.String("request_id", middleware.GetRequestID(ctx)),
	)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.reject(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "only POST is accepted")
		return
	}

	allowed, err := h.limiter.Allow(ctx, sourceIP)
	if err != nil {
		log.WarnContext(ctx, "rate limiter unavailable, allowing delivery", logging.Error(err))
	} else if !allowed {
		h.reject(w, http.StatusTooManyRequests, CodeRateLimited, "too many deliveries from this address")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.WarnContext(ctx, "webhook body exceeds limit", slog.Int64("limit", h.maxBodyBytes))
			h.reject(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "request body too large")
			return
		}
		log.WarnContext(ctx, "failed to read webhook body", logging.Error(err))
		h.reject(w, http.StatusBadRequest, CodeUnreadableBody, "could not read request body")
		return
	}
	metrics.DeliveryBytesTotal.Add(float64(len(body)))

	// Stage 1: nothing below may run on unauthenticated bytes.
	result, err := h.verifier.Verify(body, r.Header.Get(signature.HeaderName))
	if err != nil {
		log.WarnContext(ctx, "webhook signature verification failed",
			logging.Error(err),
			logging.Bytes(len(body)),
		)
		h.reject(w, http.StatusBadRequest, CodeInvalidSignature, "signature verification failed")
		return
	}

	evt, err := event.Decode(body, receivedAt, result.Verified)
	if err != nil {
		log.WarnContext(ctx, "webhook payload could not be decoded",
			logging.Error(err),
			logging.Bytes(len(body)),
		)
		h.reject(w, http.StatusBadRequest, CodeMalformedPayload, "payload is not a valid event")
		return
	}
	if evt.Unverified {
		metrics.UnverifiedDeliveries.Inc()
	}

	// Stage 2: acknowledge, then dispatch. The status is on the wire before any
	// handler runs and nothing afterwards writes to w.
	flushed := httputil.WriteEmpty(w, http.StatusOK)
	metrics.DeliveriesTotal.WithLabelValues("acknowledged").Inc()
	log.InfoContext(ctx, "webhook acknowledged",
		logging.EventID(evt.ID),
		logging.EventType(evt.Type),
		logging.Unverified(evt.Unverified),
		slog.Bool("flushed", flushed),
	)

	outcome := h.dispatcher.Dispatch(context.WithoutCancel(ctx), evt)
	log.DebugContext(ctx, "webhook dispatch finished",
		logging.EventID(evt.ID),
		logging.Outcome(outcome.String()),
	)
}

func (h *WebhookHandler) reject(w http.ResponseWriter, status int, code, message string) {
	metrics.DeliveriesTotal.WithLabelValues(code).Inc()
	httputil.WriteError(w, status, code, message)
}

// Health reports liveness.
func (h *WebhookHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready reports whether the backing store answers.
func (h *WebhookHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "readiness check failed", logging.Error(err))
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
