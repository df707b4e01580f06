package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/handlers"
	"github.com/telhawk-systems/telhawk-billing/common/middleware"
)

// NewRouter constructs a ServeMux with the webhook endpoint and operational routes registered.
func NewRouter(webhookPath string, h *handlers.WebhookHandler) http.Handler {
	mux := http.NewServeMux()

	// Provider webhook
	mux.HandleFunc(webhookPath, h.HandleWebhook)

	// Health endpoints
	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/readyz", h.Ready)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}
