package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/clipvault/internal/metrics"
)

// Submitter accepts a verified webhook body for asynchronous processing
// without blocking. *ingress.Processor satisfies it.
type Submitter interface {
	Submit(ctx context.Context, body []byte) error
}

type WebhookDeps struct {
	VerifyToken string
	AppSecret   string
	Ingress     Submitter
	Version     string
}

// NewWebhookHandler returns the public HTTP surface: the webhook endpoints,
// /health and /metrics.
func NewWebhookHandler(deps WebhookDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/webhook", handleVerify(deps.VerifyToken))
	r.With(VerifySignature(deps.AppSecret)).Post("/webhook", handleWebhook(deps.Ingress))
	r.Get("/health", handleHealth(deps.Version))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// handleVerify answers the platform's subscription handshake.
func handleVerify(token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		given := q.Get("hub.verify_token")
		if token == "" || q.Get("hub.mode") != "subscribe" ||
			subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
			metrics.WebhookRequests.WithLabelValues("verify_rejected").Inc()
			slog.Warn("webhook verification rejected", "mode", q.Get("hub.mode"))
			w.WriteHeader(http.StatusForbidden)
			return
		}

		metrics.WebhookRequests.WithLabelValues("verified").Inc()
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, q.Get("hub.challenge"))
	}
}

// handleWebhook queues a signed delivery and acknowledges it. A delivery the
// ingress cannot take gets 503 so the platform redelivers it later.
func handleWebhook(ingress Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}

		if err := ingress.Submit(r.Context(), body); err != nil {
			metrics.WebhookRequests.WithLabelValues("unavailable").Inc()
			slog.Warn("webhook delivery refused", "error", err)
			w.Header().Set("Retry-After", "5")
			httpError(w, http.StatusServiceUnavailable, "overloaded_error", "%v", err)
			return
		}

		metrics.WebhookRequests.WithLabelValues("accepted").Inc()
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "EVENT_RECEIVED")
	}
}

func handleHealth(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": version,
		})
	}
}
