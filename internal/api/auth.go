package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kalambet/clipvault/internal/metrics"
)

const maxWebhookBodySize = 1 << 20 // 1MB

const signatureHeader = "X-Hub-Signature-256"

// VerifySignature rejects requests whose X-Hub-Signature-256 header is not the
// HMAC-SHA256 of the body under secret. An empty secret rejects everything.
// The verified body is put back on the request for the next handler.
func VerifySignature(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
			defer r.Body.Close()

			body, err := io.ReadAll(r.Body)
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "body exceeds %d bytes", maxWebhookBodySize)
					return
				}
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
				return
			}

			if reason := checkSignature(secret, r.Header.Get(signatureHeader), body); reason != "" {
				metrics.WebhookRequests.WithLabelValues("bad_signature").Inc()
				slog.Warn("webhook signature rejected", "reason", reason, "remote_addr", r.RemoteAddr)
				httpError(w, http.StatusForbidden, "authentication_error", "invalid signature")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

// checkSignature returns why header does not authenticate body, or "" if it does.
func checkSignature(secret, header string, body []byte) string {
	if secret == "" {
		return "app secret not configured"
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return "missing signature header"
	}
	got, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return "signature is not hex"
	}
	if !hmac.Equal(got, Sign(secret, body)) {
		return "signature mismatch"
	}
	return ""
}

// Sign returns the raw HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader formats the X-Hub-Signature-256 value for body.
func SignatureHeader(secret string, body []byte) string {
	return "sha256=" + hex.EncodeToString(Sign(secret, body))
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
