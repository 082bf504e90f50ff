// Package intel wraps the content intelligence providers used by the
// enrichment pipeline: classification, embedding and transcription.
package intel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/clipvault/internal/metrics"
	"github.com/kalambet/clipvault/internal/ollama"
	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes the circuit breaker in front of a provider.
type BreakerConfig struct {
	FailureThreshold uint32        // consecutive failures that open the breaker
	OpenTimeout      time.Duration // how long the breaker stays open
	Interval         time.Duration // closed-state counter reset period
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	return c
}

// ErrUnavailable is returned while a provider's breaker is open.
var ErrUnavailable = errors.New("provider temporarily unavailable")

func newBreaker[T any](name string, cfg BreakerConfig) *gobreaker.CircuitBreaker[T] {
	cfg = cfg.withDefaults()
	metrics.BreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			slog.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
		// A cancelled job or a rejected request says nothing about the
		// provider's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || IsPermanent(err)
		},
	})
}

// breakerErr maps the breaker's rejection errors to ErrUnavailable.
func breakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrUnavailable, err)
	}
	return err
}

// IsPermanent reports whether err is a provider rejection that repeating the
// same request cannot fix, such as an unknown model or a malformed request.
func IsPermanent(err error) bool {
	var se *ollama.StatusError
	return errors.As(err, &se) && !se.Temporary()
}
