// Package dispatch turns resolved correlation units into enrichment jobs.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/clipvault/internal/correlate"
	"github.com/kalambet/clipvault/internal/metrics"
)

// UserResolver maps a messaging sender to the user that owns the resources
// created from their messages.
type UserResolver interface {
	ResolveUser(ctx context.Context, senderID string) (string, error)
}

// StaticUser assigns every sender to one configured user.
type StaticUser string

func (u StaticUser) ResolveUser(context.Context, string) (string, error) {
	if u == "" {
		return "", errors.New("no owner user configured")
	}
	return string(u), nil
}

// Dispatcher implements correlate.Emitter on top of a Queue.
type Dispatcher struct {
	queue           Queue
	users           UserResolver
	defaultLanguage string
	logger          *slog.Logger
}

func New(queue Queue, users UserResolver, defaultLanguage string) *Dispatcher {
	if defaultLanguage == "" {
		defaultLanguage = "en"
	}
	return &Dispatcher{
		queue:           queue,
		users:           users,
		defaultLanguage: defaultLanguage,
		logger:          slog.Default(),
	}
}

// Emit enqueues a job for u. Failures are logged and counted; the event path
// never sees them.
func (d *Dispatcher) Emit(ctx context.Context, u correlate.Unit) {
	userID, err := d.users.ResolveUser(ctx, u.SenderID)
	if err != nil {
		metrics.EnqueueErrors.Inc()
		d.logger.Error("resolving owner for unit", "sender_id", u.SenderID, "message_id", u.MessageID, "error", err)
		return
	}

	job := JobFromUnit(u, userID)
	id, err := d.queue.Enqueue(ctx, job)
	if err != nil {
		metrics.EnqueueErrors.Inc()
		d.logger.Error("enqueueing job", "sender_id", u.SenderID, "message_id", u.MessageID, "error", err)
		return
	}
	metrics.JobsEnqueued.WithLabelValues(job.SourceKind).Inc()
	d.logger.Info("job enqueued", "job_id", id, "source", job.SourceKind, "sender_id", u.SenderID)
}

// SubmitLink enqueues a forwarded-link job directly, bypassing correlation.
// It is the entry point for operator tools.
func (d *Dispatcher) SubmitLink(ctx context.Context, url, title, language, userID string) (string, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return "", errors.New("url is required")
	}
	if userID == "" {
		var err error
		if userID, err = d.users.ResolveUser(ctx, ""); err != nil {
			return "", fmt.Errorf("resolving owner: %w", err)
		}
	}
	if language == "" {
		language = d.defaultLanguage
	}

	job := EnrichmentJob{
		URL:        url,
		Title:      strings.TrimSpace(title),
		Language:   language,
		UserID:     userID,
		SourceKind: correlate.SourceForwardedLink.String(),
	}
	id, err := d.queue.Enqueue(ctx, job)
	if err != nil {
		metrics.EnqueueErrors.Inc()
		return "", err
	}
	metrics.JobsEnqueued.WithLabelValues(job.SourceKind).Inc()
	return id, nil
}

// JobFromUnit maps a resolved unit to its job payload.
func JobFromUnit(u correlate.Unit, userID string) EnrichmentJob {
	job := EnrichmentJob{
		URL:             u.URL,
		Title:           u.Title,
		Description:     strings.TrimSpace(u.Caption),
		Language:        u.Language,
		UserID:          userID,
		SenderID:        u.SenderID,
		MessageID:       u.MessageID,
		SourceKind:      u.Source.String(),
		OriginalCaption: u.Caption,
		Fallback:        u.Fallback,
	}
	if u.MessageID != "" {
		job.DedupKey = fmt.Sprintf("%s:%s:%s", job.SourceKind, u.SenderID, u.MessageID)
	}
	return job
}
