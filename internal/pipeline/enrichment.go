// Package pipeline runs the enrichment stages for one job: transcribe,
// classify, embed, upsert tags and persist the resource.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/clipvault/internal/dispatch"
	"github.com/kalambet/clipvault/internal/intel"
	"github.com/kalambet/clipvault/internal/metrics"
	"github.com/kalambet/clipvault/internal/storage"
)

type Transcriber interface {
	Transcribe(ctx context.Context, mediaURL, languageHint string) (intel.Transcript, error)
}

type Classifier interface {
	Classify(ctx context.Context, text string) (intel.Classification, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ResourceStore is the persistence surface the pipeline writes to.
type ResourceStore interface {
	UpsertTag(userID, name string) (string, error)
	CreateResource(r storage.Resource) (id string, created bool, err error)
}

// Result describes a successful run.
type Result struct {
	ResourceID string
	Created    bool // false when an earlier attempt already persisted it
	Title      string
	Tags       []string
}

// Provenance is stored as the resource's metadata.
type Provenance struct {
	JobID              string `json:"job_id"`
	Attempt            int    `json:"attempt"`
	SourceKind         string `json:"source_kind"`
	SenderID           string `json:"sender_id,omitempty"`
	MessageID          string `json:"message_id,omitempty"`
	OriginalTitle      string `json:"original_title,omitempty"`
	OriginalCaption    string `json:"original_caption,omitempty"`
	FallbackTitle      bool   `json:"fallback_title,omitempty"`
	TranscriptLanguage string `json:"transcript_language,omitempty"`
	Transcribed        bool   `json:"transcribed"`
	EnrichedAt         string `json:"enriched_at"`
}

// Enricher turns an enrichment job into a stored resource.
type Enricher struct {
	transcriber Transcriber
	classifier  Classifier
	embedder    Embedder
	store       ResourceStore
	now         func() time.Time
	logger      *slog.Logger
}

func NewEnricher(transcriber Transcriber, classifier Classifier, embedder Embedder, store ResourceStore) *Enricher {
	return &Enricher{
		transcriber: transcriber,
		classifier:  classifier,
		embedder:    embedder,
		store:       store,
		now:         time.Now,
		logger:      slog.Default(),
	}
}

// Process runs every stage for job. A failed required stage returns a
// *StageError; the resource is keyed by the job id so a retried job never
// produces a second resource.
func (e *Enricher) Process(ctx context.Context, job *storage.Job) (Result, error) {
	j, err := dispatch.DecodeJob(job.PayloadJSON)
	if err != nil {
		return Result{}, e.fail(terminal(StageDecode, err))
	}
	log := e.logger.With("job_id", job.ID, "attempt", job.Attempts)

	transcript := e.transcribe(ctx, log, j)

	var cl intel.Classification
	err = e.timed(StageClassify, func() (err error) {
		cl, err = e.classifier.Classify(ctx, classificationInput(j, transcript.Text))
		return err
	})
	if err != nil {
		return Result{}, e.fail(providerFailure(StageClassify, err))
	}

	title := ResolveTitle(j.Title, cl.Title)
	description := ResolveDescription(j.Description, cl.Description)

	var embedding []float32
	err = e.timed(StageEmbed, func() (err error) {
		embedding, err = e.embedder.Embed(ctx, embeddingText(title, description, transcript.Text))
		return err
	})
	if err != nil {
		return Result{}, e.fail(providerFailure(StageEmbed, err))
	}

	tags := NormalizeTags(cl.Tags)
	tagIDs := make([]string, 0, len(tags))
	err = e.timed(StageTags, func() error {
		for _, name := range tags {
			id, err := e.store.UpsertTag(j.UserID, name)
			if err != nil {
				return fmt.Errorf("upserting tag %q: %w", name, err)
			}
			tagIDs = append(tagIDs, id)
		}
		return nil
	})
	if err != nil {
		return Result{}, e.fail(retryable(StageTags, err))
	}

	meta, err := json.Marshal(Provenance{
		JobID:              job.ID,
		Attempt:            job.Attempts,
		SourceKind:         j.SourceKind,
		SenderID:           j.SenderID,
		MessageID:          j.MessageID,
		OriginalTitle:      j.Title,
		OriginalCaption:    j.OriginalCaption,
		FallbackTitle:      j.Fallback,
		TranscriptLanguage: transcript.Language,
		Transcribed:        transcript.Text != "",
		EnrichedAt:         e.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Result{}, e.fail(terminal(StagePersist, err))
	}

	res := storage.Resource{
		UserID:         j.UserID,
		IdempotencyKey: job.ID,
		Title:          title,
		Description:    description,
		ContentType:    contentType(j.SourceKind),
		RawText:        transcript.Text,
		SourceURL:      j.URL,
		Category:       cl.Category,
		Language:       resourceLanguage(j, transcript),
		Embedding:      embedding,
		MetadataJSON:   string(meta),
		TagIDs:         tagIDs,
	}
	var (
		id      string
		created bool
	)
	err = e.timed(StagePersist, func() (err error) {
		id, created, err = e.store.CreateResource(res)
		return err
	})
	if err != nil {
		return Result{}, e.fail(retryable(StagePersist, err))
	}

	if created {
		log.Info("resource created", "resource_id", id, "title", title, "tags", len(tags))
	} else {
		log.Info("resource already existed for job", "resource_id", id)
	}
	return Result{ResourceID: id, Created: created, Title: title, Tags: tags}, nil
}

// transcribe is best-effort: any failure yields an empty transcript.
func (e *Enricher) transcribe(ctx context.Context, log *slog.Logger, j dispatch.EnrichmentJob) intel.Transcript {
	var tr intel.Transcript
	err := e.timed(StageTranscribe, func() (err error) {
		tr, err = e.transcriber.Transcribe(ctx, j.URL, j.Language)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, intel.ErrTranscriptionDisabled):
		log.Debug("transcription disabled")
	default:
		metrics.StageFailures.WithLabelValues(string(StageTranscribe)).Inc()
		log.Warn("transcription failed, continuing without transcript", "error", err)
	}
	return tr
}

func (e *Enricher) timed(stage Stage, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
	return err
}

func (e *Enricher) fail(err error) error {
	var se *StageError
	if errors.As(err, &se) {
		metrics.StageFailures.WithLabelValues(string(se.Stage)).Inc()
	}
	return err
}

func classificationInput(j dispatch.EnrichmentJob, transcript string) string {
	var sb strings.Builder
	if !IsGenericTitle(j.Title) {
		fmt.Fprintf(&sb, "Title: %s\n", strings.TrimSpace(j.Title))
	}
	if c := strings.TrimSpace(j.OriginalCaption); c != "" {
		fmt.Fprintf(&sb, "Caption: %s\n", c)
	}
	if transcript != "" {
		fmt.Fprintf(&sb, "Transcript: %s\n", transcript)
	}
	if j.Language != "" {
		fmt.Fprintf(&sb, "Language: %s\n", j.Language)
	}
	fmt.Fprintf(&sb, "URL: %s\n", j.URL)
	return sb.String()
}

func embeddingText(title, description, transcript string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{title, description, transcript} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}

func contentType(sourceKind string) string {
	if sourceKind == "forwarded_link" {
		return "link"
	}
	return "video"
}

// resourceLanguage keeps a language the sender chose; for fallback units
// the detected spoken language is more accurate than the default.
func resourceLanguage(j dispatch.EnrichmentJob, tr intel.Transcript) string {
	if j.Fallback && tr.Language != "" {
		return tr.Language
	}
	return j.Language
}
