package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/kalambet/clipvault/internal/storage"
)

// JobType is the queue type of enrichment jobs.
const JobType = "enrich"

// EnrichmentJob is the payload of an enrichment job. It is immutable once
// enqueued.
type EnrichmentJob struct {
	URL             string `json:"url"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	Language        string `json:"language"`
	UserID          string `json:"user_id"`
	SenderID        string `json:"sender_id,omitempty"`
	MessageID       string `json:"message_id,omitempty"`
	SourceKind      string `json:"source_kind"` // "dm" or "forwarded_link"
	OriginalCaption string `json:"original_caption,omitempty"`
	Fallback        bool   `json:"fallback,omitempty"`
	DedupKey        string `json:"dedup_key,omitempty"`
}

// DecodeJob parses a job payload written by StoreQueue.
func DecodeJob(payload string) (EnrichmentJob, error) {
	var j EnrichmentJob
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		return EnrichmentJob{}, fmt.Errorf("decoding enrichment job: %w", err)
	}
	if j.URL == "" {
		return EnrichmentJob{}, fmt.Errorf("decoding enrichment job: missing url")
	}
	if j.UserID == "" {
		return EnrichmentJob{}, fmt.Errorf("decoding enrichment job: missing user_id")
	}
	return j, nil
}

// Queue accepts enrichment jobs for at-least-once processing.
type Queue interface {
	Enqueue(ctx context.Context, job EnrichmentJob) (string, error)
}

// JobEnqueuer is the subset of the store StoreQueue writes to.
type JobEnqueuer interface {
	EnqueueJob(job storage.Job) (string, error)
}

// StoreQueue puts enrichment jobs on the SQLite job queue.
type StoreQueue struct {
	store       JobEnqueuer
	maxAttempts int
}

func NewStoreQueue(store JobEnqueuer, maxAttempts int) *StoreQueue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &StoreQueue{store: store, maxAttempts: maxAttempts}
}

func (q *StoreQueue) Enqueue(_ context.Context, job EnrichmentJob) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshaling enrichment job: %w", err)
	}
	id, err := q.store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(payload),
		MaxAttempts: q.maxAttempts,
		DedupKey:    job.DedupKey,
	})
	if err != nil {
		return "", fmt.Errorf("enqueueing enrichment job: %w", err)
	}
	return id, nil
}
