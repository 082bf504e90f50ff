package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
	DedupKey    string // optional; enqueueing a second job with the same key is a no-op
}

type Tag struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
}

// Resource is the persisted outcome of an enrichment job.
type Resource struct {
	ID             string
	UserID         string
	IdempotencyKey string
	Title          string
	Description    string
	ContentType    string
	RawText        string
	SourceURL      string
	Category       string
	Language       string
	Embedding      []float32
	MetadataJSON   string
	TagIDs         []string
	CreatedAt      time.Time
}
