package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/clipvault/internal/dispatch"
	"github.com/kalambet/clipvault/internal/intel"
	"github.com/kalambet/clipvault/internal/ollama"
	"github.com/kalambet/clipvault/internal/storage"
)

type mockTranscriber struct {
	transcribeFn func(ctx context.Context, url, lang string) (intel.Transcript, error)
}

func (m *mockTranscriber) Transcribe(ctx context.Context, url, lang string) (intel.Transcript, error) {
	if m.transcribeFn != nil {
		return m.transcribeFn(ctx, url, lang)
	}
	return intel.Transcript{}, intel.ErrTranscriptionDisabled
}

type mockClassifier struct {
	classifyFn func(ctx context.Context, text string) (intel.Classification, error)
	calls      int
}

func (m *mockClassifier) Classify(ctx context.Context, text string) (intel.Classification, error) {
	m.calls++
	if m.classifyFn != nil {
		return m.classifyFn(ctx, text)
	}
	return intel.Classification{
		Title:       "AI title",
		Description: "AI description",
		Tags:        []string{"#Cats", "funny", "cats "},
		Category:    "entertainment",
	}, nil
}

type mockEmbedder struct {
	embedFn func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.embedFn != nil {
		return m.embedFn(ctx, text)
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeJob(t *testing.T, id string, j dispatch.EnrichmentJob) *storage.Job {
	t.Helper()
	payload, err := json.Marshal(j)
	if err != nil {
		t.Fatal(err)
	}
	return &storage.Job{ID: id, Type: dispatch.JobType, PayloadJSON: string(payload), Attempts: 0}
}

var dmJob = dispatch.EnrichmentJob{
	URL:             "https://cdn.example.com/v.mp4",
	Title:           "DM Video 2026-03-01T12:00:00Z",
	Language:        "en",
	UserID:          "owner-1",
	SenderID:        "U2",
	MessageID:       "mid.1",
	SourceKind:      "dm",
	Fallback:        true,
	OriginalCaption: "",
}

func TestProcess_CreatesResource(t *testing.T) {
	store := openStore(t)
	var classifiedInput, embeddedInput string
	cls := &mockClassifier{}
	cls.classifyFn = func(_ context.Context, text string) (intel.Classification, error) {
		classifiedInput = text
		return intel.Classification{Title: "Cat falls off sofa", Description: "A cat.", Tags: []string{"#Cats", "funny", "cats "}, Category: "entertainment"}, nil
	}
	emb := &mockEmbedder{embedFn: func(_ context.Context, text string) ([]float32, error) {
		embeddedInput = text
		return []float32{1, 2, 3}, nil
	}}
	tr := &mockTranscriber{transcribeFn: func(context.Context, string, string) (intel.Transcript, error) {
		return intel.Transcript{Text: "meow meow", Language: "fr"}, nil
	}}

	e := NewEnricher(tr, cls, emb, store)
	res, err := e.Process(context.Background(), makeJob(t, "job-1", dmJob))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.Created {
		t.Error("Created = false")
	}
	if res.Title != "Cat falls off sofa" {
		t.Errorf("Title = %q, want the AI title over the placeholder", res.Title)
	}
	if strings.Contains(classifiedInput, "DM Video") || !strings.Contains(classifiedInput, "meow meow") {
		t.Errorf("classifier input = %q", classifiedInput)
	}
	if !strings.Contains(embeddedInput, "Cat falls off sofa") || !strings.Contains(embeddedInput, "meow meow") {
		t.Errorf("embedding input = %q", embeddedInput)
	}

	r, err := store.GetResource(res.ResourceID)
	if err != nil {
		t.Fatalf("GetResource: %v", err)
	}
	if r.IdempotencyKey != "job-1" || r.ContentType != "video" || r.RawText != "meow meow" || r.Category != "entertainment" {
		t.Errorf("resource = %+v", r)
	}
	if r.Language != "fr" {
		t.Errorf("Language = %q, want detected fr for a fallback unit", r.Language)
	}
	if r.Description != "A cat." {
		t.Errorf("Description = %q", r.Description)
	}
	if len(r.TagIDs) != 2 {
		t.Errorf("TagIDs = %v, want cats and funny", r.TagIDs)
	}

	var prov Provenance
	if err := json.Unmarshal([]byte(r.MetadataJSON), &prov); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if prov.JobID != "job-1" || prov.SenderID != "U2" || prov.SourceKind != "dm" || !prov.Transcribed {
		t.Errorf("provenance = %+v", prov)
	}
}

func TestProcess_KeepsSenderTitleAndCaption(t *testing.T) {
	store := openStore(t)
	e := NewEnricher(&mockTranscriber{}, &mockClassifier{}, &mockEmbedder{}, store)

	j := dmJob
	j.Title = "Check this out"
	j.Description = "my caption"
	j.Fallback = false
	j.Language = "es"

	res, err := e.Process(context.Background(), makeJob(t, "job-2", j))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	r, _ := store.GetResource(res.ResourceID)
	if r.Title != "Check this out" || r.Description != "my caption" || r.Language != "es" {
		t.Errorf("resource = %+v", r)
	}
}

func TestProcess_TranscriptionFailureIsBestEffort(t *testing.T) {
	store := openStore(t)
	tr := &mockTranscriber{transcribeFn: func(context.Context, string, string) (intel.Transcript, error) {
		return intel.Transcript{}, errors.New("whisper crashed")
	}}
	e := NewEnricher(tr, &mockClassifier{}, &mockEmbedder{}, store)

	res, err := e.Process(context.Background(), makeJob(t, "job-3", dmJob))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	r, _ := store.GetResource(res.ResourceID)
	if r.RawText != "" {
		t.Errorf("RawText = %q, want empty", r.RawText)
	}
}

func TestProcess_RequiredStageFailuresAreRetryable(t *testing.T) {
	boom := errors.New("ollama down")
	tests := []struct {
		name  string
		cls   *mockClassifier
		emb   *mockEmbedder
		stage Stage
	}{
		{
			name:  "classify",
			cls:   &mockClassifier{classifyFn: func(context.Context, string) (intel.Classification, error) { return intel.Classification{}, boom }},
			emb:   &mockEmbedder{},
			stage: StageClassify,
		},
		{
			name:  "embed",
			cls:   &mockClassifier{},
			emb:   &mockEmbedder{embedFn: func(context.Context, string) ([]float32, error) { return nil, boom }},
			stage: StageEmbed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := openStore(t)
			e := NewEnricher(&mockTranscriber{}, tt.cls, tt.emb, store)

			_, err := e.Process(context.Background(), makeJob(t, "job-x", dmJob))
			var se *StageError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *StageError", err)
			}
			if se.Stage != tt.stage || !IsRetryable(err) || !errors.Is(err, boom) {
				t.Errorf("StageError = %+v", se)
			}
			if n, _ := store.CountResources("owner-1"); n != 0 {
				t.Errorf("resources = %d after failure, want 0", n)
			}
		})
	}
}

func TestProcess_ProviderRejectionIsTerminal(t *testing.T) {
	notFound := &ollama.StatusError{Op: "chat", Code: http.StatusNotFound, Body: "model not found"}
	overloaded := &ollama.StatusError{Op: "chat", Code: http.StatusServiceUnavailable}
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"model not found", fmt.Errorf("classify chat: %w", notFound), false},
		{"overloaded", overloaded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := &mockClassifier{classifyFn: func(context.Context, string) (intel.Classification, error) {
				return intel.Classification{}, tt.err
			}}
			e := NewEnricher(&mockTranscriber{}, cls, &mockEmbedder{}, openStore(t))

			_, err := e.Process(context.Background(), makeJob(t, "job-x", dmJob))
			var se *StageError
			if !errors.As(err, &se) || se.Stage != StageClassify {
				t.Fatalf("err = %v, want classify StageError", err)
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", IsRetryable(err), tt.retryable)
			}
		})
	}
}

func TestProcess_BadPayloadIsTerminal(t *testing.T) {
	e := NewEnricher(&mockTranscriber{}, &mockClassifier{}, &mockEmbedder{}, openStore(t))
	_, err := e.Process(context.Background(), &storage.Job{ID: "j", PayloadJSON: "{"})
	if err == nil || IsRetryable(err) {
		t.Errorf("err = %v, want terminal", err)
	}
}

// Classification fails twice and succeeds on the third attempt; a redelivery
// of the same job afterwards must not add a second resource.
func TestProcess_RetriesProduceOneResource(t *testing.T) {
	store := openStore(t)
	cls := &mockClassifier{}
	cls.classifyFn = func(context.Context, string) (intel.Classification, error) {
		if cls.calls <= 2 {
			return intel.Classification{}, errors.New("model loading")
		}
		return intel.Classification{Title: "Recipe", Tags: []string{"food"}}, nil
	}
	e := NewEnricher(&mockTranscriber{}, cls, &mockEmbedder{}, store)
	job := makeJob(t, "job-d", dmJob)

	for attempt := 0; attempt < 2; attempt++ {
		job.Attempts = attempt
		if _, err := e.Process(context.Background(), job); !IsRetryable(err) {
			t.Fatalf("attempt %d: err = %v, want retryable", attempt, err)
		}
	}
	job.Attempts = 2
	first, err := e.Process(context.Background(), job)
	if err != nil || !first.Created {
		t.Fatalf("attempt 3: res = %+v, err = %v", first, err)
	}
	again, err := e.Process(context.Background(), job)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if again.Created || again.ResourceID != first.ResourceID {
		t.Errorf("redelivery = %+v, want existing %s", again, first.ResourceID)
	}
	if n, _ := store.CountResources("owner-1"); n != 1 {
		t.Errorf("resources = %d, want 1", n)
	}
	tags, _ := store.ListTags("owner-1")
	if len(tags) != 1 {
		t.Errorf("tags = %+v, want 1", tags)
	}
}

func TestProcess_ForwardedLinkIsLink(t *testing.T) {
	store := openStore(t)
	e := NewEnricher(&mockTranscriber{}, &mockClassifier{}, &mockEmbedder{}, store)
	e.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	j := dispatch.EnrichmentJob{URL: "https://youtu.be/x", UserID: "owner-1", Language: "en", SourceKind: "forwarded_link"}
	res, err := e.Process(context.Background(), makeJob(t, "job-l", j))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	r, _ := store.GetResource(res.ResourceID)
	if r.ContentType != "link" || r.Title != "AI title" || r.Description != "AI description" {
		t.Errorf("resource = %+v", r)
	}
	if !strings.Contains(r.MetadataJSON, `"enriched_at":"2026-01-01T00:00:00Z"`) {
		t.Errorf("metadata = %s", r.MetadataJSON)
	}
}
