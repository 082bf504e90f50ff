package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/clipvault/internal/ollama"
	gobreaker "github.com/sony/gobreaker/v2"
)

const classifyTimeout = 60 * time.Second

// Categories the classifier may assign.
var Categories = []string{
	"education", "entertainment", "cooking", "fitness", "travel",
	"technology", "music", "fashion", "news", "other",
}

// Chatter is the chat completion surface of the Ollama client.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Classification is the structured summary of a piece of content.
type Classification struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Category    string   `json:"category"`
}

// Classifier asks a local LLM for a title, description, tags and category.
type Classifier struct {
	client Chatter
	model  string
	cb     *gobreaker.CircuitBreaker[Classification]
}

func NewClassifier(client Chatter, model string, cfg BreakerConfig) *Classifier {
	return &Classifier{
		client: client,
		model:  model,
		cb:     newBreaker[Classification]("ollama_classify", cfg),
	}
}

// Classify summarizes text. Unlike best-effort extraction, every failure is
// returned: the caller retries the job.
func (c *Classifier) Classify(ctx context.Context, text string) (Classification, error) {
	if strings.TrimSpace(text) == "" {
		return Classification{}, fmt.Errorf("classify: empty input")
	}

	out, err := c.cb.Execute(func() (Classification, error) {
		ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
		defer cancel()

		raw, err := c.client.Chat(ctx, c.model, buildClassifyPrompt(text), classificationSchema())
		if err != nil {
			return Classification{}, fmt.Errorf("classify chat: %w", err)
		}
		var cl Classification
		if err := json.Unmarshal([]byte(raw), &cl); err != nil {
			return Classification{}, fmt.Errorf("decoding classification: %w", err)
		}
		return cl, nil
	})
	if err != nil {
		return Classification{}, breakerErr(err)
	}

	out.Title = strings.TrimSpace(out.Title)
	out.Description = strings.TrimSpace(out.Description)
	out.Category = normalizeCategory(out.Category)
	return out, nil
}

func normalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	for _, known := range Categories {
		if c == known {
			return c
		}
	}
	return "other"
}

const classifySystemPrompt = `You catalogue short videos and links that a user saved for later. Given the available text about one item (a user-provided title, a caption, a transcript), produce ONLY a single JSON object matching the provided schema. Do not include any other text, prose, or markdown.

Rules:
- title: at most 80 characters, in the language of the content.
- description: one or two sentences describing what the item is about.
- tags: 3 to 10 short lowercase topic keywords, no hashtags.
- category: exactly one of the allowed values.`

func buildClassifyPrompt(text string) []ollama.Message {
	return []ollama.Message{
		{Role: "system", Content: classifySystemPrompt},
		{Role: "user", Content: text},
	}
}

func classificationSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"title":       {Type: "string", Description: "Short descriptive title"},
			"description": {Type: "string", Description: "One or two sentence summary"},
			"tags":        {Type: "array", Description: "Topic keywords", Items: &ollama.SchemaProperty{Type: "string"}},
			"category":    {Type: "string", Enum: Categories},
		},
		Required: []string{"title", "description", "tags", "category"},
	}
}
