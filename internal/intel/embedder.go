package intel

import (
	"context"
	"fmt"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

const embedTimeout = 30 * time.Second

// maxEmbedRunes bounds the text sent for embedding; long transcripts are cut.
const maxEmbedRunes = 8000

// EmbedClient is the embedding surface of the Ollama client.
type EmbedClient interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Embedder produces embedding vectors for resource text.
type Embedder struct {
	client EmbedClient
	model  string
	cb     *gobreaker.CircuitBreaker[[]float32]
}

func NewEmbedder(client EmbedClient, model string, cfg BreakerConfig) *Embedder {
	return &Embedder{
		client: client,
		model:  model,
		cb:     newBreaker[[]float32]("ollama_embed", cfg),
	}
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("embed: empty input")
	}
	if r := []rune(text); len(r) > maxEmbedRunes {
		text = string(r[:maxEmbedRunes])
	}

	vec, err := e.cb.Execute(func() ([]float32, error) {
		ctx, cancel := context.WithTimeout(ctx, embedTimeout)
		defer cancel()
		return e.client.Embed(ctx, e.model, text)
	})
	if err != nil {
		return nil, breakerErr(err)
	}
	return vec, nil
}
