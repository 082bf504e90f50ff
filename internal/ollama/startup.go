package ollama

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EnsureReady checks that Ollama is reachable and that every named model is
// available, pulling the missing ones. The first model is then warmed with a
// trivial chat so the first classification does not pay the load penalty.
func EnsureReady(ctx context.Context, c *Client, logger *slog.Logger, models ...string) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running at %s", c.baseURL)
	}

	for _, model := range models {
		if model == "" || c.HasModel(ctx, model) {
			continue
		}
		logger.Info("pulling model", "model", model)
		last := ""
		err := c.PullModel(ctx, model, func(p PullProgress) {
			if p.Status != last {
				logger.Debug("pull progress", "model", model, "status", p.Status, "completed", p.Completed, "total", p.Total)
				last = p.Status
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		logger.Info("model ready", "model", model)
	}

	if len(models) == 0 || models[0] == "" {
		return nil
	}
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := c.Chat(warmCtx, models[0], []Message{{Role: "user", Content: "ping"}}, nil); err != nil {
		logger.Warn("model warm-up failed", "model", models[0], "error", err)
	}
	return nil
}
