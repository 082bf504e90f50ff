package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CLIPVAULT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "CLIPVAULT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CLIPVAULT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "webhook.verify_token", typ: kString, env: "CLIPVAULT_WEBHOOK_VERIFY_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Webhook.VerifyToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Webhook.VerifyToken },
	},
	{
		key: "webhook.app_secret", typ: kString, env: "CLIPVAULT_WEBHOOK_APP_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Webhook.AppSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Webhook.AppSecret },
	},
	{
		key: "correlation.window", typ: kDuration, env: "CLIPVAULT_CORRELATION_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Correlation.Window = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Correlation.Window },
	},
	{
		key: "correlation.default_language", typ: kString, env: "CLIPVAULT_CORRELATION_DEFAULT_LANGUAGE",
		apply:   func(cfg *Config, v any) { cfg.Correlation.DefaultLanguage = v.(string) },
		extract: func(cfg Config) any { return cfg.Correlation.DefaultLanguage },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "CLIPVAULT_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "worker.rate_limit", typ: kInt, env: "CLIPVAULT_WORKER_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Worker.RateLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.RateLimit },
	},
	{
		key: "worker.rate_window", typ: kDuration, env: "CLIPVAULT_WORKER_RATE_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Worker.RateWindow = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.RateWindow },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "CLIPVAULT_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "queue.max_attempts", typ: kInt, env: "CLIPVAULT_QUEUE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.MaxAttempts },
	},
	{
		key: "queue.backoff_base", typ: kDuration, env: "CLIPVAULT_QUEUE_BACKOFF_BASE",
		apply:   func(cfg *Config, v any) { cfg.Queue.BackoffBase = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.BackoffBase },
	},
	{
		key: "queue.backoff_max", typ: kDuration, env: "CLIPVAULT_QUEUE_BACKOFF_MAX",
		apply:   func(cfg *Config, v any) { cfg.Queue.BackoffMax = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.BackoffMax },
	},
	{
		key: "ollama.base_url", typ: kString, env: "CLIPVAULT_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.classify_model", typ: kString, env: "CLIPVAULT_OLLAMA_CLASSIFY_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ClassifyModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ClassifyModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "CLIPVAULT_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "transcribe.command", typ: kString, env: "CLIPVAULT_TRANSCRIBE_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.Command = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcribe.Command },
	},
	{
		key: "transcribe.model_size", typ: kString, env: "CLIPVAULT_TRANSCRIBE_MODEL_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.ModelSize = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcribe.ModelSize },
	},
	{
		key: "transcribe.ytdlp_path", typ: kString, env: "CLIPVAULT_TRANSCRIBE_YTDLP_PATH",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.YtDlpPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcribe.YtDlpPath },
	},
	{
		key: "ingest.owner_user_id", typ: kString, env: "CLIPVAULT_INGEST_OWNER_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.Ingest.OwnerUserID = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.OwnerUserID },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
