package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Storage     StorageConfig
	Webhook     WebhookConfig
	Correlation CorrelationConfig
	Worker      WorkerConfig
	Queue       QueueConfig
	Ollama      OllamaConfig
	Transcribe  TranscribeConfig
	Ingest      IngestConfig
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

type WebhookConfig struct {
	VerifyToken string
	AppSecret   string
}

type CorrelationConfig struct {
	Window          time.Duration
	DefaultLanguage string
}

type WorkerConfig struct {
	Concurrency  int
	RateLimit    int
	RateWindow   time.Duration
	PollInterval time.Duration
}

type QueueConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type OllamaConfig struct {
	BaseURL       string
	ClassifyModel string
	EmbedModel    string
}

type TranscribeConfig struct {
	Command   string // empty disables transcription
	ModelSize string
	YtDlpPath string
}

type IngestConfig struct {
	OwnerUserID string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info"},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Correlation: CorrelationConfig{
			Window:          10 * time.Second,
			DefaultLanguage: "en",
		},
		Worker: WorkerConfig{
			Concurrency:  2,
			RateLimit:    10,
			RateWindow:   time.Minute,
			PollInterval: 500 * time.Millisecond,
		},
		Queue: QueueConfig{
			MaxAttempts: 3,
			BackoffBase: 5 * time.Second,
			BackoffMax:  5 * time.Minute,
		},
		Ollama: OllamaConfig{
			BaseURL:       "http://localhost:11434",
			ClassifyModel: "llama3.1:8b",
			EmbedModel:    "nomic-embed-text",
		},
		Transcribe: TranscribeConfig{
			ModelSize: "small",
			YtDlpPath: "yt-dlp",
		},
	}
}

// Load reads configuration in increasing order of precedence: defaults, the
// JSON file at $XDG_CONFIG_HOME/clipvault/config.json, and CLIPVAULT_*
// environment variables. A .env file in the working directory is loaded into
// the environment first; variables already set are not replaced.
//
// Secrets (webhook.verify_token, webhook.app_secret) are only read from the
// environment.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), ".env")
}

func loadWith(b ConfigBackend, dotenv string) (Config, error) {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "[WARN] could not load %s: %v\n", dotenv, err)
		}
	}

	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	case c.Correlation.Window <= 0:
		return fmt.Errorf("invalid config: correlation.window must be positive, got %s", c.Correlation.Window)
	case c.Worker.Concurrency < 1:
		return fmt.Errorf("invalid config: worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	case c.Worker.RateLimit < 1:
		return fmt.Errorf("invalid config: worker.rate_limit must be at least 1, got %d", c.Worker.RateLimit)
	case c.Worker.RateWindow <= 0:
		return fmt.Errorf("invalid config: worker.rate_window must be positive, got %s", c.Worker.RateWindow)
	case c.Queue.MaxAttempts < 1:
		return fmt.Errorf("invalid config: queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	return nil
}

// RequireWebhookSecrets reports a missing verify token or app secret. The
// webhook cannot accept deliveries without them.
func (c Config) RequireWebhookSecrets() error {
	var missing []string
	if c.Webhook.VerifyToken == "" {
		missing = append(missing, envName("webhook.verify_token"))
	}
	if c.Webhook.AppSecret == "" {
		missing = append(missing, envName("webhook.app_secret"))
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: set %v in the environment or .env", missing)
	}
	return nil
}

func envName(key string) string {
	for _, s := range specs {
		if s.key == key {
			return s.env
		}
	}
	return ""
}
