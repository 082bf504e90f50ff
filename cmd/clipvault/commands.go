package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/kalambet/clipvault/internal/accounts"
	"github.com/kalambet/clipvault/internal/config"
	"github.com/kalambet/clipvault/internal/ollama"
	"github.com/kalambet/clipvault/internal/storage"
)

// openStore opens the configured database. Tests replace it.
var openStore = func() (*storage.Store, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, cfg, fmt.Errorf("opening storage: %w", err)
	}
	return store, cfg, nil
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, Ollama and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		return showStatus(cmd.Context(), cfg, store)
	},
}

func showStatus(ctx context.Context, cfg config.Config, store *storage.Store) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if ollama.New(cfg.Ollama.BaseURL).IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running at %s", cfg.Ollama.BaseURL)
	}
	printStatus("Classify model", "%s", cfg.Ollama.ClassifyModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	if cfg.Transcribe.Command == "" {
		printStatus("Transcription", "disabled")
	} else {
		printStatus("Transcription", "%s (%s)", cfg.Transcribe.Command, cfg.Transcribe.ModelSize)
	}

	counts, err := store.CountJobsByStatus()
	if err != nil {
		return fmt.Errorf("counting jobs: %w", err)
	}
	printStatus("Jobs", "%d pending, %d running, %d completed, %d failed",
		counts[storage.JobPending], counts[storage.JobRunning], counts[storage.JobCompleted], counts[storage.JobFailed])

	if cfg.Ingest.OwnerUserID != "" {
		n, err := store.CountResources(cfg.Ingest.OwnerUserID)
		if err != nil {
			return fmt.Errorf("counting resources: %w", err)
		}
		printStatus("Resources", "%d", n)

		tags, err := store.ListTags(cfg.Ingest.OwnerUserID)
		if err != nil {
			return fmt.Errorf("listing tags: %w", err)
		}
		printStatus("Tags", "%d%s", len(tags), tagPreview(tags, 8))
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func tagPreview(tags []storage.Tag, limit int) string {
	if len(tags) == 0 {
		return ""
	}
	names := make([]string, 0, limit+1)
	for i, t := range tags {
		if i == limit {
			names = append(names, "...")
			break
		}
		names = append(names, t.Name)
	}
	return " (" + strings.Join(names, ", ") + ")"
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and retry enrichment jobs",
}

var jobsFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List failed enrichment jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			limit = 20
		}

		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		jobs, err := store.ListJobs(storage.JobFailed, limit)
		if err != nil {
			return fmt.Errorf("listing failed jobs: %w", err)
		}
		if len(jobs) == 0 {
			printSuccess("No failed jobs")
			return nil
		}
		printJobs(cmd.OutOrStdout(), jobs)
		return nil
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Requeue a failed job with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		id := args[0]
		if err := store.RetryJob(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("job %s is not a failed job", id)
			}
			return fmt.Errorf("retrying job: %w", err)
		}
		printSuccess("Requeued job %s", id)
		return nil
	},
}

func init() {
	jobsFailedCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobsCmd.AddCommand(jobsFailedCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
}

func printJobs(w io.Writer, jobs []storage.Job) {
	for _, j := range jobs {
		lastErr := strings.ReplaceAll(j.LastError, "\n", " ")
		if utf8.RuneCountInString(lastErr) > 80 {
			lastErr = string([]rune(lastErr)[:80]) + "..."
		}
		fmt.Fprintf(w, "%s  %s  attempts=%d/%d  %s\n    %s\n",
			j.ID,
			colorize(statusColor(j.Status), j.Status),
			j.Attempts, j.MaxAttempts,
			j.UpdatedAt.Local().Format("2006-01-02 15:04"),
			lastErr,
		)
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the keys accepted by config set",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ValidKeys() {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
}

// --- senders ---

var sendersCmd = &cobra.Command{
	Use:   "senders",
	Short: "Manage which user each messaging sender saves to",
	Long: "Manage which user each messaging sender saves to. Unlinked senders save to\n" +
		"ingest.owner_user_id. A running server picks up changes within a minute.",
}

var sendersLinkCmd = &cobra.Command{
	Use:   "link <sender-id> <user-id>",
	Short: "Link a sender to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := accounts.NewResolver(store, cfg.Ingest.OwnerUserID).Link(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Linked sender %s to user %s", args[0], args[1])
		return nil
	},
}

var sendersUnlinkCmd = &cobra.Command{
	Use:   "unlink <sender-id>",
	Short: "Remove a sender link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := accounts.NewResolver(store, cfg.Ingest.OwnerUserID).Unlink(args[0]); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("sender %s is not linked", args[0])
			}
			return err
		}
		printSuccess("Unlinked sender %s", args[0])
		return nil
	},
}

var sendersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sender links",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		links, err := store.ListSenderLinks()
		if err != nil {
			return fmt.Errorf("listing sender links: %w", err)
		}
		if len(links) == 0 {
			printStatus("Senders", "none linked")
		}
		for _, l := range links {
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", l.SenderID, l.UserID)
		}
		if cfg.Ingest.OwnerUserID != "" {
			printStatus("Default", "%s", cfg.Ingest.OwnerUserID)
		}
		return nil
	},
}

func init() {
	sendersCmd.AddCommand(sendersLinkCmd)
	sendersCmd.AddCommand(sendersUnlinkCmd)
	sendersCmd.AddCommand(sendersListCmd)
}
