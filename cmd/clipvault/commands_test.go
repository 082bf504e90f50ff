package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/kalambet/clipvault/internal/config"
	"github.com/kalambet/clipvault/internal/dispatch"
	"github.com/kalambet/clipvault/internal/storage"
)

// useTestStore points the commands at a SQLite database in a temp dir and
// returns a handle for seeding it.
func useTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()

	old := openStore
	openStore = func() (*storage.Store, config.Config, error) {
		s, err := storage.Open(dir)
		return s, config.Config{}, err
	}
	t.Cleanup(func() { openStore = old })

	seed, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { seed.Close() })
	return seed
}

// captureOutput runs the root command with args and returns stdout and status output.
func captureOutput(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, status bytes.Buffer

	oldErr, oldColor := errOut, noColor
	errOut, noColor = &status, true
	t.Cleanup(func() { errOut, noColor = oldErr, oldColor })

	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetOut(nil)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return out.String(), status.String(), err
}

func failedJob(t *testing.T, store *storage.Store, url, lastErr string) string {
	t.Helper()
	id, err := dispatch.NewStoreQueue(store, 3).Enqueue(context.Background(), dispatch.EnrichmentJob{
		URL:    url,
		UserID: "owner-1",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := store.FailJobPermanently(id, lastErr); err != nil {
		t.Fatalf("FailJobPermanently: %v", err)
	}
	return id
}

func TestJobsFailed(t *testing.T) {
	store := useTestStore(t)
	id := failedJob(t, store, "https://cdn.example.com/a.mp4", "decode: missing url\nsecond line")

	out, _, err := captureOutput(t, "jobs", "failed")
	if err != nil {
		t.Fatalf("jobs failed: %v", err)
	}
	if !strings.Contains(out, id) {
		t.Errorf("output missing job id %s:\n%s", id, out)
	}
	if !strings.Contains(out, "attempts=1/3") {
		t.Errorf("output missing attempts:\n%s", out)
	}
	if !strings.Contains(out, "decode: missing url second line") {
		t.Errorf("last error not flattened:\n%s", out)
	}
}

func TestJobsFailed_Empty(t *testing.T) {
	useTestStore(t)
	out, status, err := captureOutput(t, "jobs", "failed")
	if err != nil {
		t.Fatalf("jobs failed: %v", err)
	}
	if out != "" || !strings.Contains(status, "No failed jobs") {
		t.Errorf("out = %q, status = %q", out, status)
	}
}

func TestJobsRetry(t *testing.T) {
	store := useTestStore(t)
	id := failedJob(t, store, "https://cdn.example.com/a.mp4", "classify: timeout")

	_, status, err := captureOutput(t, "jobs", "retry", id)
	if err != nil {
		t.Fatalf("jobs retry: %v", err)
	}
	if !strings.Contains(status, "Requeued job "+id) {
		t.Errorf("status = %q", status)
	}
	j, err := store.GetJob(id)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != storage.JobPending || j.Attempts != 0 {
		t.Errorf("job = %+v, want pending with attempts reset", j)
	}

	_, _, err = captureOutput(t, "jobs", "retry", id)
	if err == nil || !strings.Contains(err.Error(), "not a failed job") {
		t.Errorf("second retry err = %v", err)
	}
}

func TestJobsRetry_RequiresID(t *testing.T) {
	useTestStore(t)
	if _, _, err := captureOutput(t, "jobs", "retry"); err == nil {
		t.Fatal("expected error without a job id")
	}
}

func TestConfigKeys(t *testing.T) {
	out, _, err := captureOutput(t, "config", "keys")
	if err != nil {
		t.Fatalf("config keys: %v", err)
	}
	if !strings.Contains(out, "correlation.window\n") {
		t.Errorf("output missing correlation.window:\n%s", out)
	}
	if strings.Contains(out, "webhook.app_secret") {
		t.Error("config keys lists a secret")
	}
}

func TestShowStatus(t *testing.T) {
	store := useTestStore(t)
	failedJob(t, store, "https://cdn.example.com/a.mp4", "boom")
	for _, name := range []string{"travel", "cats"} {
		if _, err := store.UpsertTag("owner-1", name); err != nil {
			t.Fatal(err)
		}
	}

	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer health.Close()
	u, _ := url.Parse(health.URL)
	port, _ := strconv.Atoi(u.Port())

	var status bytes.Buffer
	oldErr, oldColor := errOut, noColor
	errOut, noColor = &status, true
	defer func() { errOut, noColor = oldErr, oldColor }()

	cfg := config.Config{
		Server: config.ServerConfig{Port: port},
		Ollama: config.OllamaConfig{BaseURL: health.URL, ClassifyModel: "llama3.1:8b"},
		Ingest: config.IngestConfig{OwnerUserID: "owner-1"},
	}
	if err := showStatus(context.Background(), cfg, store); err != nil {
		t.Fatalf("showStatus: %v", err)
	}

	got := status.String()
	for _, want := range []string{
		"Server: running on port " + u.Port(),
		"Ollama: running at " + health.URL,
		"Transcription: disabled",
		"Jobs: 0 pending, 0 running, 0 completed, 1 failed",
		"Resources: 0",
		"Tags: 2 (cats, travel)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("status output missing %q:\n%s", want, got)
		}
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestSenders_LinkListUnlink(t *testing.T) {
	store := useTestStore(t)

	_, status, err := captureOutput(t, "senders", "link", "1789", "alice")
	if err != nil {
		t.Fatalf("senders link: %v", err)
	}
	if !strings.Contains(status, "Linked sender 1789 to user alice") {
		t.Errorf("status = %q", status)
	}
	if u, err := store.SenderUser("1789"); err != nil || u != "alice" {
		t.Errorf("SenderUser = %q, %v", u, err)
	}

	out, _, err := captureOutput(t, "senders", "list")
	if err != nil {
		t.Fatalf("senders list: %v", err)
	}
	if out != "1789 -> alice\n" {
		t.Errorf("list output = %q", out)
	}

	if _, _, err := captureOutput(t, "senders", "unlink", "1789"); err != nil {
		t.Fatalf("senders unlink: %v", err)
	}
	_, _, err = captureOutput(t, "senders", "unlink", "1789")
	if err == nil || !strings.Contains(err.Error(), "is not linked") {
		t.Errorf("second unlink err = %v", err)
	}
}

func TestSenders_LinkRequiresArgs(t *testing.T) {
	useTestStore(t)
	if _, _, err := captureOutput(t, "senders", "link", "1789"); err == nil {
		t.Fatal("expected error without a user id")
	}
}
