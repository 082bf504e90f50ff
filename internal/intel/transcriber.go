package intel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	resolveTimeout    = 2 * time.Minute
	downloadTimeout   = 5 * time.Minute
	transcribeTimeout = 10 * time.Minute

	defaultMaxDownload = 200 << 20
)

// ErrTranscriptionDisabled is returned when no transcription command is set.
var ErrTranscriptionDisabled = errors.New("transcription disabled")

// Transcript is the output of the speech-to-text command.
type Transcript struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type TranscriberConfig struct {
	// Command is the speech-to-text program and its leading arguments, for
	// example "python3 transcribe.py". The media path and the model size are
	// appended. It must print {"text": ..., "language": ...} on stdout.
	Command   string
	ModelSize string
	YtDlpPath string
	TempDir   string
	MaxBytes  int64
}

// runFunc runs a program and returns its stdout.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Transcriber downloads a video and runs an external speech-to-text command
// on it. Page links are first resolved to a media URL with yt-dlp.
type Transcriber struct {
	cfg        TranscriberConfig
	httpClient *http.Client
	run        runFunc
}

func NewTranscriber(cfg TranscriberConfig) *Transcriber {
	if cfg.YtDlpPath == "" {
		cfg.YtDlpPath = "yt-dlp"
	}
	if cfg.ModelSize == "" {
		cfg.ModelSize = "small"
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxDownload
	}
	return &Transcriber{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: downloadTimeout},
		run:        runCommand,
	}
}

// Transcribe returns the speech in the media at mediaURL. languageHint is
// informational; the command detects the spoken language itself.
func (t *Transcriber) Transcribe(ctx context.Context, mediaURL, languageHint string) (Transcript, error) {
	argv := strings.Fields(t.cfg.Command)
	if len(argv) == 0 {
		return Transcript{}, ErrTranscriptionDisabled
	}

	direct := mediaURL
	if IsPageURL(mediaURL) {
		resolved, err := t.resolve(ctx, mediaURL)
		if err != nil {
			return Transcript{}, err
		}
		direct = resolved
	}

	path, err := t.download(ctx, direct)
	if err != nil {
		return Transcript{}, err
	}
	defer os.Remove(path)

	ctx, cancel := context.WithTimeout(ctx, transcribeTimeout)
	defer cancel()

	args := append(argv[1:len(argv):len(argv)], path, t.cfg.ModelSize)
	out, err := t.run(ctx, argv[0], args...)
	if err != nil {
		return Transcript{}, fmt.Errorf("running transcription command: %w", err)
	}
	tr, err := parseTranscript(out)
	if err != nil {
		return Transcript{}, err
	}
	if tr.Language == "" {
		tr.Language = languageHint
	}
	return tr, nil
}

// resolve turns a page link into a direct media URL via yt-dlp --get-url.
func (t *Transcriber) resolve(ctx context.Context, pageURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	out, err := t.run(ctx, t.cfg.YtDlpPath, "-f", "b", "--get-url", "--no-warnings", pageURL)
	if err != nil {
		return "", fmt.Errorf("resolving %s with yt-dlp: %w", pageURL, err)
	}
	// Separate video and audio streams print one URL per line; the first is
	// the one with video.
	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	first = strings.TrimSpace(first)
	if first == "" {
		return "", fmt.Errorf("yt-dlp returned no url for %s", pageURL)
	}
	return first, nil
}

func (t *Transcriber) download(ctx context.Context, mediaURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating download request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading media: unexpected status %d", resp.StatusCode)
	}

	f, err := os.CreateTemp(t.cfg.TempDir, "clipvault-media-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, t.cfg.MaxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > t.cfg.MaxBytes {
		err = fmt.Errorf("media exceeds %d bytes", t.cfg.MaxBytes)
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("downloading media: %w", err)
	}
	return f.Name(), nil
}

// parseTranscript reads the last JSON line of the command's stdout, skipping
// any progress output printed before it.
func parseTranscript(out []byte) (Transcript, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var tr Transcript
		if err := json.Unmarshal([]byte(line), &tr); err != nil {
			return Transcript{}, fmt.Errorf("decoding transcript: %w", err)
		}
		tr.Text = strings.TrimSpace(tr.Text)
		return tr, nil
	}
	return Transcript{}, fmt.Errorf("transcription command printed no result")
}

var pageHosts = []string{"instagram.com", "tiktok.com", "youtube.com", "youtu.be"}

// IsPageURL reports whether u points at a content page rather than a media
// file, so it has to be resolved before downloading.
func IsPageURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	for _, h := range pageHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return nil, fmt.Errorf("%s: %w, stderr: %s", name, err, msg)
	}
	return stdout.Bytes(), nil
}
