package intel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/kalambet/clipvault/internal/ollama"
)

type mockChatter struct {
	chatFn func(ctx context.Context, model string, messages []ollama.Message, schema *ollama.Schema) (string, error)
	calls  int
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []ollama.Message, schema *ollama.Schema) (string, error) {
	m.calls++
	return m.chatFn(ctx, model, messages, schema)
}

type mockEmbedClient struct {
	embedFn func(ctx context.Context, model, text string) ([]float32, error)
}

func (m *mockEmbedClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	return m.embedFn(ctx, model, text)
}

func TestClassify_ParsesStructuredOutput(t *testing.T) {
	chat := &mockChatter{chatFn: func(_ context.Context, model string, msgs []ollama.Message, schema *ollama.Schema) (string, error) {
		if model != "llama3.2" {
			t.Errorf("model = %q", model)
		}
		if schema == nil || schema.Properties["tags"].Items == nil {
			t.Error("schema missing tags items")
		}
		if last := msgs[len(msgs)-1]; last.Role != "user" || !strings.Contains(last.Content, "sourdough") {
			t.Errorf("user message = %+v", last)
		}
		return `{"title":" Sourdough basics ","description":"How to bake bread.","tags":["baking","bread"],"category":"Cooking"}`, nil
	}}

	c := NewClassifier(chat, "llama3.2", BreakerConfig{})
	got, err := c.Classify(context.Background(), "Transcript: sourdough starter tips")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Title != "Sourdough basics" || got.Category != "cooking" || len(got.Tags) != 2 {
		t.Errorf("got %+v", got)
	}
}

func TestClassify_UnknownCategoryBecomesOther(t *testing.T) {
	chat := &mockChatter{chatFn: func(context.Context, string, []ollama.Message, *ollama.Schema) (string, error) {
		return `{"title":"x","description":"y","tags":[],"category":"astrology"}`, nil
	}}
	got, err := NewClassifier(chat, "m", BreakerConfig{}).Classify(context.Background(), "x")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Category != "other" {
		t.Errorf("Category = %q, want other", got.Category)
	}
}

func TestClassify_ReturnsErrors(t *testing.T) {
	tests := []struct {
		name string
		resp string
		err  error
	}{
		{"chat error", "", errors.New("connection refused")},
		{"malformed json", "not json", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &mockChatter{chatFn: func(context.Context, string, []ollama.Message, *ollama.Schema) (string, error) {
				return tt.resp, tt.err
			}}
			if _, err := NewClassifier(chat, "m", BreakerConfig{}).Classify(context.Background(), "text"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestClassify_BreakerOpens(t *testing.T) {
	chat := &mockChatter{chatFn: func(context.Context, string, []ollama.Message, *ollama.Schema) (string, error) {
		return "", errors.New("boom")
	}}
	c := NewClassifier(chat, "m", BreakerConfig{FailureThreshold: 2})

	for i := 0; i < 2; i++ {
		if _, err := c.Classify(context.Background(), "text"); err == nil || errors.Is(err, ErrUnavailable) {
			t.Fatalf("call %d: err = %v, want provider error", i, err)
		}
	}
	_, err := c.Classify(context.Background(), "text")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if chat.calls != 2 {
		t.Errorf("provider called %d times, want 2", chat.calls)
	}
}

func TestClassify_RejectedRequestsDoNotOpenBreaker(t *testing.T) {
	chat := &mockChatter{chatFn: func(context.Context, string, []ollama.Message, *ollama.Schema) (string, error) {
		return "", &ollama.StatusError{Op: "chat", Code: http.StatusNotFound, Body: "model not found"}
	}}
	c := NewClassifier(chat, "missing", BreakerConfig{FailureThreshold: 2})

	for i := 0; i < 4; i++ {
		_, err := c.Classify(context.Background(), "text")
		if errors.Is(err, ErrUnavailable) {
			t.Fatalf("call %d: breaker opened on a rejected request", i)
		}
		if !IsPermanent(err) {
			t.Fatalf("call %d: IsPermanent(%v) = false", i, err)
		}
	}
	if chat.calls != 4 {
		t.Errorf("provider called %d times, want 4", chat.calls)
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&ollama.StatusError{Code: http.StatusBadRequest}, true},
		{fmt.Errorf("classify chat: %w", &ollama.StatusError{Code: http.StatusNotFound}), true},
		{&ollama.StatusError{Code: http.StatusTooManyRequests}, false},
		{&ollama.StatusError{Code: http.StatusBadGateway}, false},
		{errors.New("connection refused"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsPermanent(tt.err); got != tt.want {
			t.Errorf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestEmbed_TruncatesLongInput(t *testing.T) {
	var got string
	client := &mockEmbedClient{embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
		got = text
		return []float32{1, 2}, nil
	}}
	e := NewEmbedder(client, "nomic-embed-text", BreakerConfig{})

	vec, err := e.Embed(context.Background(), strings.Repeat("é", maxEmbedRunes+100))
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 {
		t.Errorf("vec = %v", vec)
	}
	if n := len([]rune(got)); n != maxEmbedRunes {
		t.Errorf("sent %d runes, want %d", n, maxEmbedRunes)
	}

	if _, err := e.Embed(context.Background(), "   "); err == nil {
		t.Error("expected error for empty input")
	}
}

func newMediaServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v.mp4" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTranscribe_DirectMedia(t *testing.T) {
	srv := newMediaServer(t, "fake video bytes")

	tr := NewTranscriber(TranscriberConfig{Command: "python3 transcribe.py", ModelSize: "base", TempDir: t.TempDir()})
	var gotName string
	var gotArgs []string
	tr.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		data, err := os.ReadFile(args[1])
		if err != nil {
			t.Errorf("reading downloaded media: %v", err)
		}
		if string(data) != "fake video bytes" {
			t.Errorf("media = %q", data)
		}
		return []byte("loading model...\n{\"text\": \" hello world \", \"language\": \"en\"}\n"), nil
	}

	got, err := tr.Transcribe(context.Background(), srv.URL+"/v.mp4", "pt")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "hello world" || got.Language != "en" {
		t.Errorf("got %+v", got)
	}
	if gotName != "python3" || len(gotArgs) != 3 || gotArgs[0] != "transcribe.py" || gotArgs[2] != "base" {
		t.Errorf("command = %s %v", gotName, gotArgs)
	}
	if _, err := os.Stat(gotArgs[1]); !os.IsNotExist(err) {
		t.Errorf("temp media not removed: %v", err)
	}
}

func TestTranscribe_ResolvesPageLinks(t *testing.T) {
	srv := newMediaServer(t, "bytes")

	tr := NewTranscriber(TranscriberConfig{Command: "whisper-cli", YtDlpPath: "/opt/yt-dlp", TempDir: t.TempDir()})
	var resolved bool
	tr.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		if name == "/opt/yt-dlp" {
			resolved = true
			if args[len(args)-1] != "https://www.instagram.com/reel/abc/" {
				t.Errorf("yt-dlp args = %v", args)
			}
			return []byte(srv.URL + "/v.mp4\n" + srv.URL + "/audio.m4a\n"), nil
		}
		return []byte(`{"text":"hi","language":""}`), nil
	}

	got, err := tr.Transcribe(context.Background(), "https://www.instagram.com/reel/abc/", "es")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if !resolved {
		t.Error("page link was not resolved through yt-dlp")
	}
	if got.Language != "es" {
		t.Errorf("Language = %q, want hint es", got.Language)
	}
}

func TestTranscribe_Failures(t *testing.T) {
	srv := newMediaServer(t, strings.Repeat("x", 64))

	t.Run("disabled", func(t *testing.T) {
		_, err := NewTranscriber(TranscriberConfig{}).Transcribe(context.Background(), srv.URL+"/v.mp4", "")
		if !errors.Is(err, ErrTranscriptionDisabled) {
			t.Errorf("err = %v, want ErrTranscriptionDisabled", err)
		}
	})

	t.Run("download 404", func(t *testing.T) {
		tr := NewTranscriber(TranscriberConfig{Command: "stt", TempDir: t.TempDir()})
		if _, err := tr.Transcribe(context.Background(), srv.URL+"/missing.mp4", ""); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("too large", func(t *testing.T) {
		tr := NewTranscriber(TranscriberConfig{Command: "stt", TempDir: t.TempDir(), MaxBytes: 10})
		if _, err := tr.Transcribe(context.Background(), srv.URL+"/v.mp4", ""); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("no json output", func(t *testing.T) {
		tr := NewTranscriber(TranscriberConfig{Command: "stt", TempDir: t.TempDir()})
		tr.run = func(context.Context, string, ...string) ([]byte, error) { return []byte("done\n"), nil }
		if _, err := tr.Transcribe(context.Background(), srv.URL+"/v.mp4", ""); err == nil {
			t.Error("expected error")
		}
	})
}

func TestIsPageURL(t *testing.T) {
	tests := map[string]bool{
		"https://www.instagram.com/reel/abc/":          true,
		"https://vm.tiktok.com/ZM123/":                 true,
		"https://youtu.be/xyz":                         true,
		"https://scontent.cdninstagram.com/v/t50.mp4":  false,
		"https://lookaside.fbsbx.com/ig_messaging_cdn": false,
		"::not a url":                                  false,
	}
	for u, want := range tests {
		if got := IsPageURL(u); got != want {
			t.Errorf("IsPageURL(%q) = %v, want %v", u, got, want)
		}
	}
}
