package event

import (
	"errors"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		ev       InboundEvent
		wantKind Kind
		wantURL  string
		wantText string
		wantLang string
		wantCap  string
	}{
		{
			name:     "forwarded reel link in text",
			ev:       InboundEvent{SenderID: "U1", Text: "look https://www.instagram.com/reel/Cx12_ab/?igsh=abc nice"},
			wantKind: KindForwardedLink,
			wantURL:  "https://www.instagram.com/reel/Cx12_ab/?igsh=abc",
		},
		{
			name:     "link wins over language hint and attachment",
			ev:       InboundEvent{SenderID: "U1", Text: ":en https://youtu.be/dQw4w9WgXcQ", Attachments: []Attachment{{Type: "video", URL: "https://cdn/v.mp4"}}},
			wantKind: KindForwardedLink,
			wantURL:  "https://youtu.be/dQw4w9WgXcQ",
		},
		{
			name:     "shared reel attachment",
			ev:       InboundEvent{SenderID: "U1", Attachments: []Attachment{{Type: "ig_reel", URL: "https://www.instagram.com/reel/abc123/", Caption: "Recipe"}}},
			wantKind: KindForwardedLink,
			wantURL:  "https://www.instagram.com/reel/abc123/",
			wantCap:  "Recipe",
		},
		{
			name:     "text with language hint",
			ev:       InboundEvent{SenderID: "U1", Text: ":en Check this out"},
			wantKind: KindText,
			wantText: "Check this out",
			wantLang: "en",
		},
		{
			name:     "text without hint uses default",
			ev:       InboundEvent{SenderID: "U1", Text: "  Receita de bolo "},
			wantKind: KindText,
			wantText: "Receita de bolo",
			wantLang: "pt",
		},
		{
			name:     "media uses first attachment only",
			ev:       InboundEvent{SenderID: "U2", Attachments: []Attachment{{Type: "video", URL: "https://cdn/1.mp4", Caption: "Funny clip\nmore text"}, {Type: "video", URL: "https://cdn/2.mp4"}}},
			wantKind: KindMedia,
			wantURL:  "https://cdn/1.mp4",
			wantCap:  "Funny clip\nmore text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.ev.Timestamp = at
			got, err := Classify(tt.ev, "pt")
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", got.Kind, tt.wantKind)
			}
			if got.URL != tt.wantURL {
				t.Errorf("URL = %q, want %q", got.URL, tt.wantURL)
			}
			if got.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", got.Text, tt.wantText)
			}
			if got.Language != tt.wantLang {
				t.Errorf("Language = %q, want %q", got.Language, tt.wantLang)
			}
			if got.Caption != tt.wantCap {
				t.Errorf("Caption = %q, want %q", got.Caption, tt.wantCap)
			}
			if !got.At.Equal(at) {
				t.Errorf("At = %v, want %v", got.At, at)
			}
		})
	}
}

func TestClassify_Unclassifiable(t *testing.T) {
	tests := []struct {
		name string
		ev   InboundEvent
	}{
		{"empty", InboundEvent{SenderID: "U1", RawKind: "message"}},
		{"echo", InboundEvent{SenderID: "U1", Text: "hi", IsEcho: true}},
		{"read receipt", InboundEvent{SenderID: "U1", RawKind: "read"}},
		{"no sender", InboundEvent{Text: "hi"}},
		{"attachment without url", InboundEvent{SenderID: "U1", Attachments: []Attachment{{Type: "video"}}}},
		{"only a hint", InboundEvent{SenderID: "U1", Text: ":en   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Classify(tt.ev, "en"); !errors.Is(err, ErrUnclassifiable) {
				t.Errorf("err = %v, want ErrUnclassifiable", err)
			}
		})
	}
}

func TestSplitLanguageHint(t *testing.T) {
	tests := []struct {
		in, wantText, wantLang string
	}{
		{":en Check this out", "Check this out", "en"},
		{":ES hola", "hola", "es"},
		{":pt-BR receita", "receita", "pt"},
		{":zz not a language", ":zz not a language", "en"},
		{"no hint", "no hint", "en"},
		{":fr", "", "fr"},
	}
	for _, tt := range tests {
		text, lang := SplitLanguageHint(tt.in, "en")
		if text != tt.wantText || lang != tt.wantLang {
			t.Errorf("SplitLanguageHint(%q) = (%q, %q), want (%q, %q)", tt.in, text, lang, tt.wantText, tt.wantLang)
		}
	}
}
