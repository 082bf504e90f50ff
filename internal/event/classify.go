// Package event turns raw messaging webhook events into typed messages the
// correlator understands.
package event

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// ErrUnclassifiable is returned for events that carry nothing to ingest.
var ErrUnclassifiable = errors.New("unclassifiable event")

// Attachment is a single media item on an inbound message.
type Attachment struct {
	Type    string // "video", "image", "audio", "share", "ig_reel", ...
	URL     string
	Caption string
}

// InboundEvent is one per-sender messaging event from a webhook delivery.
type InboundEvent struct {
	SenderID    string
	MessageID   string
	Timestamp   time.Time
	RawKind     string // "message", "postback", "read", "reaction", "unknown"
	Text        string
	Attachments []Attachment
	IsEcho      bool
}

// Kind identifies the classified variant.
type Kind int

const (
	KindForwardedLink Kind = iota + 1
	KindText
	KindMedia
)

func (k Kind) String() string {
	switch k {
	case KindForwardedLink:
		return "forwarded_link"
	case KindText:
		return "text"
	case KindMedia:
		return "media"
	default:
		return "unknown"
	}
}

// Classified is the result of Classify. Which fields are set depends on Kind:
// ForwardedLink sets URL; Text sets Text and Language; Media sets URL and Caption.
type Classified struct {
	Kind      Kind
	SenderID  string
	MessageID string
	At        time.Time

	URL      string
	Text     string
	Language string
	Caption  string
}

// sharePattern matches links to content on the platforms users forward from.
var sharePattern = regexp.MustCompile(`(?i)https?://(?:www\.|m\.|vm\.|vt\.)?(?:instagram\.com/(?:reel|reels|p|tv)/[\w-]+|tiktok\.com/\S+|youtube\.com/shorts/[\w-]+|youtu\.be/[\w-]+)[^\s]*`)

// langPrefix matches a ":xx " language hint at the start of a text.
var langPrefix = regexp.MustCompile(`^:([A-Za-z]{2,3}(?:-[A-Za-z0-9]{2,8})?)(?:\s+|$)`)

// Classify decides what an inbound event is. The first matching rule wins:
// a content-sharing URL, then a plain text, then a media attachment.
// defaultLanguage is applied to texts without a valid language hint.
func Classify(ev InboundEvent, defaultLanguage string) (Classified, error) {
	out := Classified{
		SenderID:  ev.SenderID,
		MessageID: ev.MessageID,
		At:        ev.Timestamp,
	}

	if ev.SenderID == "" {
		return Classified{}, fmt.Errorf("%w: missing sender", ErrUnclassifiable)
	}
	if ev.IsEcho {
		return Classified{}, fmt.Errorf("%w: echo of an outgoing message", ErrUnclassifiable)
	}
	if ev.RawKind != "" && ev.RawKind != "message" {
		return Classified{}, fmt.Errorf("%w: %s event", ErrUnclassifiable, ev.RawKind)
	}

	text := strings.TrimSpace(ev.Text)

	if link := sharePattern.FindString(text); link != "" {
		out.Kind = KindForwardedLink
		out.URL = link
		return out, nil
	}
	if len(ev.Attachments) > 0 && isShare(ev.Attachments[0]) && sharePattern.MatchString(ev.Attachments[0].URL) {
		out.Kind = KindForwardedLink
		out.URL = ev.Attachments[0].URL
		out.Caption = ev.Attachments[0].Caption
		return out, nil
	}

	if len(ev.Attachments) == 0 {
		if text == "" {
			return Classified{}, fmt.Errorf("%w: no text and no attachment", ErrUnclassifiable)
		}
		out.Kind = KindText
		out.Text, out.Language = SplitLanguageHint(text, defaultLanguage)
		if out.Text == "" {
			return Classified{}, fmt.Errorf("%w: text is only a language hint", ErrUnclassifiable)
		}
		return out, nil
	}

	first := ev.Attachments[0]
	if first.URL == "" {
		return Classified{}, fmt.Errorf("%w: attachment without url", ErrUnclassifiable)
	}
	out.Kind = KindMedia
	out.URL = first.URL
	out.Caption = first.Caption
	if out.Caption == "" {
		out.Caption = text
	}
	return out, nil
}

// SplitLanguageHint strips a leading ":xx " hint from text and returns the
// remaining text with the normalized language. A missing or unknown hint
// leaves text untouched and returns fallback.
func SplitLanguageHint(text, fallback string) (string, string) {
	m := langPrefix.FindStringSubmatch(text)
	if m == nil {
		return text, fallback
	}
	tag, err := language.Parse(m[1])
	if err != nil {
		return text, fallback
	}
	base, _ := tag.Base()
	return strings.TrimSpace(text[len(m[0]):]), base.String()
}

func isShare(a Attachment) bool {
	switch a.Type {
	case "share", "ig_reel", "reel", "story_mention":
		return true
	}
	return false
}
