// Package correlate pairs a sender's caption text with the video they send
// moments before or after it, and falls back to the video alone when no text
// arrives within the correlation window.
package correlate

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kalambet/clipvault/internal/event"
	"github.com/kalambet/clipvault/internal/metrics"
)

// DefaultWindow is used when Config.Window is zero.
const DefaultWindow = 10 * time.Second

// Source says where a resolved unit came from.
type Source int

const (
	SourceDM Source = iota + 1
	SourceForwardedLink
)

func (s Source) String() string {
	switch s {
	case SourceDM:
		return "dm"
	case SourceForwardedLink:
		return "forwarded_link"
	default:
		return "unknown"
	}
}

// Unit is a fully resolved share, ready to become an enrichment job.
type Unit struct {
	SenderID   string
	MessageID  string
	Source     Source
	URL        string
	Title      string
	Language   string
	Caption    string
	Fallback   bool // title came from the caption or the placeholder, not a paired text
	ResolvedAt time.Time
}

// Emitter receives resolved units. Emit is called while the sender's state is
// locked and must not call back into the Correlator.
type Emitter interface {
	Emit(ctx context.Context, u Unit)
}

type Config struct {
	Window          time.Duration
	DefaultLanguage string
	Clock           Clock
}

// Correlator runs the per-sender Idle / TextCached / VideoPending state
// machine on top of a StateStore.
type Correlator struct {
	store       StateStore
	emitter     Emitter
	clock       Clock
	window      time.Duration
	defaultLang string
	gen         atomic.Uint64
	closing     atomic.Bool
	baseCtx     context.Context
	logger      *slog.Logger
}

func New(store StateStore, emitter Emitter, cfg Config) *Correlator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	return &Correlator{
		store:       store,
		emitter:     emitter,
		clock:       cfg.Clock,
		window:      cfg.Window,
		defaultLang: cfg.DefaultLanguage,
		baseCtx:     context.Background(),
		logger:      slog.Default(),
	}
}

// Handle feeds one classified event into the state machine.
func (c *Correlator) Handle(ctx context.Context, m event.Classified) {
	switch m.Kind {
	case event.KindForwardedLink:
		c.emit(ctx, "link", c.linkUnit(m))
	case event.KindText:
		c.onText(ctx, m)
	case event.KindMedia:
		c.onMedia(ctx, m)
	default:
		c.logger.Warn("correlator ignoring event", "kind", m.Kind, "sender_id", m.SenderID)
	}
	metrics.PendingSenders.Set(float64(c.store.Len()))
}

func (c *Correlator) onText(ctx context.Context, m event.Classified) {
	c.store.WithLock(m.SenderID, func(cell Cell) {
		st := cell.Get()
		now := c.clock.Now()

		if v := st.Video; v != nil {
			v.timer.Stop()
			if now.Before(v.CreatedAt.Add(c.window)) {
				cell.Clear()
				c.emit(ctx, "paired", Unit{
					SenderID:   m.SenderID,
					MessageID:  v.MessageID,
					Source:     SourceDM,
					URL:        v.AssetURL,
					Title:      m.Text,
					Language:   m.Language,
					Caption:    v.Caption,
					ResolvedAt: now,
				})
				return
			}
			// The deadline passed before expire got the lock.
			st.Video = nil
			cell.Set(st)
			c.emit(ctx, "fallback", c.fallbackUnit(m.SenderID, v))
		}

		if c.closing.Load() {
			c.logger.Info("dropping text received during shutdown", "sender_id", m.SenderID, "message_id", m.MessageID)
			return
		}
		if st.Text != nil {
			metrics.Correlations.WithLabelValues("text_overwritten").Inc()
		}
		st.Text = &PendingText{
			MessageID: m.MessageID,
			Text:      m.Text,
			Language:  m.Language,
			CachedAt:  now,
		}
		cell.Set(st)
	})
}

func (c *Correlator) onMedia(ctx context.Context, m event.Classified) {
	c.store.WithLock(m.SenderID, func(cell Cell) {
		st := cell.Get()
		now := c.clock.Now()

		if t := st.Text; t != nil {
			if now.Sub(t.CachedAt) < c.window {
				cell.Clear()
				c.emit(ctx, "paired", Unit{
					SenderID:   m.SenderID,
					MessageID:  m.MessageID,
					Source:     SourceDM,
					URL:        m.URL,
					Title:      t.Text,
					Language:   t.Language,
					Caption:    m.Caption,
					ResolvedAt: now,
				})
				return
			}
			st.Text = nil
			metrics.Correlations.WithLabelValues("text_expired").Inc()
		}

		if old := st.Video; old != nil {
			old.timer.Stop()
			metrics.Correlations.WithLabelValues("video_replaced").Inc()
			c.logger.Info("pending video replaced", "sender_id", m.SenderID, "replaced_message_id", old.MessageID)
		}

		gen := c.gen.Add(1)
		sender := m.SenderID
		pv := &PendingVideo{
			MessageID: m.MessageID,
			AssetURL:  m.URL,
			Caption:   m.Caption,
			CreatedAt: now,
			gen:       gen,
		}
		if c.closing.Load() {
			st.Video = nil
			cell.Set(st)
			c.emit(ctx, "fallback", c.fallbackUnit(sender, pv))
			return
		}
		pv.timer = c.clock.AfterFunc(c.window, func() { c.expire(sender, gen) })
		st.Video = pv
		cell.Set(st)
	})
}

// expire resolves a pending video with its fallback title. It is a no-op when
// the entry it was armed for has since been paired or replaced.
func (c *Correlator) expire(senderID string, gen uint64) {
	c.store.WithLock(senderID, func(cell Cell) {
		st := cell.Get()
		v := st.Video
		if v == nil || v.gen != gen {
			return
		}
		st.Video = nil
		cell.Set(st)
		c.emit(c.baseCtx, "fallback", c.fallbackUnit(senderID, v))
	})
	metrics.PendingSenders.Set(float64(c.store.Len()))
}

// Sweep drops cached texts older than the window and returns how many it
// removed.
func (c *Correlator) Sweep() int {
	removed := 0
	for _, id := range c.store.Senders() {
		c.store.WithLock(id, func(cell Cell) {
			st := cell.Get()
			if st.Text == nil || c.clock.Now().Sub(st.Text.CachedAt) < c.window {
				return
			}
			st.Text = nil
			cell.Set(st)
			removed++
		})
	}
	if removed > 0 {
		metrics.Correlations.WithLabelValues("text_expired").Add(float64(removed))
	}
	metrics.PendingSenders.Set(float64(c.store.Len()))
	return removed
}

// Run sweeps stale texts once per window until ctx is cancelled.
func (c *Correlator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("dropped stale texts", "count", n)
			}
		}
	}
}

// Flush resolves every pending video immediately with its fallback title.
// It is called on shutdown so videos waiting for a caption are not lost.
// After Flush no timers are armed: later videos resolve with their fallback
// title at once and lone texts are dropped.
func (c *Correlator) Flush(ctx context.Context) int {
	c.closing.Store(true)
	flushed := 0
	for _, id := range c.store.Senders() {
		c.store.WithLock(id, func(cell Cell) {
			st := cell.Get()
			v := st.Video
			if v == nil {
				return
			}
			v.timer.Stop()
			st.Video = nil
			cell.Set(st)
			c.emit(ctx, "fallback", c.fallbackUnit(id, v))
			flushed++
		})
	}
	metrics.PendingSenders.Set(float64(c.store.Len()))
	return flushed
}

func (c *Correlator) emit(ctx context.Context, outcome string, u Unit) {
	metrics.Correlations.WithLabelValues(outcome).Inc()
	c.logger.Info("unit resolved",
		"sender_id", u.SenderID,
		"message_id", u.MessageID,
		"source", u.Source,
		"outcome", outcome,
	)
	c.emitter.Emit(ctx, u)
}

func (c *Correlator) fallbackUnit(senderID string, v *PendingVideo) Unit {
	return Unit{
		SenderID:   senderID,
		MessageID:  v.MessageID,
		Source:     SourceDM,
		URL:        v.AssetURL,
		Title:      FallbackTitle(v.Caption, v.CreatedAt),
		Language:   c.defaultLang,
		Caption:    v.Caption,
		Fallback:   true,
		ResolvedAt: c.clock.Now(),
	}
}

func (c *Correlator) linkUnit(m event.Classified) Unit {
	return Unit{
		SenderID:   m.SenderID,
		MessageID:  m.MessageID,
		Source:     SourceForwardedLink,
		URL:        m.URL,
		Title:      firstLine(m.Caption),
		Language:   c.defaultLang,
		Caption:    m.Caption,
		Fallback:   true,
		ResolvedAt: c.clock.Now(),
	}
}

// FallbackTitle is the first line of caption, or a timestamped placeholder
// when the caption is blank.
func FallbackTitle(caption string, at time.Time) string {
	if line := firstLine(caption); line != "" {
		return line
	}
	return PlaceholderPrefix + at.UTC().Format(time.RFC3339)
}

// PlaceholderPrefix starts every title generated for an uncaptioned video.
const PlaceholderPrefix = "DM Video "

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
