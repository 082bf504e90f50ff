// Package ingress turns verified webhook deliveries into correlator input.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/kalambet/clipvault/internal/event"
	"github.com/kalambet/clipvault/internal/metrics"
)

var (
	// ErrBacklogFull is returned by Submit when the intake queue is full.
	ErrBacklogFull = errors.New("ingress backlog full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("ingress closed")
)

// Handler consumes classified events. *correlate.Correlator satisfies it.
type Handler interface {
	Handle(ctx context.Context, m event.Classified)
}

type Config struct {
	DefaultLanguage string
	Lanes           int // parallel handlers; one sender always maps to the same lane
	Backlog         int // deliveries Submit may queue before refusing
}

type delivery struct {
	ctx  context.Context
	body []byte
}

type item struct {
	ctx context.Context
	m   event.Classified
}

// Processor parses, classifies and forwards webhook bodies. Deliveries are
// read in Submit order and each sender's events are handled in that order.
type Processor struct {
	handler         Handler
	defaultLanguage string
	logger          *slog.Logger

	mu     sync.RWMutex
	closed bool
	intake chan delivery
	lanes  []chan item
	done   chan struct{}
}

func New(handler Handler, cfg Config) *Processor {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 4
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 256
	}
	p := &Processor{
		handler:         handler,
		defaultLanguage: cfg.DefaultLanguage,
		logger:          slog.Default(),
		intake:          make(chan delivery, cfg.Backlog),
		lanes:           make([]chan item, cfg.Lanes),
		done:            make(chan struct{}),
	}

	var lanes sync.WaitGroup
	for i := range p.lanes {
		lane := make(chan item, cfg.Backlog)
		p.lanes[i] = lane
		lanes.Add(1)
		go func() {
			defer lanes.Done()
			for it := range lane {
				p.handler.Handle(it.ctx, it.m)
			}
		}()
	}
	go func() {
		p.route()
		for _, lane := range p.lanes {
			close(lane)
		}
		lanes.Wait()
		close(p.done)
	}()
	return p
}

// Submit queues body without blocking. The request context is detached so
// the work outlives the HTTP response.
func (p *Processor) Submit(ctx context.Context, body []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.intake <- delivery{ctx: context.WithoutCancel(ctx), body: body}:
		return nil
	default:
		return ErrBacklogFull
	}
}

func (p *Processor) route() {
	for d := range p.intake {
		events, err := p.classify(d.body)
		if err != nil {
			p.logger.Warn("dropping webhook delivery", "error", err)
			continue
		}
		for _, m := range events {
			p.lanes[p.lane(m.SenderID)] <- item{ctx: d.ctx, m: m}
		}
	}
}

func (p *Processor) lane(senderID string) int {
	h := fnv.New32a()
	h.Write([]byte(senderID))
	return int(h.Sum32() % uint32(len(p.lanes)))
}

func (p *Processor) classify(body []byte) ([]event.Classified, error) {
	events, skipped, err := event.ParseWebhook(body)
	if err != nil {
		return nil, fmt.Errorf("parsing webhook: %w", err)
	}
	if skipped > 0 {
		p.logger.Debug("skipped non-messaging entries", "count", skipped)
	}

	out := make([]event.Classified, 0, len(events))
	for _, ev := range events {
		m, err := event.Classify(ev, p.defaultLanguage)
		if err != nil {
			metrics.EventsClassified.WithLabelValues("unclassifiable").Inc()
			p.logger.Debug("ignoring event", "sender_id", ev.SenderID, "reason", err)
			continue
		}
		metrics.EventsClassified.WithLabelValues(m.Kind.String()).Inc()
		out = append(out, m)
	}
	return out, nil
}

// Close stops accepting deliveries and blocks until the queued ones have been
// handled or ctx is done.
func (p *Processor) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.intake)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
