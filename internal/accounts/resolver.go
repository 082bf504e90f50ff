// Package accounts maps messaging senders to the users that own their saves.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kalambet/clipvault/internal/storage"
)

// ErrNoOwner is returned for an unlinked sender when no owner is configured.
var ErrNoOwner = errors.New("sender is not linked and no owner user is configured")

// LinkStore defines the storage operations the Resolver needs.
// Implemented by storage.Store.
type LinkStore interface {
	SenderUser(senderID string) (string, error)
	LinkSender(senderID, userID string) error
	UnlinkSender(senderID string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cacheEntry struct {
	userID string // "" when the sender has no link
	at     time.Time
}

// Resolver resolves senders through the sender_links table and falls back to
// the configured owner. Lookups, including misses, are cached for ttl.
type Resolver struct {
	store LinkStore
	owner string
	clock Clock
	ttl   time.Duration

	mu        sync.RWMutex
	cache     map[string]cacheEntry
	lastPrune time.Time
}

// NewResolver creates a Resolver with a 60-second cache TTL.
func NewResolver(store LinkStore, owner string) *Resolver {
	return NewResolverWithClock(store, owner, realClock{}, 60*time.Second)
}

// NewResolverWithClock creates a Resolver with a custom clock (for testing).
func NewResolverWithClock(store LinkStore, owner string, clock Clock, ttl time.Duration) *Resolver {
	return &Resolver{
		store: store,
		owner: owner,
		clock: clock,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// ResolveUser implements dispatch.UserResolver. An empty senderID resolves to
// the owner.
func (r *Resolver) ResolveUser(_ context.Context, senderID string) (string, error) {
	if senderID == "" {
		return r.fallback()
	}

	r.mu.RLock()
	e, ok := r.cache[senderID]
	r.mu.RUnlock()
	if ok {
		if r.fresh(e, r.clock.Now()) {
			return r.pick(e.userID)
		}
		r.forget(senderID)
	}

	userID, err := r.store.SenderUser(senderID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("looking up sender %s: %w", senderID, err)
	}

	now := r.clock.Now()
	r.mu.Lock()
	r.cache[senderID] = cacheEntry{userID: userID, at: now}
	if now.Sub(r.lastPrune) >= r.ttl {
		r.pruneLocked(now)
	}
	r.mu.Unlock()

	return r.pick(userID)
}

// Link persists a sender link and drops the cached lookup.
func (r *Resolver) Link(senderID, userID string) error {
	if err := r.store.LinkSender(senderID, userID); err != nil {
		return fmt.Errorf("linking sender %s: %w", senderID, err)
	}
	r.forget(senderID)
	return nil
}

// Unlink removes a sender link and drops the cached lookup.
func (r *Resolver) Unlink(senderID string) error {
	if err := r.store.UnlinkSender(senderID); err != nil {
		return fmt.Errorf("unlinking sender %s: %w", senderID, err)
	}
	r.forget(senderID)
	return nil
}

func (r *Resolver) fresh(e cacheEntry, now time.Time) bool {
	return now.Before(e.at.Add(r.ttl))
}

// pruneLocked drops expired entries. Called with r.mu held, at most once per
// ttl, so the cache never holds more than the senders seen in two TTLs.
func (r *Resolver) pruneLocked(now time.Time) {
	for id, e := range r.cache {
		if !r.fresh(e, now) {
			delete(r.cache, id)
		}
	}
	r.lastPrune = now
}

func (r *Resolver) forget(senderID string) {
	r.mu.Lock()
	delete(r.cache, senderID)
	r.mu.Unlock()
}

func (r *Resolver) pick(userID string) (string, error) {
	if userID != "" {
		return userID, nil
	}
	return r.fallback()
}

func (r *Resolver) fallback() (string, error) {
	if r.owner == "" {
		return "", ErrNoOwner
	}
	return r.owner, nil
}
