package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/clipvault/internal/storage"
)

// --- Mock store ---

type mockStore struct {
	mu    sync.Mutex
	links map[string]string
	err   error

	lookups int
}

func newMockStore() *mockStore {
	return &mockStore{links: make(map[string]string)}
}

func (m *mockStore) SenderUser(senderID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.err != nil {
		return "", m.err
	}
	u, ok := m.links[senderID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return u, nil
}

func (m *mockStore) LinkSender(senderID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[senderID] = userID
	return nil
}

func (m *mockStore) UnlinkSender(senderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[senderID]; !ok {
		return storage.ErrNotFound
	}
	delete(m.links, senderID)
	return nil
}

func (m *mockStore) lookupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Tests ---

func TestResolveUser_LinkedAndFallback(t *testing.T) {
	store := newMockStore()
	store.links["U1"] = "alice"
	r := NewResolver(store, "owner")

	if got, err := r.ResolveUser(context.Background(), "U1"); err != nil || got != "alice" {
		t.Errorf("linked sender = %q, %v, want alice", got, err)
	}
	if got, err := r.ResolveUser(context.Background(), "U2"); err != nil || got != "owner" {
		t.Errorf("unlinked sender = %q, %v, want owner", got, err)
	}
	if got, err := r.ResolveUser(context.Background(), ""); err != nil || got != "owner" {
		t.Errorf("empty sender = %q, %v, want owner", got, err)
	}
}

func TestResolveUser_NoOwner(t *testing.T) {
	r := NewResolver(newMockStore(), "")
	if _, err := r.ResolveUser(context.Background(), "U1"); !errors.Is(err, ErrNoOwner) {
		t.Errorf("err = %v, want ErrNoOwner", err)
	}
}

func TestResolveUser_CachesWithinTTL(t *testing.T) {
	store := newMockStore()
	clock := &mockClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewResolverWithClock(store, "owner", clock, time.Minute)

	for i := 0; i < 3; i++ {
		r.ResolveUser(context.Background(), "U1")
	}
	if n := store.lookupCount(); n != 1 {
		t.Errorf("lookups = %d, want 1 (misses are cached too)", n)
	}

	store.LinkSender("U1", "alice")
	if got, _ := r.ResolveUser(context.Background(), "U1"); got != "owner" {
		t.Errorf("within TTL got %q, want cached owner", got)
	}

	clock.Advance(time.Minute + time.Second)
	if got, _ := r.ResolveUser(context.Background(), "U1"); got != "alice" {
		t.Errorf("after TTL got %q, want alice", got)
	}
}

func TestResolveUser_PrunesExpiredEntries(t *testing.T) {
	store := newMockStore()
	clock := &mockClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewResolverWithClock(store, "owner", clock, time.Minute)

	for i := 0; i < 10000; i++ {
		r.ResolveUser(context.Background(), fmt.Sprintf("S%d", i))
	}
	if n := len(r.cache); n != 10000 {
		t.Fatalf("cache size = %d, want 10000", n)
	}

	clock.Advance(24 * time.Hour)
	if got, _ := r.ResolveUser(context.Background(), "new-sender"); got != "owner" {
		t.Fatalf("got %q", got)
	}
	if n := len(r.cache); n != 1 {
		t.Errorf("cache size after TTL = %d, want 1", n)
	}
}

func TestResolveUser_StaleEntryDroppedOnStoreError(t *testing.T) {
	store := newMockStore()
	clock := &mockClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewResolverWithClock(store, "owner", clock, time.Minute)

	r.ResolveUser(context.Background(), "U1")
	clock.Advance(2 * time.Minute)
	store.err = errors.New("database is locked")
	if _, err := r.ResolveUser(context.Background(), "U1"); err == nil {
		t.Fatal("expected store error")
	}
	if _, ok := r.cache["U1"]; ok {
		t.Error("stale entry kept after a failed refresh")
	}
}

func TestLink_InvalidatesCache(t *testing.T) {
	store := newMockStore()
	r := NewResolver(store, "owner")

	if got, _ := r.ResolveUser(context.Background(), "U1"); got != "owner" {
		t.Fatalf("got %q", got)
	}
	if err := r.Link("U1", "alice"); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.ResolveUser(context.Background(), "U1"); got != "alice" {
		t.Errorf("after Link got %q, want alice", got)
	}
	if err := r.Unlink("U1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.ResolveUser(context.Background(), "U1"); got != "owner" {
		t.Errorf("after Unlink got %q, want owner", got)
	}
	if err := r.Unlink("U1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second Unlink = %v, want ErrNotFound", err)
	}
}

func TestResolveUser_StoreError(t *testing.T) {
	store := newMockStore()
	store.err = errors.New("database is locked")
	r := NewResolver(store, "owner")

	if _, err := r.ResolveUser(context.Background(), "U1"); err == nil {
		t.Fatal("expected store error to surface")
	}
	store.err = nil
	if got, err := r.ResolveUser(context.Background(), "U1"); err != nil || got != "owner" {
		t.Errorf("after recovery = %q, %v; failed lookups must not be cached", got, err)
	}
}

func TestResolveUser_WithRealStore(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	r := NewResolver(s, "owner")
	if err := r.Link("U7", "carol"); err != nil {
		t.Fatal(err)
	}
	if got, err := r.ResolveUser(context.Background(), "U7"); err != nil || got != "carol" {
		t.Errorf("ResolveUser = %q, %v", got, err)
	}
}
