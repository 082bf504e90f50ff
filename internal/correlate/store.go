package correlate

import (
	"sort"
	"sync"
	"time"
)

// PendingText is a lone text waiting for its media.
type PendingText struct {
	MessageID string
	Text      string
	Language  string
	CachedAt  time.Time
}

// PendingVideo is a lone media attachment waiting for its text. The deadline
// timer belongs to the entry; gen identifies which timer may resolve it.
type PendingVideo struct {
	MessageID string
	AssetURL  string
	Caption   string
	CreatedAt time.Time

	timer Timer
	gen   uint64
}

// State is everything the correlator remembers about one sender.
type State struct {
	Text  *PendingText
	Video *PendingVideo
}

func (s State) empty() bool { return s.Text == nil && s.Video == nil }

// Cell is the per-sender slot handed out by StateStore.WithLock. It is only
// valid inside the callback.
type Cell interface {
	Get() State
	Set(State)
	Clear()
}

// StateStore serializes access to per-sender correlation state. Different
// senders never block each other.
type StateStore interface {
	WithLock(senderID string, fn func(Cell))
	// Senders lists senders that currently hold state.
	Senders() []string
	Len() int
}

// MemoryStore is an in-process StateStore. Entries are dropped once they are
// empty and no caller holds them, so idle senders cost nothing.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	refs  int // guarded by MemoryStore.mu
	state State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*entry)}
}

func (m *MemoryStore) WithLock(senderID string, fn func(Cell)) {
	m.mu.Lock()
	e, ok := m.entries[senderID]
	if !ok {
		e = &entry{}
		m.entries[senderID] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	fn(memoryCell{e})
	e.mu.Unlock()

	m.mu.Lock()
	e.refs--
	// With refs at zero nobody else can reach e until we release m.mu.
	if e.refs == 0 && e.state.empty() {
		delete(m.entries, senderID)
	}
	m.mu.Unlock()
}

func (m *MemoryStore) Senders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type memoryCell struct{ e *entry }

func (c memoryCell) Get() State  { return c.e.state }
func (c memoryCell) Set(s State) { c.e.state = s }
func (c memoryCell) Clear()      { c.e.state = State{} }
