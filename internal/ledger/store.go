package ledger

import (
	"context"
	"sync"
	"time"
)

// DefaultResolvedTTL is how long a fully resolved entry lives before
// the store expires it. Entries with an active jam never expire.
const DefaultResolvedTTL = 24 * time.Hour

// Store persists per-client ledger entries.
//
// Update runs fn against the current entry (zero-valued when absent)
// and persists the result when fn reports a change. Implementations
// must make the read-modify-write safe against concurrent updates of
// the same client, retrying on conflict with bounded attempts.
type Store interface {
	Get(ctx context.Context, clientID string) (Entry, bool, error)
	Update(ctx context.Context, clientID string, fn func(*Entry) (bool, error)) error
	Ping(ctx context.Context) error
	Close() error
}

// expiryFor returns the TTL to persist an entry with: resolved entries
// expire, entries holding an active jam do not.
func expiryFor(e *Entry, resolvedTTL time.Duration) time.Duration {
	if e.HasActiveJam() {
		return 0
	}
	return resolvedTTL
}

// MemoryStore is a process-local Store for tests and single-node dev
// runs. Same semantics as the Redis store, including resolved-entry
// expiry, without the network.
type MemoryStore struct {
	mu          sync.Mutex
	entries     map[string]memoryEntry
	resolvedTTL time.Duration
	now         func() time.Time
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time // zero = no expiry
}

type MemoryOption func(*MemoryStore)

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func WithMemoryResolvedTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.resolvedTTL = d }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:     make(map[string]memoryEntry),
		resolvedTTL: DefaultResolvedTTL,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MemoryStore) Get(ctx context.Context, clientID string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	me, ok := s.load(clientID)
	if !ok {
		return Entry{}, false, nil
	}
	return me.entry, true, nil
}

// load returns the live entry, dropping it if expired. Caller holds mu.
func (s *MemoryStore) load(clientID string) (memoryEntry, bool) {
	me, ok := s.entries[clientID]
	if !ok {
		return memoryEntry{}, false
	}
	if !me.expiresAt.IsZero() && s.now().After(me.expiresAt) {
		delete(s.entries, clientID)
		return memoryEntry{}, false
	}
	return me, true
}

func (s *MemoryStore) Update(ctx context.Context, clientID string, fn func(*Entry) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	me, _ := s.load(clientID)
	e := me.entry

	changed, err := fn(&e)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	next := memoryEntry{entry: e}
	if ttl := expiryFor(&e, s.resolvedTTL); ttl > 0 {
		next.expiresAt = s.now().Add(ttl)
	}
	s.entries[clientID] = next
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
