package ephemeral

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

const defaultSweepInterval = 250 * time.Millisecond

type memEntry struct {
	value     json.RawMessage
	expiresAt time.Time // zero: never
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process Store. All state is owned by one mutex; a
// janitor goroutine evicts expired entries and notifies subscribers.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	subs    map[uint64]*subscriber
	nextID  uint64
	closed  bool

	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore, *time.Duration)

// WithSweepInterval sets how often expired entries are evicted.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(_ *MemoryStore, interval *time.Duration) {
		*interval = d
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore, _ *time.Duration) {
		s.now = now
	}
}

// NewMemoryStore creates a MemoryStore and starts its janitor.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memEntry),
		subs:    make(map[uint64]*subscriber),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	interval := defaultSweepInterval
	for _, opt := range opts {
		opt(s, &interval)
	}

	s.wg.Add(1)
	go s.janitor(interval)
	return s
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Set writes value at path.
func (s *MemoryStore) Set(ctx context.Context, path string, value any, ttl time.Duration) error {
	raw, err := encode(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.entries[path] = memEntry{value: raw, expiresAt: s.expiry(ttl)}
	s.notifyLocked(path)
	return nil
}

// SetNX writes value only when no live entry exists at path.
func (s *MemoryStore) SetNX(ctx context.Context, path string, value any, ttl time.Duration) (bool, error) {
	raw, err := encode(value)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	if e, ok := s.entries[path]; ok && !e.expired(s.now()) {
		return false, nil
	}
	s.entries[path] = memEntry{value: raw, expiresAt: s.expiry(ttl)}
	s.notifyLocked(path)
	return true, nil
}

// BatchUpdate applies all updates under one lock acquisition, so observers
// see either none or all of them.
func (s *MemoryStore) BatchUpdate(ctx context.Context, updates map[string]Update) error {
	encoded := make(map[string]json.RawMessage, len(updates))
	for path, u := range updates {
		if u.Value == nil {
			continue
		}
		raw, err := encode(u.Value)
		if err != nil {
			return err
		}
		encoded[path] = raw
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	paths := make([]string, 0, len(updates))
	for path, u := range updates {
		if raw, ok := encoded[path]; ok {
			s.entries[path] = memEntry{value: raw, expiresAt: s.expiry(u.TTL)}
		} else {
			delete(s.entries, path)
		}
		paths = append(paths, path)
	}
	s.notifyLocked(paths...)
	return nil
}

// Remove deletes paths.
func (s *MemoryStore) Remove(ctx context.Context, paths ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var removed []string
	for _, path := range paths {
		if _, ok := s.entries[path]; ok {
			delete(s.entries, path)
			removed = append(removed, path)
		}
	}
	s.notifyLocked(removed...)
	return nil
}

// Get decodes the live value at path into dst.
func (s *MemoryStore) Get(ctx context.Context, path string, dst any) (bool, error) {
	s.mu.Lock()
	e, ok := s.entries[path]
	live := ok && !e.expired(s.now())
	s.mu.Unlock()

	if !live {
		return false, nil
	}
	return true, json.Unmarshal(e.value, dst)
}

// List returns live entries under prefix.
func (s *MemoryStore) List(ctx context.Context, prefix string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(prefix), nil
}

// Expire resets the TTL of a live entry.
func (s *MemoryStore) Expire(ctx context.Context, path string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	e, ok := s.entries[path]
	if !ok || e.expired(s.now()) {
		return false, nil
	}
	e.expiresAt = s.expiry(ttl)
	s.entries[path] = e
	return true, nil
}

// CompareAndRemove deletes path while its field still equals expected.
func (s *MemoryStore) CompareAndRemove(ctx context.Context, path, field, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	e, ok := s.entries[path]
	if !ok || e.expired(s.now()) || !fieldEquals(e.value, field, expected) {
		return false, nil
	}
	delete(s.entries, path)
	s.notifyLocked(path)
	return true, nil
}

// CompareAndSet overwrites path while its field still equals expected.
func (s *MemoryStore) CompareAndSet(ctx context.Context, path, field, expected string, value any, ttl time.Duration) (bool, error) {
	raw, err := encode(value)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	e, ok := s.entries[path]
	if !ok || e.expired(s.now()) || !fieldEquals(e.value, field, expected) {
		return false, nil
	}
	s.entries[path] = memEntry{value: raw, expiresAt: s.expiry(ttl)}
	s.notifyLocked(path)
	return true, nil
}

// Subscribe registers fn for changes under prefix.
func (s *MemoryStore) Subscribe(prefix string, fn func(Snapshot)) func() {
	sub := newSubscriber(prefix, fn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.stop()
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	sub.offer(s.snapshotLocked(prefix))
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		sub.stop()
	}
}

// SubscriberCount returns the number of registered subscriptions whose
// prefix starts with prefix.
func (s *MemoryStore) SubscriberCount(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, sub := range s.subs {
		if strings.HasPrefix(sub.prefix, prefix) {
			n++
		}
	}
	return n
}

// Close stops the janitor and all subscribers.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[uint64]*subscriber)
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (s *MemoryStore) snapshotLocked(prefix string) Snapshot {
	now := s.now()
	snap := make(Snapshot)
	for path, e := range s.entries {
		if strings.HasPrefix(path, prefix) && !e.expired(now) {
			snap[path] = e.value
		}
	}
	return snap
}

func (s *MemoryStore) notifyLocked(paths ...string) {
	if len(paths) == 0 {
		return
	}
	for _, sub := range s.subs {
		for _, path := range paths {
			if sub.matches(path) {
				sub.offer(s.snapshotLocked(sub.prefix))
				break
			}
		}
	}
}

func (s *MemoryStore) janitor(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var evicted []string
	for path, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, path)
			evicted = append(evicted, path)
		}
	}
	s.notifyLocked(evicted...)
}
