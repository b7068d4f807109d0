package ephemeral

import (
	"strings"
	"sync"
)

// subscriber delivers snapshots to one callback on its own goroutine.
// Offers coalesce: only the most recent snapshot is delivered, so a slow
// callback never blocks writers and never observes state out of order.
type subscriber struct {
	prefix string
	fn     func(Snapshot)

	mu      sync.Mutex
	latest  Snapshot
	pending bool
	last    Snapshot

	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscriber(prefix string, fn func(Snapshot)) *subscriber {
	s := &subscriber{
		prefix: prefix,
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriber) matches(path string) bool {
	return strings.HasPrefix(path, s.prefix)
}

// offer queues snap for delivery. Callers hold the owning store's lock so
// offers are ordered.
func (s *subscriber) offer(snap Snapshot) {
	s.mu.Lock()
	s.latest = snap
	s.pending = true
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// offerIfChanged is used by periodic resyncs that must not spam identical
// snapshots.
func (s *subscriber) offerIfChanged(snap Snapshot) {
	s.mu.Lock()
	ref := s.last
	if s.pending {
		ref = s.latest
	}
	s.mu.Unlock()

	if ref != nil && ref.Equal(snap) {
		return
	}
	s.offer(snap)
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		s.mu.Lock()
		snap, ok := s.latest, s.pending
		s.latest, s.pending = nil, false
		if ok {
			s.last = snap
		}
		s.mu.Unlock()

		if !ok {
			continue
		}

		select {
		case <-s.done:
			return
		default:
		}
		s.fn(snap)
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}
