package durable

import (
	"sync"

	"canvas-realtime/internal/model"
)

// feed fans committed shape lists out to per-canvas subscribers. Each
// subscriber owns a one-slot mailbox: a newer list replaces an undelivered
// older one, since every list is a complete snapshot.
type feed struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]*feedSub
	nextID uint64
}

type feedSub struct {
	mailbox chan []model.Shape
	done    chan struct{}
}

func newFeed() *feed {
	return &feed{subs: make(map[string]map[uint64]*feedSub)}
}

func (f *feed) has(canvasID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[canvasID]) > 0
}

func (f *feed) subscribe(canvasID string, fn func([]model.Shape)) func() {
	sub := &feedSub{
		mailbox: make(chan []model.Shape, 1),
		done:    make(chan struct{}),
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	if f.subs[canvasID] == nil {
		f.subs[canvasID] = make(map[uint64]*feedSub)
	}
	f.subs[canvasID][id] = sub
	f.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case shapes := <-sub.mailbox:
				fn(shapes)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[canvasID], id)
			if len(f.subs[canvasID]) == 0 {
				delete(f.subs, canvasID)
			}
			f.mu.Unlock()
			close(sub.done)
		})
	}
}

func (f *feed) publish(canvasID string, shapes []model.Shape) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sub := range f.subs[canvasID] {
		// 이전 스냅샷이 아직 전달 전이면 교체
		select {
		case <-sub.mailbox:
		default:
		}
		sub.mailbox <- shapes
	}
}
