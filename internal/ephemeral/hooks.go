package ephemeral

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrHooksFired is returned when arming a hook on a transport that has
// already disconnected.
var ErrHooksFired = errors.New("ephemeral: transport already disconnected")

// DisconnectHooks holds cleanup operations bound to one transport session.
// Operations must be armed before the write they clean up; Fire runs every
// armed operation once, in arming order, when the transport closes.
type DisconnectHooks struct {
	store Store

	mu     sync.Mutex
	ops    map[uint64]hookOp
	order  []uint64
	nextID uint64
	fired  bool
}

type hookOp struct {
	path string
	fn   func(ctx context.Context)
}

// NewDisconnectHooks creates an empty hook set for one transport session.
func NewDisconnectHooks(store Store) *DisconnectHooks {
	return &DisconnectHooks{
		store: store,
		ops:   make(map[uint64]hookOp),
	}
}

// OnDisconnectRemove arms removal of path. The returned func disarms it.
func (h *DisconnectHooks) OnDisconnectRemove(path string) (func(), error) {
	return h.arm(hookOp{path: path})
}

// OnDisconnect arms an arbitrary cleanup callback.
func (h *DisconnectHooks) OnDisconnect(fn func(ctx context.Context)) (func(), error) {
	return h.arm(hookOp{fn: fn})
}

// Len returns the number of armed operations.
func (h *DisconnectHooks) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.order)
}

func (h *DisconnectHooks) arm(op hookOp) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.fired {
		return nil, ErrHooksFired
	}

	id := h.nextID
	h.nextID++
	h.ops[id] = op
	h.order = append(h.order, id)

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.ops[id]; !ok {
			return
		}
		delete(h.ops, id)
		for i, armed := range h.order {
			if armed == id {
				h.order = append(h.order[:i], h.order[i+1:]...)
				break
			}
		}
	}, nil
}

// Fire runs all armed operations. Later calls are no-ops. Individual
// failures are logged and do not stop the remaining operations.
func (h *DisconnectHooks) Fire(ctx context.Context) {
	h.mu.Lock()
	if h.fired {
		h.mu.Unlock()
		return
	}
	h.fired = true
	ops := make([]hookOp, 0, len(h.ops))
	for _, id := range h.order {
		if op, ok := h.ops[id]; ok {
			ops = append(ops, op)
		}
	}
	h.ops = nil
	h.order = nil
	h.mu.Unlock()

	for _, op := range ops {
		if op.fn != nil {
			op.fn(ctx)
			continue
		}
		if err := h.store.Remove(ctx, op.path); err != nil {
			log.Printf("[Ephemeral] Disconnect hook for %s failed: %v", op.path, err)
		}
	}
}

// Cancel disarms every operation without running it. Used on a clean
// shutdown where the session already removed its own entries.
func (h *DisconnectHooks) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ops = make(map[uint64]hookOp)
	h.order = nil
}
