// Package overlay keeps locally changed shape fields that the durable
// subscription has not confirmed yet, and merges them over durable snapshots.
package overlay

import (
	"sync"

	"canvas-realtime/internal/model"
)

// Overlay maps shape id to pending field values. Safe for concurrent use.
type Overlay struct {
	mu      sync.RWMutex
	pending map[string]map[string]any
}

// New creates an empty overlay.
func New() *Overlay {
	return &Overlay{pending: make(map[string]map[string]any)}
}

// Apply merges fields into the pending entry for id.
func (o *Overlay) Apply(id string, fields map[string]any) {
	if len(fields) == 0 {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	entry := o.pending[id]
	if entry == nil {
		entry = make(map[string]any, len(fields))
		o.pending[id] = entry
	}
	for k, v := range fields {
		entry[k] = v
	}
}

// Drop removes the pending entry for id.
func (o *Overlay) Drop(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, id)
}

// Reconcile drops every pending entry whose shape appears in snapshot.
// Convergence is per shape: entries for shapes absent from the snapshot are
// kept. It returns the dropped ids.
func (o *Overlay) Reconcile(snapshot []model.Shape) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var dropped []string
	for _, s := range snapshot {
		if _, ok := o.pending[s.ID]; ok {
			delete(o.pending, s.ID)
			dropped = append(dropped, s.ID)
		}
	}
	return dropped
}

// Render returns snapshot with pending fields applied. The input is not
// modified.
func (o *Overlay) Render(snapshot []model.Shape) []model.Shape {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]model.Shape, len(snapshot))
	for i, s := range snapshot {
		if fields, ok := o.pending[s.ID]; ok {
			s = applyFields(s, fields)
		}
		out[i] = s
	}
	return out
}

// Get returns a copy of the pending fields for id.
func (o *Overlay) Get(id string) (map[string]any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	fields, ok := o.pending[id]
	if !ok {
		return nil, false
	}
	return copyFields(fields), true
}

// Pending returns a copy of all pending entries.
func (o *Overlay) Pending() map[string]map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]map[string]any, len(o.pending))
	for id, fields := range o.pending {
		out[id] = copyFields(fields)
	}
	return out
}

// Len returns the number of shapes with pending fields.
func (o *Overlay) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.pending)
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// applyFields sets known columns on s. Unknown keys are ignored.
func applyFields(s model.Shape, fields map[string]any) model.Shape {
	for k, v := range fields {
		switch k {
		case "x":
			s.X = toFloat(v, s.X)
		case "y":
			s.Y = toFloat(v, s.Y)
		case "width":
			s.Width = toFloat(v, s.Width)
		case "height":
			s.Height = toFloat(v, s.Height)
		case "rotation":
			s.Rotation = toFloat(v, s.Rotation)
		case "fill":
			if str, ok := v.(string); ok {
				s.Fill = str
			}
		case "text":
			if str, ok := v.(string); ok {
				s.Text = &str
			}
		case "z_index":
			s.ZIndex = int(toFloat(v, float64(s.ZIndex)))
		}
	}
	return s
}

func toFloat(v any, fallback float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return fallback
	}
}
