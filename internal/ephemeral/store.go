// Package ephemeral implements the low-latency broadcast store used for
// transient, high-frequency state: connection records, presence, live
// transform positions and the AI command lock.
//
// Entries are JSON values addressed by slash-separated paths. Subscribers
// register on a path prefix and receive the full snapshot of entries under
// it after every change. Entries written with a positive TTL are evicted
// after expiry, and eviction is delivered to subscribers like any other
// change.
package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrPermissionDenied is returned when the caller's credentials no longer
	// allow writing a path.
	ErrPermissionDenied = errors.New("ephemeral: permission denied")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("ephemeral: store closed")
)

// Snapshot maps full paths to raw JSON values.
type Snapshot map[string]json.RawMessage

// Decode unmarshals the value at path into dst. It reports false when the
// path is absent.
func (s Snapshot) Decode(path string, dst any) (bool, error) {
	raw, ok := s[path]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

// Equal reports whether both snapshots hold the same paths and values.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		ov, ok := other[k]
		if !ok || string(ov) != string(v) {
			return false
		}
	}
	return true
}

// Update is one element of an atomic batch. A nil Value removes the path.
type Update struct {
	Value any
	TTL   time.Duration
}

// Store is the ephemeral broadcast store contract.
type Store interface {
	// Set writes value at path. ttl <= 0 never expires.
	Set(ctx context.Context, path string, value any, ttl time.Duration) error
	// SetNX writes value only when path is absent and reports whether it did.
	SetNX(ctx context.Context, path string, value any, ttl time.Duration) (bool, error)
	// BatchUpdate applies all updates atomically.
	BatchUpdate(ctx context.Context, updates map[string]Update) error
	// Remove deletes the given paths. Missing paths are ignored.
	Remove(ctx context.Context, paths ...string) error
	// Get decodes the value at path into dst and reports whether it existed.
	Get(ctx context.Context, path string, dst any) (bool, error)
	// List returns every live entry under prefix.
	List(ctx context.Context, prefix string) (Snapshot, error)
	// Expire resets the TTL of an existing path. It reports false when absent.
	Expire(ctx context.Context, path string, ttl time.Duration) (bool, error)
	// CompareAndRemove deletes path only while the string field of its JSON
	// object equals expected, in one step.
	CompareAndRemove(ctx context.Context, path, field, expected string) (bool, error)
	// CompareAndSet replaces path with value and ttl only while the string
	// field of the current JSON object equals expected, in one step.
	CompareAndSet(ctx context.Context, path, field, expected string, value any, ttl time.Duration) (bool, error)
	// Subscribe delivers the snapshot under prefix now and after every change.
	Subscribe(prefix string, fn func(Snapshot)) (unsubscribe func())
	Close() error
}

// Path joins segments into a store path.
func Path(segments ...string) string {
	return strings.Join(segments, "/")
}

// Prefix joins segments into a subscription prefix ending in "/".
func Prefix(segments ...string) string {
	return strings.Join(segments, "/") + "/"
}

// Base returns the last segment of a path.
func Base(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func encode(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}

// fieldEquals reports whether raw is a JSON object whose field is the string
// expected.
func fieldEquals(raw json.RawMessage, field, expected string) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}
	var got string
	if err := json.Unmarshal(obj[field], &got); err != nil {
		return false
	}
	return got == expected
}
