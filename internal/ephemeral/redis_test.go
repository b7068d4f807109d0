package ephemeral

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRedisTestStore connects to TEST_REDIS_ADDR or skips.
func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	s, err := NewRedisStore(RedisOptions{Addr: addr, ResyncInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t)
	canvas := "test-" + uuid.NewString()

	rec := &recorder{}
	unsubscribe := s.Subscribe(Prefix("live", canvas), rec.record)
	defer unsubscribe()

	require.NoError(t, s.BatchUpdate(ctx, map[string]Update{
		Path("live", canvas, "a"): {Value: point{X: 1}, TTL: time.Minute},
		Path("live", canvas, "b"): {Value: point{X: 2}, TTL: time.Minute},
	}))
	require.Eventually(t, func() bool { return len(rec.last()) == 2 }, 2*time.Second, 10*time.Millisecond)

	ok, err := s.SetNX(ctx, Path("locks", canvas), "u1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.SetNX(ctx, Path("locks", canvas), "u2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Remove(ctx, Path("live", canvas, "a"), Path("live", canvas, "b"), Path("locks", canvas)))
	require.Eventually(t, func() bool {
		snap := rec.last()
		return snap != nil && len(snap) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisStoreCompareAndRemove(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t)
	path := Path("locks", "test-"+uuid.NewString(), "holder")

	require.NoError(t, s.Set(ctx, path, map[string]string{"token": "a"}, time.Minute))

	ok, err := s.CompareAndSet(ctx, path, "token", "b", map[string]string{"token": "b"}, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSet(ctx, path, "token", "a", map[string]string{"token": "a", "n": "2"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndRemove(ctx, path, "token", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndRemove(ctx, path, "token", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	var v map[string]string
	found, err := s.Get(ctx, path, &v)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStoreExpiryResync(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t)
	canvas := "test-" + uuid.NewString()

	rec := &recorder{}
	unsubscribe := s.Subscribe(Prefix("live", canvas), rec.record)
	defer unsubscribe()

	require.NoError(t, s.Set(ctx, Path("live", canvas, "ghost"), point{}, 100*time.Millisecond))
	require.Eventually(t, func() bool { return len(rec.last()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		snap := rec.last()
		return snap != nil && len(snap) == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestMapRedisErr(t *testing.T) {
	assert.NoError(t, mapRedisErr(nil))
	err := mapRedisErr(errors.New("NOPERM this user has no permissions to run the 'del' command"))
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.NotErrorIs(t, mapRedisErr(errors.New("boom")), ErrPermissionDenied)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `eph:live/a\*b/`, escapeGlob("eph:live/a*b/"))
}
