package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canvas-realtime/internal/ephemeral"
	"canvas-realtime/internal/model"
	"canvas-realtime/internal/notify"
	"canvas-realtime/internal/testutil"
)

var (
	u2 = model.Identity{UserID: "u2", DisplayName: "U2"}
	u3 = model.Identity{UserID: "u3", DisplayName: "U3"}
)

func newManager(t *testing.T, lease time.Duration) (*Manager, *ephemeral.MemoryStore) {
	t.Helper()
	store := testutil.NewEphemeral(t)
	return NewManager(store, Options{LeaseTTL: lease}), store
}

func TestAcquireMutualExclusion(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, time.Minute)

	l, err := m.Acquire(ctx, "cv1", u2, "create a red circle")
	require.NoError(t, err)
	assert.Equal(t, "u2", l.UserID)
	assert.NotEmpty(t, l.Token)

	_, err = m.Acquire(ctx, "cv1", u3, "delete everything")
	require.ErrorIs(t, err, ErrLockHeld)

	var held *HeldError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, "u2", held.Holder.UserID)
	assert.Equal(t, "create a red circle", held.Holder.Command)
	assert.Empty(t, held.Holder.Token, "holder token is not exposed")
	assert.Equal(t, notify.Busy("U2"), err.Error())

	_, err = m.Acquire(ctx, "cv2", u3, "other canvas")
	require.NoError(t, err, "locks are per canvas")

	require.NoError(t, m.Release(ctx, "cv1"))
	_, err = m.Acquire(ctx, "cv1", u3, "delete everything")
	require.NoError(t, err)
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, time.Minute)

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(ctx, "cv1", u2, "cmd"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestReleaseIfHeldChecksToken(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, time.Minute)

	l, err := m.Acquire(ctx, "cv1", u2, "cmd")
	require.NoError(t, err)

	ok, err := m.ReleaseIfHeld(ctx, "cv1", "someone-else")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.ReleaseIfHeld(ctx, "cv1", l.Token)
	require.NoError(t, err)
	assert.True(t, ok)

	current, err := m.Current(ctx, "cv1")
	require.NoError(t, err)
	assert.Nil(t, current)
}

// takeoverStore hands the lock to another holder right before the next
// conditional write reaches the store.
type takeoverStore struct {
	*ephemeral.MemoryStore
	once     sync.Once
	takeover func()
}

func (s *takeoverStore) CompareAndRemove(ctx context.Context, path, field, expected string) (bool, error) {
	s.once.Do(s.takeover)
	return s.MemoryStore.CompareAndRemove(ctx, path, field, expected)
}

func (s *takeoverStore) CompareAndSet(ctx context.Context, path, field, expected string, value any, ttl time.Duration) (bool, error) {
	s.once.Do(s.takeover)
	return s.MemoryStore.CompareAndSet(ctx, path, field, expected, value, ttl)
}

func TestStaleHolderCannotReleaseOrRefreshNewLock(t *testing.T) {
	ctx := context.Background()
	mem := testutil.NewEphemeral(t)
	other := NewManager(mem, Options{LeaseTTL: time.Minute})

	var newLock *AILock
	takeover := func() {
		// 이전 보유자의 임대가 만료되고 u3 가 잡은 상황
		require.NoError(t, mem.Remove(ctx, lockPath("cv1")))
		l, err := other.Acquire(ctx, "cv1", u3, "takeover")
		require.NoError(t, err)
		newLock = l
	}

	store := &takeoverStore{MemoryStore: mem, takeover: takeover}
	m := NewManager(store, Options{LeaseTTL: time.Minute})
	stale, err := m.Acquire(ctx, "cv1", u2, "cmd")
	require.NoError(t, err)

	ok, err := m.ReleaseIfHeld(ctx, "cv1", stale.Token)
	require.NoError(t, err)
	assert.False(t, ok)

	current, err := m.Current(ctx, "cv1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, newLock.Token, current.Token, "new holder survives a stale release")

	store2 := &takeoverStore{MemoryStore: mem, takeover: func() {
		require.NoError(t, other.Release(ctx, "cv1"))
		l, err := other.Acquire(ctx, "cv1", u3, "second takeover")
		require.NoError(t, err)
		newLock = l
	}}
	m2 := NewManager(store2, Options{LeaseTTL: time.Minute})
	assert.ErrorIs(t, m2.Refresh(ctx, stale), ErrNotHeld)

	current, err = m.Current(ctx, "cv1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, newLock.Token, current.Token, "stale refresh does not overwrite the new holder")
	assert.Equal(t, "second takeover", current.Command)
}

func TestConcurrentStaleReleasesKeepNewHolder(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, time.Minute)

	stale, err := m.Acquire(ctx, "cv1", u2, "cmd")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "cv1"))
	fresh, err := m.Acquire(ctx, "cv1", u3, "cmd")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ok, err := m.ReleaseIfHeld(ctx, "cv1", stale.Token)
			assert.NoError(t, err)
			assert.False(t, ok)
		}()
		go func() {
			defer wg.Done()
			assert.ErrorIs(t, m.Refresh(ctx, stale), ErrNotHeld)
		}()
	}
	wg.Wait()

	current, err := m.Current(ctx, "cv1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, fresh.Token, current.Token)
}

func TestLeaseExpiryFreesCanvas(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, 30*time.Millisecond)

	_, err := m.Acquire(ctx, "cv1", u2, "cmd")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := m.Acquire(ctx, "cv1", u3, "cmd")
		return err == nil
	}, time.Second, 5*time.Millisecond, "crashed holder cannot starve the canvas")
}

func TestRefreshExtendsLease(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, 60*time.Millisecond)

	l, err := m.Acquire(ctx, "cv1", u2, "cmd")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, m.Refresh(ctx, l))
	}

	current, err := m.Current(ctx, "cv1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, l.Token, current.Token)

	require.NoError(t, m.Release(ctx, "cv1"))
	assert.ErrorIs(t, m.Refresh(ctx, l), ErrNotHeld)
}

func TestRunReleasesOnErrorAndPanic(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, time.Minute)

	boom := errors.New("assistant failed")
	err := m.Run(ctx, "cv1", u2, "cmd", func(ctx context.Context, l *AILock) error {
		current, err := m.Current(ctx, "cv1")
		require.NoError(t, err)
		assert.Equal(t, l.Token, current.Token)
		return boom
	})
	require.ErrorIs(t, err, boom)

	current, err := m.Current(ctx, "cv1")
	require.NoError(t, err)
	assert.Nil(t, current)

	assert.Panics(t, func() {
		_ = m.Run(ctx, "cv1", u2, "cmd", func(context.Context, *AILock) error {
			panic("executor crashed")
		})
	})
	current, err = m.Current(ctx, "cv1")
	require.NoError(t, err)
	assert.Nil(t, current, "lock released even when the command panics")
}

func TestRunRenewsLease(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, 45*time.Millisecond)

	err := m.Run(ctx, "cv1", u2, "slow", func(ctx context.Context, l *AILock) error {
		time.Sleep(150 * time.Millisecond)
		_, err := m.Acquire(ctx, "cv1", u3, "cmd")
		assert.ErrorIs(t, err, ErrLockHeld, "renewal keeps the lease alive")
		return nil
	})
	require.NoError(t, err)
}

func TestRunCancelsWhenLockIsLost(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t, 30*time.Millisecond)
	other := NewManager(store, Options{LeaseTTL: time.Minute})

	err := m.Run(ctx, "cv1", u2, "cmd", func(runCtx context.Context, l *AILock) error {
		require.NoError(t, m.Release(ctx, "cv1"))
		_, err := other.Acquire(ctx, "cv1", u3, "takeover")
		require.NoError(t, err)

		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case <-time.After(time.Second):
			return errors.New("not cancelled")
		}
	})
	require.ErrorIs(t, err, context.Canceled)

	current, err := m.Current(ctx, "cv1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "u3", current.UserID, "the new holder's lock is left alone")
}

func TestSubscribeReportsTransitions(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, time.Minute)

	var mu sync.Mutex
	var seen []string
	unsubscribe := m.Subscribe("cv1", func(l *AILock) {
		mu.Lock()
		defer mu.Unlock()
		if l == nil {
			seen = append(seen, "")
			return
		}
		assert.Empty(t, l.Token)
		seen = append(seen, l.UserID)
	})
	defer unsubscribe()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := m.Acquire(ctx, "cv1", u2, "cmd")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[len(seen)-1] == "u2"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Release(ctx, "cv1"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[len(seen)-1] == ""
	}, time.Second, 5*time.Millisecond)
}
