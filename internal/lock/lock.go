// Package lock guards each canvas's shared AI command channel with a
// single-holder lease. Acquisition is an atomic set-if-absent on the lock
// key; a lease TTL clears the lock if the holder's process dies.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"canvas-realtime/internal/ephemeral"
	"canvas-realtime/internal/metrics"
	"canvas-realtime/internal/model"
)

var (
	// ErrLockHeld matches any *HeldError.
	ErrLockHeld = errors.New("lock: canvas is busy")
	// ErrNotHeld is returned when refreshing a lock the caller no longer owns.
	ErrNotHeld = errors.New("lock: not held")
)

// AILock 캔버스 AI 명령 잠금
type AILock struct {
	CanvasID    string `json:"canvasId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Command     string `json:"command"`
	AcquiredAt  int64  `json:"acquiredAt"` // unix ms
	ExpiresAt   int64  `json:"expiresAt"`  // unix ms
	Token       string `json:"token"`
}

// Public 클라이언트 전달용 (토큰 제거)
func (l AILock) Public() AILock {
	l.Token = ""
	return l
}

// HeldError 이미 다른 사용자가 잠금을 보유 중
type HeldError struct {
	Holder AILock
}

func (e *HeldError) Error() string {
	name := e.Holder.DisplayName
	if name == "" {
		name = e.Holder.UserID
	}
	return fmt.Sprintf("busy with %s's command", name)
}

func (e *HeldError) Is(target error) bool {
	return target == ErrLockHeld
}

// Options Manager 설정
type Options struct {
	// LeaseTTL 갱신 없이 잠금이 유지되는 시간
	LeaseTTL time.Duration
	Now      func() time.Time
}

// Manager 캔버스별 AI 잠금 관리
type Manager struct {
	store ephemeral.Store
	lease time.Duration
	now   func() time.Time
}

// NewManager 생성자
func NewManager(store ephemeral.Store, opts Options) *Manager {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{store: store, lease: opts.LeaseTTL, now: opts.Now}
}

func lockPath(canvasID string) string {
	return ephemeral.Path("locks", canvasID, "holder")
}

// Acquire 잠금 획득. 이미 잠겨 있으면 대기 없이 *HeldError 반환.
func (m *Manager) Acquire(ctx context.Context, canvasID string, id model.Identity, command string) (*AILock, error) {
	now := m.now()
	l := &AILock{
		CanvasID:    canvasID,
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		Command:     command,
		AcquiredAt:  now.UnixMilli(),
		ExpiresAt:   now.Add(m.lease).UnixMilli(),
		Token:       uuid.NewString(),
	}

	// 보유자 조회 직전에 만료된 경우 한 번 더 시도
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := m.store.SetNX(ctx, lockPath(canvasID), l, m.lease)
		if err != nil {
			metrics.LockAcquisitions.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if ok {
			metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
			log.Printf("[Lock] %s acquired AI lock on %s", id.UserID, canvasID)
			return l, nil
		}

		holder, err := m.Current(ctx, canvasID)
		if err != nil {
			metrics.LockAcquisitions.WithLabelValues("error").Inc()
			return nil, err
		}
		if holder != nil {
			metrics.LockAcquisitions.WithLabelValues("held").Inc()
			return nil, &HeldError{Holder: holder.Public()}
		}
	}

	metrics.LockAcquisitions.WithLabelValues("held").Inc()
	return nil, ErrLockHeld
}

// Release 잠금 해제 (보유자 확인 없음)
func (m *Manager) Release(ctx context.Context, canvasID string) error {
	if err := m.store.Remove(ctx, lockPath(canvasID)); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	log.Printf("[Lock] AI lock on %s released", canvasID)
	return nil
}

// ReleaseIfHeld token 보유자일 때만 해제 (확인과 삭제를 한 번에)
func (m *Manager) ReleaseIfHeld(ctx context.Context, canvasID, token string) (bool, error) {
	ok, err := m.store.CompareAndRemove(ctx, lockPath(canvasID), "token", token)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	if ok {
		log.Printf("[Lock] AI lock on %s released", canvasID)
	}
	return ok, nil
}

// Refresh 임대 연장. 이미 다른 보유자로 바뀌었으면 ErrNotHeld.
func (m *Manager) Refresh(ctx context.Context, l *AILock) error {
	next := *l
	next.ExpiresAt = m.now().Add(m.lease).UnixMilli()

	ok, err := m.store.CompareAndSet(ctx, lockPath(l.CanvasID), "token", l.Token, next, m.lease)
	if err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

// Current 현재 보유자 (잠금 없으면 nil)
func (m *Manager) Current(ctx context.Context, canvasID string) (*AILock, error) {
	var l AILock
	found, err := m.store.Get(ctx, lockPath(canvasID), &l)
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &l, nil
}

// Subscribe 잠금 상태 변화 구독. 해제 상태는 nil 로 전달된다.
func (m *Manager) Subscribe(canvasID string, fn func(*AILock)) func() {
	path := lockPath(canvasID)
	return m.store.Subscribe(ephemeral.Prefix("locks", canvasID), func(snap ephemeral.Snapshot) {
		var l AILock
		ok, err := snap.Decode(path, &l)
		if err != nil || !ok {
			fn(nil)
			return
		}
		pub := l.Public()
		fn(&pub)
	})
}

// Run 잠금을 잡고 fn 실행. 실행 중에는 임대를 갱신하고, fn 이 실패하거나 패닉해도 해제한다.
// 갱신 중 잠금을 잃으면 fn 의 ctx 가 취소된다.
func (m *Manager) Run(ctx context.Context, canvasID string, id model.Identity, command string, fn func(ctx context.Context, l *AILock) error) error {
	l, err := m.Acquire(ctx, canvasID, id, command)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	renewDone := make(chan struct{})

	defer func() {
		cancel()
		<-renewDone
		if _, err := m.ReleaseIfHeld(context.WithoutCancel(ctx), canvasID, l.Token); err != nil {
			log.Printf("[Lock] Failed to release AI lock on %s: %v", canvasID, err)
		}
	}()

	go func() {
		defer close(renewDone)
		m.renew(runCtx, cancel, l)
	}()

	return fn(runCtx, l)
}

func (m *Manager) renew(ctx context.Context, cancel context.CancelFunc, l *AILock) {
	ticker := time.NewTicker(m.lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.Refresh(ctx, l)
			if errors.Is(err, ErrNotHeld) {
				log.Printf("[Lock] Lost AI lock on %s, cancelling command", l.CanvasID)
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Printf("[Lock] Lease refresh failed on %s: %v", l.CanvasID, err)
			}
		}
	}
}
