// Package live carries in-progress shape transforms. Every movement goes to
// the ephemeral store at full frame rate; the durable store sees at most one
// write per shape per interval, plus the final write on commit. Live entries
// are retracted after commit and expire on their own if a gesture is never
// committed.
package live

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"canvas-realtime/internal/durable"
	"canvas-realtime/internal/ephemeral"
	"canvas-realtime/internal/metrics"
	"canvas-realtime/internal/model"
	"canvas-realtime/internal/notify"
	"canvas-realtime/internal/overlay"
)

// ErrForeignShape is returned for shape ids that do not belong to the
// canvas the transform was sent on.
var ErrForeignShape = errors.New("live: shape not on this canvas")

// Position 변형 중인 도형의 실시간 위치
type Position struct {
	ShapeID   string  `json:"shapeId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	Rotation  float64 `json:"rotation"`
	UpdatedBy string  `json:"updatedBy"`
	UpdatedAt int64   `json:"updatedAt"` // unix ms
}

// Geometry 위치를 기하 정보로 변환
func (p Position) Geometry() model.Geometry {
	return model.Geometry{
		ShapeID:  p.ShapeID,
		X:        p.X,
		Y:        p.Y,
		Width:    p.Width,
		Height:   p.Height,
		Rotation: p.Rotation,
	}
}

// Options Broadcaster 설정
type Options struct {
	DurableWriteInterval time.Duration
	SettleDelay          time.Duration
	PositionTTL          time.Duration
	Now                  func() time.Time
}

// Broadcaster 실시간 변형 전파기
type Broadcaster struct {
	store    ephemeral.Store
	shapes   durable.ShapeStore
	notifier notify.Notifier
	opts     Options

	// failed 영속 저장에 실패해 재시도를 기다리는 값
	failed *overlay.Overlay

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	pending  map[string]pendingWrite
	owners   map[string]string // shapeID -> canvasID (확인된 도형만)
}

// pendingWrite 제한에 걸려 영속 저장소에 쓰지 못한 마지막 값
type pendingWrite struct {
	canvasID string
	userID   string
	geometry model.Geometry
}

// NewBroadcaster 생성자
func NewBroadcaster(store ephemeral.Store, shapes durable.ShapeStore, notifier notify.Notifier, opts Options) *Broadcaster {
	if opts.DurableWriteInterval <= 0 {
		opts.DurableWriteInterval = 50 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Broadcaster{
		store:    store,
		shapes:   shapes,
		notifier: notifier,
		opts:     opts,
		failed:   overlay.New(),
		limiters: make(map[string]*rate.Limiter),
		pending:  make(map[string]pendingWrite),
		owners:   make(map[string]string),
	}
}

func livePath(canvasID, shapeID string) string {
	return ephemeral.Path("live", canvasID, shapeID)
}

// limiterLocked 도형별 제한기 (b.mu 보유 상태에서 호출)
func (b *Broadcaster) limiterLocked(shapeID string) *rate.Limiter {
	l, ok := b.limiters[shapeID]
	if !ok {
		l = rate.NewLimiter(rate.Every(b.opts.DurableWriteInterval), 1)
		b.limiters[shapeID] = l
	}
	return l
}

// scope canvasID 소속 도형만 남긴다. 소속은 제스처마다 한 번 조회해 Forget 까지 기억한다.
func (b *Broadcaster) scope(ctx context.Context, canvasID string, geoms []model.Geometry) ([]model.Geometry, error) {
	var (
		kept = make([]model.Geometry, 0, len(geoms))
		errs []error
	)
	for _, g := range geoms {
		b.mu.Lock()
		owner, ok := b.owners[g.ShapeID]
		b.mu.Unlock()

		if !ok {
			shape, err := b.shapes.Get(ctx, g.ShapeID)
			if errors.Is(err, durable.ErrNotFound) {
				errs = append(errs, fmt.Errorf("%w: %s", ErrForeignShape, g.ShapeID))
				continue
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("shape %s: %w", g.ShapeID, err))
				continue
			}
			owner = shape.CanvasID
			if owner == canvasID {
				b.mu.Lock()
				b.owners[g.ShapeID] = owner
				b.mu.Unlock()
			}
		}

		if owner != canvasID {
			errs = append(errs, fmt.Errorf("%w: %s", ErrForeignShape, g.ShapeID))
			continue
		}
		kept = append(kept, g)
	}
	return kept, errors.Join(errs...)
}

// Update 변형 중 위치 전파.
// 여러 도형은 하나의 원자적 배치로 쓰고, 영속 저장은 도형별 속도 제한을 통과한 것만 한다.
// 다른 캔버스의 도형은 실시간/영속 어느 쪽에도 쓰지 않고 ErrForeignShape 로 보고한다.
func (b *Broadcaster) Update(ctx context.Context, canvasID, userID string, geoms []model.Geometry) error {
	geoms, scopeErr := b.scope(ctx, canvasID, geoms)
	if len(geoms) == 0 {
		return scopeErr
	}

	now := b.opts.Now().UnixMilli()
	batch := make(map[string]ephemeral.Update, len(geoms))
	for _, g := range geoms {
		batch[livePath(canvasID, g.ShapeID)] = ephemeral.Update{
			Value: Position{
				ShapeID:   g.ShapeID,
				X:         g.X,
				Y:         g.Y,
				Width:     g.Width,
				Height:    g.Height,
				Rotation:  g.Rotation,
				UpdatedBy: userID,
				UpdatedAt: now,
			},
			TTL: b.opts.PositionTTL,
		}
	}
	// 실시간 채널은 best-effort: 다음 쓰기가 상태를 맞춘다
	if err := b.store.BatchUpdate(ctx, batch); err != nil {
		log.Printf("[Live] Ephemeral batch write failed (canvas=%s): %v", canvasID, err)
	} else {
		metrics.EphemeralWrites.WithLabelValues("batch").Inc()
	}

	var allowed []model.Geometry
	b.mu.Lock()
	for _, g := range geoms {
		if b.limiterLocked(g.ShapeID).Allow() {
			delete(b.pending, g.ShapeID)
			allowed = append(allowed, g)
		} else {
			b.pending[g.ShapeID] = pendingWrite{canvasID: canvasID, userID: userID, geometry: g}
			metrics.DurableWritesThrottled.Inc()
		}
	}
	b.mu.Unlock()

	if len(allowed) == 0 {
		return scopeErr
	}

	// 중간 저장 실패는 pending 으로 남겨 다음 쓰기나 커밋이 이어받는다
	if failed := b.writeDurable(ctx, userID, allowed); len(failed) > 0 {
		log.Printf("[Live] Intermediate durable write failed (canvas=%s, shapes=%s): %v",
			canvasID, strings.Join(failedIDs(failed), ","), errors.Join(mapErrors(failed)...))

		b.mu.Lock()
		for _, g := range allowed {
			if _, bad := failed[g.ShapeID]; !bad {
				continue
			}
			// 그 사이 더 새로운 값이 대기 중이면 그대로 둔다
			if _, newer := b.pending[g.ShapeID]; !newer {
				b.pending[g.ShapeID] = pendingWrite{canvasID: canvasID, userID: userID, geometry: g}
			}
		}
		b.mu.Unlock()
	}
	return scopeErr
}

func failedIDs(failed map[string]error) []string {
	ids := make([]string, 0, len(failed))
	for id := range failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func mapErrors(failed map[string]error) []error {
	errs := make([]error, 0, len(failed))
	for _, id := range failedIDs(failed) {
		errs = append(errs, failed[id])
	}
	return errs
}

// writeDurable 도형별 병렬 영속 저장. 실패한 도형의 오류를 반환.
func (b *Broadcaster) writeDurable(ctx context.Context, userID string, geoms []model.Geometry) map[string]error {
	var (
		mu     sync.Mutex
		failed = make(map[string]error)
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, geom := range geoms {
		g.Go(func() error {
			fields := geom.Fields()
			fields["updated_by"] = userID
			if _, err := b.shapes.Update(gctx, geom.ShapeID, fields); err != nil {
				metrics.DurableWrites.WithLabelValues("error").Inc()
				mu.Lock()
				failed[geom.ShapeID] = err
				mu.Unlock()
				return nil
			}
			metrics.DurableWrites.WithLabelValues("ok").Inc()
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// Commit 제스처 종료. 최종 값을 영속 저장소에 쓰고, 잠시 기다린 뒤 실시간 항목을 회수한다.
// 저장 실패한 값은 재시도를 위해 보관하고 사용자에게 알린다. 실시간 항목은 실패와 무관하게 회수한다.
func (b *Broadcaster) Commit(ctx context.Context, canvasID, userID string, geoms []model.Geometry) error {
	geoms, scopeErr := b.scope(ctx, canvasID, geoms)
	if len(geoms) == 0 {
		return scopeErr
	}

	b.mu.Lock()
	for _, g := range geoms {
		delete(b.pending, g.ShapeID)
	}
	b.mu.Unlock()

	failed := b.writeDurable(ctx, userID, geoms)

	errs := []error{scopeErr}
	for _, g := range geoms {
		err, ok := failed[g.ShapeID]
		if !ok {
			b.failed.Drop(g.ShapeID)
			continue
		}
		fields := g.Fields()
		fields["updated_by"] = userID
		b.failed.Apply(g.ShapeID, fields)
		errs = append(errs, fmt.Errorf("shape %s: %w", g.ShapeID, err))
	}
	if len(failed) > 0 {
		log.Printf("[Live] Durable commit failed on %s (shapes=%s)", canvasID, strings.Join(failedIDs(failed), ","))
		if b.notifier != nil {
			b.notifier.Notify(ctx, notify.Notice{
				CanvasID:    canvasID,
				UserID:      userID,
				Level:       notify.LevelError,
				Message:     notify.SaveFailed,
				Dismissible: true,
			})
		}
	}

	// 다른 사용자 화면이 부드럽게 따라오도록 잠시 대기
	if b.opts.SettleDelay > 0 {
		t := time.NewTimer(b.opts.SettleDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}

	ids := make([]string, len(geoms))
	for i, g := range geoms {
		ids[i] = g.ShapeID
	}
	b.retract(context.WithoutCancel(ctx), canvasID, ids)

	return errors.Join(errs...)
}

// Abandon 커밋 없이 제스처 취소. 영속 저장 없이 실시간 항목만 회수한다.
func (b *Broadcaster) Abandon(ctx context.Context, canvasID string, shapeIDs []string) {
	b.mu.Lock()
	for _, id := range shapeIDs {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	b.retract(ctx, canvasID, shapeIDs)
}

func (b *Broadcaster) retract(ctx context.Context, canvasID string, shapeIDs []string) {
	if len(shapeIDs) == 0 {
		return
	}

	batch := make(map[string]ephemeral.Update, len(shapeIDs))
	for _, id := range shapeIDs {
		batch[livePath(canvasID, id)] = ephemeral.Update{}
	}
	if err := b.store.BatchUpdate(ctx, batch); err != nil {
		log.Printf("[Live] Retract failed (canvas=%s): %v", canvasID, err)
	} else {
		metrics.EphemeralWrites.WithLabelValues("remove").Inc()
	}
	for _, id := range shapeIDs {
		b.Forget(id)
	}
}

// Forget 도형의 속도 제한/소속 확인 상태 제거
func (b *Broadcaster) Forget(shapeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.limiters, shapeID)
	delete(b.owners, shapeID)
}

// RetryPending 저장 실패로 보관 중인 값을 다시 저장. 성공한 수를 반환.
func (b *Broadcaster) RetryPending(ctx context.Context) (int, error) {
	var (
		saved int
		errs  []error
	)
	for id, fields := range b.failed.Pending() {
		if _, err := b.shapes.Update(ctx, id, fields); err != nil {
			if errors.Is(err, durable.ErrNotFound) {
				// 그 사이 삭제된 도형은 포기
				b.failed.Drop(id)
				continue
			}
			metrics.DurableWrites.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("shape %s: %w", id, err))
			continue
		}
		metrics.DurableWrites.WithLabelValues("ok").Inc()
		b.failed.Drop(id)
		saved++
	}
	return saved, errors.Join(errs...)
}

// RunRetry interval 마다 RetryPending 실행 (ctx 종료 시 반환)
func (b *Broadcaster) RunRetry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.failed.Len() == 0 {
				continue
			}
			saved, err := b.RetryPending(ctx)
			if saved > 0 {
				log.Printf("[Live] Retried %d pending shape write(s)", saved)
			}
			if err != nil {
				log.Printf("[Live] Retry still failing: %v", err)
			}
		}
	}
}

// FailedCount 재시도를 기다리는 도형 수
func (b *Broadcaster) FailedCount() int {
	return b.failed.Len()
}

// PendingGeometry 속도 제한에 걸려 아직 저장되지 않은 마지막 값
func (b *Broadcaster) PendingGeometry(shapeID string) (model.Geometry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[shapeID]
	return p.geometry, ok
}

// SubscribeLive 캔버스의 실시간 위치 구독 (shapeID -> Position)
func (b *Broadcaster) SubscribeLive(canvasID string, fn func(map[string]Position)) func() {
	return b.store.Subscribe(ephemeral.Prefix("live", canvasID), func(snap ephemeral.Snapshot) {
		fn(decodePositions(snap))
	})
}

// Positions 현재 실시간 위치 조회
func (b *Broadcaster) Positions(ctx context.Context, canvasID string) (map[string]Position, error) {
	snap, err := b.store.List(ctx, ephemeral.Prefix("live", canvasID))
	if err != nil {
		return nil, err
	}
	return decodePositions(snap), nil
}

func decodePositions(snap ephemeral.Snapshot) map[string]Position {
	out := make(map[string]Position, len(snap))
	for path := range snap {
		var p Position
		if ok, err := snap.Decode(path, &p); err == nil && ok {
			out[ephemeral.Base(path)] = p
		}
	}
	return out
}
