package live

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canvas-realtime/internal/durable"
	"canvas-realtime/internal/model"
	"canvas-realtime/internal/notify"
	"canvas-realtime/internal/testutil"
)

// countingShapes 영속 쓰기 횟수를 세고, 필요하면 실패시킨다
type countingShapes struct {
	durable.ShapeStore
	updates atomic.Int64
	fail    atomic.Bool
}

func (c *countingShapes) Update(ctx context.Context, id string, fields map[string]any) (*model.Shape, error) {
	c.updates.Add(1)
	if c.fail.Load() {
		return nil, errors.New("durable store unavailable")
	}
	return c.ShapeStore.Update(ctx, id, fields)
}

type fixture struct {
	shapes *countingShapes
	hub    *notify.Hub
	b      *Broadcaster
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()

	store := durable.NewGormShapeStore(testutil.NewDB(t))
	for _, id := range []string{"s1", "s2"} {
		require.NoError(t, store.Create(ctx, &model.Shape{ID: id, CanvasID: "cv1", Type: model.ShapeTypeRectangle}))
	}

	shapes := &countingShapes{ShapeStore: store}
	hub := notify.NewHub()
	return &fixture{
		shapes: shapes,
		hub:    hub,
		b:      NewBroadcaster(testutil.NewEphemeral(t), shapes, hub, opts),
	}
}

func geom(id string, x float64) model.Geometry {
	return model.Geometry{ShapeID: id, X: x, Y: x, Width: 10, Height: 10}
}

func TestUpdateWritesLivePositionsAsBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{PositionTTL: time.Minute})

	require.NoError(t, f.b.Update(ctx, "cv1", "u1", []model.Geometry{geom("s1", 5), geom("s2", 6)}))

	positions, err := f.b.Positions(ctx, "cv1")
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, 5.0, positions["s1"].X)
	assert.Equal(t, "u1", positions["s2"].UpdatedBy)
}

func TestDurableWriteRateBound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{DurableWriteInterval: 50 * time.Millisecond, PositionTTL: time.Minute})

	start := time.Now()
	for i := 0; i < 60; i++ {
		require.NoError(t, f.b.Update(ctx, "cv1", "u1", []model.Geometry{geom("s1", float64(i))}))
		time.Sleep(3 * time.Millisecond)
	}
	elapsed := time.Since(start)

	bound := int64(math.Ceil(float64(elapsed.Milliseconds())/50.0)) + 1
	writes := f.shapes.updates.Load()
	assert.LessOrEqual(t, writes, bound, "durable writes over %v", elapsed)
	assert.GreaterOrEqual(t, writes, int64(1))

	p, ok := f.b.PendingGeometry("s1")
	if ok {
		assert.Equal(t, "s1", p.ShapeID)
	}
}

func TestCommitWritesSettlesAndRetracts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{SettleDelay: 30 * time.Millisecond, PositionTTL: time.Minute})

	require.NoError(t, f.b.Update(ctx, "cv1", "u1", []model.Geometry{geom("s1", 1), geom("s2", 1)}))

	start := time.Now()
	require.NoError(t, f.b.Commit(ctx, "cv1", "u1", []model.Geometry{geom("s1", 40), geom("s2", 50)}))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "settle delay before retract")

	shape, err := f.shapes.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 40.0, shape.X)
	assert.Equal(t, "u1", shape.UpdatedBy)

	positions, err := f.b.Positions(ctx, "cv1")
	require.NoError(t, err)
	assert.Empty(t, positions)
	_, ok := f.b.PendingGeometry("s1")
	assert.False(t, ok)
}

func TestCommitFailureNotifiesAndRetains(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{PositionTTL: time.Minute})

	var notices []notify.Notice
	var mu sync.Mutex
	f.hub.Listen(func(n notify.Notice) {
		mu.Lock()
		notices = append(notices, n)
		mu.Unlock()
	})

	f.shapes.fail.Store(true)
	require.NoError(t, f.b.Update(ctx, "cv1", "u1", []model.Geometry{geom("s1", 1)}))
	err := f.b.Commit(ctx, "cv1", "u1", []model.Geometry{geom("s1", 70)})
	require.Error(t, err)

	mu.Lock()
	require.Len(t, notices, 1)
	assert.Equal(t, notify.SaveFailed, notices[0].Message)
	assert.True(t, notices[0].Dismissible)
	mu.Unlock()

	positions, err := f.b.Positions(ctx, "cv1")
	require.NoError(t, err)
	assert.Empty(t, positions, "live entries are retracted even when the commit fails")
	assert.Equal(t, 1, f.b.FailedCount())

	f.shapes.fail.Store(false)
	saved, err := f.b.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, saved)
	assert.Equal(t, 0, f.b.FailedCount())

	shape, err := f.shapes.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 70.0, shape.X)
}

func TestRetryDropsDeletedShapes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	f.shapes.fail.Store(true)
	_ = f.b.Commit(ctx, "cv1", "u1", []model.Geometry{geom("s2", 9)})
	f.shapes.fail.Store(false)
	require.NoError(t, f.shapes.Delete(ctx, "s2"))

	saved, err := f.b.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, saved)
	assert.Equal(t, 0, f.b.FailedCount())
}

func TestAbandonRetractsWithoutDurableWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{PositionTTL: time.Minute})

	require.NoError(t, f.b.Update(ctx, "cv1", "u1", []model.Geometry{geom("s1", 3)}))
	before := f.shapes.updates.Load()

	f.b.Abandon(ctx, "cv1", []string{"s1"})

	positions, err := f.b.Positions(ctx, "cv1")
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Equal(t, before, f.shapes.updates.Load())
}

func TestUncommittedPositionsExpire(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{PositionTTL: 30 * time.Millisecond})

	var mu sync.Mutex
	var latest map[string]Position
	unsubscribe := f.b.SubscribeLive("cv1", func(p map[string]Position) {
		mu.Lock()
		latest = p
		mu.Unlock()
	})
	defer unsubscribe()

	require.NoError(t, f.b.Update(ctx, "cv1", "u1", []model.Geometry{geom("s1", 3)}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 0
	}, time.Second, 5*time.Millisecond, "ghost entry expires")
}

func TestTransformsRejectShapesFromOtherCanvases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{PositionTTL: time.Minute})
	require.NoError(t, f.shapes.Create(ctx, &model.Shape{ID: "other", CanvasID: "cv2", Type: model.ShapeTypeRectangle, X: 1}))

	err := f.b.Update(ctx, "cv1", "u1", []model.Geometry{geom("other", 999), geom("s1", 5)})
	require.ErrorIs(t, err, ErrForeignShape)

	positions, err := f.b.Positions(ctx, "cv1")
	require.NoError(t, err)
	assert.Len(t, positions, 1)
	assert.Contains(t, positions, "s1")

	err = f.b.Commit(ctx, "cv1", "u1", []model.Geometry{geom("other", 999)})
	require.ErrorIs(t, err, ErrForeignShape)

	err = f.b.Commit(ctx, "cv1", "u1", []model.Geometry{geom("missing", 3)})
	require.ErrorIs(t, err, ErrForeignShape)

	other, err := f.shapes.Get(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, 1.0, other.X)
	assert.Equal(t, "cv2", other.CanvasID)
	assert.Equal(t, 0, f.b.FailedCount())
}

func TestIntermediateWriteFailureStaysPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{PositionTTL: time.Minute})

	f.shapes.fail.Store(true)
	require.NoError(t, f.b.Update(ctx, "cv1", "u1", []model.Geometry{geom("s1", 12)}))

	p, ok := f.b.PendingGeometry("s1")
	require.True(t, ok, "failed intermediate write is kept for the commit")
	assert.Equal(t, 12.0, p.X)

	f.shapes.fail.Store(false)
	require.NoError(t, f.b.Commit(ctx, "cv1", "u1", []model.Geometry{geom("s1", 15)}))

	_, ok = f.b.PendingGeometry("s1")
	assert.False(t, ok)
	shape, err := f.shapes.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 15.0, shape.X)
}
