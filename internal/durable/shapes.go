// Package durable is the authoritative shape store. Writes go through GORM;
// after every committed write the canvas's full shape list is pushed to
// that canvas's subscribers.
package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"canvas-realtime/internal/model"
)

var (
	// ErrNotFound is returned for unknown shape ids.
	ErrNotFound = errors.New("durable: shape not found")
	// ErrInvalidField is returned when a partial update names a column that
	// clients may not write.
	ErrInvalidField = errors.New("durable: field not writable")
)

// writableFields 부분 업데이트 허용 컬럼
var writableFields = map[string]bool{
	"type":       true,
	"x":          true,
	"y":          true,
	"width":      true,
	"height":     true,
	"rotation":   true,
	"fill":       true,
	"text":       true,
	"z_index":    true,
	"updated_by": true,
}

// ShapeStore is the durable store contract consumed by the coordination layer.
type ShapeStore interface {
	Create(ctx context.Context, shape *model.Shape) error
	Update(ctx context.Context, id string, fields map[string]any) (*model.Shape, error)
	Upsert(ctx context.Context, shape *model.Shape) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*model.Shape, error)
	List(ctx context.Context, canvasID string) ([]model.Shape, error)
	Subscribe(canvasID string, fn func([]model.Shape)) (unsubscribe func())
}

var _ ShapeStore = (*GormShapeStore)(nil)

// GormShapeStore implements ShapeStore on GORM.
type GormShapeStore struct {
	db    *gorm.DB
	feed  *feed
	pubMu sync.Mutex // publish 순서 보장
}

// NewGormShapeStore creates the store. The schema is expected to be migrated.
func NewGormShapeStore(db *gorm.DB) *GormShapeStore {
	return &GormShapeStore{db: db, feed: newFeed()}
}

// Create inserts a shape. An empty ID gets a new UUID.
func (s *GormShapeStore) Create(ctx context.Context, shape *model.Shape) error {
	if shape.ID == "" {
		shape.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(shape).Error; err != nil {
		return fmt.Errorf("create shape: %w", err)
	}
	s.publish(ctx, shape.CanvasID)
	return nil
}

// Update applies a partial update. Last write wins per shape.
func (s *GormShapeStore) Update(ctx context.Context, id string, fields map[string]any) (*model.Shape, error) {
	updates := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		if !writableFields[k] {
			return nil, fmt.Errorf("%w: %s", ErrInvalidField, k)
		}
		updates[k] = v
	}
	updates["updated_at"] = time.Now()

	res := s.db.WithContext(ctx).Model(&model.Shape{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("update shape %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}

	shape, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, shape.CanvasID)
	return shape, nil
}

// Upsert writes the full shape, inserting or overwriting by id.
func (s *GormShapeStore) Upsert(ctx context.Context, shape *model.Shape) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(shape).Error
	if err != nil {
		return fmt.Errorf("upsert shape %s: %w", shape.ID, err)
	}
	s.publish(ctx, shape.CanvasID)
	return nil
}

// Delete removes a shape.
func (s *GormShapeStore) Delete(ctx context.Context, id string) error {
	shape, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&model.Shape{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete shape %s: %w", id, err)
	}
	s.publish(ctx, shape.CanvasID)
	return nil
}

// Get loads one shape.
func (s *GormShapeStore) Get(ctx context.Context, id string) (*model.Shape, error) {
	var shape model.Shape
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&shape).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get shape %s: %w", id, err)
	}
	return &shape, nil
}

// List returns a canvas's shapes ordered by z-index.
func (s *GormShapeStore) List(ctx context.Context, canvasID string) ([]model.Shape, error) {
	var shapes []model.Shape
	err := s.db.WithContext(ctx).
		Where("canvas_id = ?", canvasID).
		Order("z_index ASC, created_at ASC").
		Find(&shapes).Error
	if err != nil {
		return nil, fmt.Errorf("list shapes: %w", err)
	}
	return shapes, nil
}

// Subscribe delivers the canvas's shape list now and after every commit.
func (s *GormShapeStore) Subscribe(canvasID string, fn func([]model.Shape)) func() {
	unsubscribe := s.feed.subscribe(canvasID, fn)
	s.publish(context.Background(), canvasID)
	return unsubscribe
}

func (s *GormShapeStore) publish(ctx context.Context, canvasID string) {
	if !s.feed.has(canvasID) {
		return
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	shapes, err := s.List(context.WithoutCancel(ctx), canvasID)
	if err != nil {
		return
	}
	s.feed.publish(canvasID, shapes)
}
