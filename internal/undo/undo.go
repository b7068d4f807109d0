// Package undo keeps the single most recent reversible AI mutation per
// canvas. Saving a new action evicts the previous one; there is no stack.
package undo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"canvas-realtime/internal/model"
)

// ErrEmpty is returned when a canvas has nothing to undo.
var ErrEmpty = errors.New("undo: nothing to undo")

// Log 캔버스별 단일 슬롯 되돌리기 기록
type Log struct {
	db *gorm.DB
}

// NewLog 생성자
func NewLog(db *gorm.DB) *Log {
	return &Log{db: db}
}

// NewAction 역연산 payload 를 담은 기록 생성
func NewAction(canvasID, userID, command string, payload model.UndoPayload) (*model.UndoAction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode undo payload: %w", err)
	}
	return &model.UndoAction{
		ID:         uuid.NewString(),
		CanvasID:   canvasID,
		UserID:     userID,
		Timestamp:  time.Now(),
		Command:    command,
		ActionType: ActionTypeOf(payload),
		Payload:    string(raw),
	}, nil
}

// ActionTypeOf payload 내용으로 기록 종류 결정
func ActionTypeOf(p model.UndoPayload) model.UndoActionType {
	kinds := 0
	t := model.UndoActionMixed
	if len(p.Created) > 0 {
		kinds++
		t = model.UndoActionCreate
	}
	if len(p.Updated) > 0 {
		kinds++
		t = model.UndoActionUpdate
	}
	if len(p.Deleted) > 0 {
		kinds++
		t = model.UndoActionDelete
	}
	if kinds != 1 {
		return model.UndoActionMixed
	}
	return t
}

// DecodePayload 기록의 역연산 payload 복원
func DecodePayload(a *model.UndoAction) (model.UndoPayload, error) {
	var p model.UndoPayload
	if err := json.Unmarshal([]byte(a.Payload), &p); err != nil {
		return p, fmt.Errorf("decode undo payload %s: %w", a.ID, err)
	}
	return p, nil
}

// Save 기존 기록을 지우고 새 기록 저장 (하나의 트랜잭션)
func (l *Log) Save(ctx context.Context, action *model.UndoAction) error {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now()
	}

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("canvas_id = ?", action.CanvasID).Delete(&model.UndoAction{}).Error; err != nil {
			return fmt.Errorf("clear previous undo action: %w", err)
		}
		if err := tx.Create(action).Error; err != nil {
			return fmt.Errorf("save undo action: %w", err)
		}
		return nil
	})
}

// Get 캔버스의 최근 기록. 없으면 ErrEmpty.
func (l *Log) Get(ctx context.Context, canvasID string) (*model.UndoAction, error) {
	var action model.UndoAction
	err := l.db.WithContext(ctx).Where("canvas_id = ?", canvasID).First(&action).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("get undo action: %w", err)
	}
	return &action, nil
}

// Clear 캔버스 기록 삭제
func (l *Log) Clear(ctx context.Context, canvasID string) error {
	if err := l.db.WithContext(ctx).Where("canvas_id = ?", canvasID).Delete(&model.UndoAction{}).Error; err != nil {
		return fmt.Errorf("clear undo action: %w", err)
	}
	return nil
}

// Delete 특정 기록 삭제. 이미 교체된 기록이면 false.
func (l *Log) Delete(ctx context.Context, actionID string) (bool, error) {
	res := l.db.WithContext(ctx).Where("id = ?", actionID).Delete(&model.UndoAction{})
	if res.Error != nil {
		return false, fmt.Errorf("delete undo action: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}
