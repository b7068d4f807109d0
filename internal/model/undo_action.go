package model

import (
	"time"
)

// UndoAction 캔버스별 마지막 AI 변경 기록 (캔버스당 최대 1개)
type UndoAction struct {
	ID         string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	CanvasID   string         `gorm:"type:varchar(64);not null;uniqueIndex" json:"canvasId"`
	UserID     string         `gorm:"type:varchar(64);not null" json:"userId"`
	Timestamp  time.Time      `gorm:"not null" json:"timestamp"`
	Command    string         `gorm:"type:text;not null" json:"command"`
	ActionType UndoActionType `gorm:"type:varchar(20);not null" json:"actionType"`
	Payload    string         `gorm:"type:text;not null" json:"payload"` // JSON: UndoPayload
}

func (UndoAction) TableName() string {
	return "undo_actions"
}

// UndoPayload 되돌리기에 필요한 역연산 데이터
type UndoPayload struct {
	Created []string       `json:"created,omitempty"` // 생성된 도형 ID (되돌리면 삭제)
	Updated []Shape        `json:"updated,omitempty"` // 수정 전 도형 상태 (되돌리면 복원)
	Deleted []Shape        `json:"deleted,omitempty"` // 삭제된 도형 (되돌리면 재생성)
	Extra   map[string]any `json:"extra,omitempty"`
}
