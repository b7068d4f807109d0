package model

import (
	"time"
)

// Shape 캔버스 위의 도형 (영속 저장소의 정본)
type Shape struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	CanvasID  string    `gorm:"type:varchar(64);not null;index:idx_shapes_canvas_z" json:"canvasId"`
	Type      ShapeType `gorm:"type:varchar(20);not null" json:"type"`
	X         float64   `gorm:"not null;default:0" json:"x"`
	Y         float64   `gorm:"not null;default:0" json:"y"`
	Width     float64   `gorm:"not null;default:0" json:"width"`
	Height    float64   `gorm:"not null;default:0" json:"height"`
	Rotation  float64   `gorm:"not null;default:0" json:"rotation"`
	Fill      string    `gorm:"type:varchar(20)" json:"fill,omitempty"`
	Text      *string   `gorm:"type:text" json:"text,omitempty"`
	ZIndex    int       `gorm:"not null;default:0;index:idx_shapes_canvas_z" json:"zIndex"`
	UpdatedBy string    `gorm:"type:varchar(64)" json:"updatedBy,omitempty"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (Shape) TableName() string {
	return "shapes"
}

// Geometry 변형 중인 도형의 기하 정보 (x, y, width, height, rotation)
type Geometry struct {
	ShapeID  string  `json:"shapeId"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation float64 `json:"rotation"`
}

// Fields 영속 저장소 부분 업데이트용 컬럼 맵
func (g Geometry) Fields() map[string]any {
	return map[string]any{
		"x":        g.X,
		"y":        g.Y,
		"width":    g.Width,
		"height":   g.Height,
		"rotation": g.Rotation,
	}
}

// GeometryOf 도형의 현재 기하 정보
func GeometryOf(s Shape) Geometry {
	return Geometry{
		ShapeID:  s.ID,
		X:        s.X,
		Y:        s.Y,
		Width:    s.Width,
		Height:   s.Height,
		Rotation: s.Rotation,
	}
}
