package main

import (
	"fmt"
	"log"

	"github.com/joho/godotenv"

	"canvas-realtime/internal/config"
	"canvas-realtime/internal/database"
	"canvas-realtime/internal/model"
)

func main() {
	// .env 파일 로드 (없으면 환경 변수 사용)
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ️ No .env file found, using environment variables")
	}
	cfg := config.Defaults()

	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer database.Close(db)

	fmt.Printf("✅ Connected to database (%s)\n", cfg.Database.Driver)
	fmt.Println()

	// 테이블 존재 여부
	migrator := db.Migrator()
	hasShapes := migrator.HasTable(&model.Shape{})
	hasUndo := migrator.HasTable(&model.UndoAction{})
	fmt.Printf("📊 shapes table exists: %v\n", hasShapes)
	fmt.Printf("📊 undo_actions table exists: %v\n", hasUndo)
	fmt.Println()

	if !hasShapes || !hasUndo {
		fmt.Println("⚠️  Schema incomplete, start the server once to run migrations")
		return
	}

	// 캔버스별 도형 수
	type CanvasStats struct {
		CanvasID string
		Total    int64
	}
	var stats []CanvasStats
	if err := db.Model(&model.Shape{}).
		Select("canvas_id, COUNT(*) as total").
		Group("canvas_id").
		Order("total DESC").
		Limit(20).
		Scan(&stats).Error; err != nil {
		log.Fatal("Failed to get shape statistics:", err)
	}

	fmt.Println("📈 Shapes per canvas (top 20):")
	for _, s := range stats {
		fmt.Printf("  - %s: %d\n", s.CanvasID, s.Total)
	}
	fmt.Println()

	// 되돌리기 대기 중인 AI 변경
	var actions []model.UndoAction
	if err := db.Order("timestamp DESC").Limit(10).Find(&actions).Error; err != nil {
		log.Fatal("Failed to get undo actions:", err)
	}

	fmt.Println("↩️  Pending undo actions (last 10):")
	for _, a := range actions {
		fmt.Printf("  - Canvas: %s, User: %s, Type: %s, Command: %q, At: %s\n",
			a.CanvasID, a.UserID, a.ActionType, a.Command, a.Timestamp.Format("2006-01-02 15:04:05"))
	}
}
