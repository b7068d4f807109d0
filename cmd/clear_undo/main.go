package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"canvas-realtime/internal/config"
	"canvas-realtime/internal/database"
	"canvas-realtime/internal/model"
	"canvas-realtime/internal/undo"
)

// 사용법: clear_undo [canvasId]  (인자가 없으면 전체 삭제)
func main() {
	// .env 파일 로드 (없으면 환경 변수 사용)
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ️ No .env file found, using environment variables")
	}
	cfg := config.Defaults()

	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(db)

	if len(os.Args) > 1 {
		canvasID := os.Args[1]
		log.Printf("Database connected. Clearing undo slot for canvas %s...", canvasID)
		if err := undo.NewLog(db).Clear(context.Background(), canvasID); err != nil {
			log.Fatalf("Failed to clear undo slot: %v", err)
		}
		log.Println("Undo slot cleared.")
		return
	}

	log.Println("Database connected. Clearing all undo slots...")

	var cleared int64
	err = db.Transaction(func(tx *gorm.DB) error {
		res := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&model.UndoAction{})
		cleared = res.RowsAffected
		return res.Error
	})
	if err != nil {
		log.Fatalf("Failed to clear undo slots: %v", err)
	}

	log.Printf("%d undo slot(s) cleared.", cleared)
}
