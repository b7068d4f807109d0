package main

import (
	"context"
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"canvas-realtime/internal/ai"
	"canvas-realtime/internal/auth"
	"canvas-realtime/internal/config"
	"canvas-realtime/internal/database"
	"canvas-realtime/internal/durable"
	"canvas-realtime/internal/ephemeral"
	"canvas-realtime/internal/live"
	"canvas-realtime/internal/lock"
	"canvas-realtime/internal/notify"
	"canvas-realtime/internal/presence"
	"canvas-realtime/internal/server"
	"canvas-realtime/internal/undo"
)

func main() {
	// 설정 로드
	cfg := config.Load()
	setupLogging(cfg.Log)

	// 데이터베이스 연결
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("❌ Database connection failed: %v", err)
	}
	defer database.Close(db)

	// Ping 테스트
	if err := database.Ping(db); err != nil {
		log.Fatalf("❌ Database ping failed: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("❌ Database migration failed: %v", err)
	}
	log.Printf("✅ Database connected successfully (%s)", cfg.Database.Driver)

	// Ephemeral 저장소 (Redis 미설정 시 인메모리)
	store := openEphemeral(cfg.Redis)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := notify.NewHub()
	shapes := durable.NewGormShapeStore(db)

	presenceSvc := presence.NewService(store, presence.Options{
		ConnectionTTL: cfg.Presence.ConnectionTTL,
	})

	broadcaster := live.NewBroadcaster(store, shapes, hub, live.Options{
		DurableWriteInterval: cfg.Live.DurableWriteInterval,
		SettleDelay:          cfg.Live.SettleDelay,
		PositionTTL:          cfg.Live.PositionTTL,
	})
	// 저장 실패한 위치 재시도
	go broadcaster.RunRetry(ctx, cfg.Live.RetryInterval)

	locks := lock.NewManager(store, lock.Options{LeaseTTL: cfg.Lock.LeaseTTL})

	executor, closeExecutor := openExecutor(cfg.AI)
	defer closeExecutor()

	dispatcher := ai.NewDispatcher(executor, locks, shapes, undo.NewLog(db), hub, cfg.AI.CommandTimeout)

	// 서버 생성 및 설정
	srv := server.New(cfg, server.Deps{
		DB:          db,
		Store:       store,
		Presence:    presenceSvc,
		Broadcaster: broadcaster,
		Shapes:      shapes,
		Locks:       locks,
		Hub:         hub,
		Dispatcher:  dispatcher,
		JWT:         auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry),
	})
	srv.SetupMiddleware()
	srv.SetupRoutes()

	// 서버 시작 (종료 신호 후 반환)
	if err := srv.Start(); err != nil {
		log.Printf("Server stopped with error: %v", err)
	}
	log.Println("👋 Server exited")
}

// setupLogging 파일 경로가 있으면 stdout 과 회전 로그 파일에 함께 기록
func setupLogging(cfg config.LogConfig) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if cfg.FilePath == "" {
		return
	}
	log.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}))
	log.Printf("📝 Logging to %s", cfg.FilePath)
}

func openEphemeral(cfg config.RedisConfig) ephemeral.Store {
	if cfg.Addr == "" {
		log.Println("ℹ️ REDIS_ADDR not set, using in-memory ephemeral store (single instance only)")
		return ephemeral.NewMemoryStore()
	}

	store, err := ephemeral.NewRedisStore(ephemeral.RedisOptions{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		log.Fatalf("❌ Redis connection failed: %v", err)
	}
	log.Printf("✅ Redis ephemeral store connected (%s)", cfg.Addr)
	return store
}

func openExecutor(cfg config.AIConfig) (ai.Executor, func()) {
	if !cfg.Enabled {
		log.Println("ℹ️ AI assistant disabled (AI_ENABLED=false)")
		return ai.DisabledExecutor{}, func() {}
	}

	executor, err := ai.NewGrpcExecutor(cfg.ServerAddr)
	if err != nil {
		log.Printf("⚠️ AI assistant connection failed: %v (commands will be rejected)", err)
		return ai.DisabledExecutor{}, func() {}
	}
	log.Printf("✅ AI assistant client ready (%s)", cfg.ServerAddr)
	return executor, func() { executor.Close() }
}
