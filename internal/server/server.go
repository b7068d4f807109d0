package server

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"canvas-realtime/internal/ai"
	"canvas-realtime/internal/auth"
	"canvas-realtime/internal/config"
	"canvas-realtime/internal/durable"
	"canvas-realtime/internal/ephemeral"
	"canvas-realtime/internal/handler"
	"canvas-realtime/internal/live"
	"canvas-realtime/internal/lock"
	"canvas-realtime/internal/notify"
	"canvas-realtime/internal/presence"
)

// Deps 서버가 사용하는 서비스 묶음
type Deps struct {
	DB          *gorm.DB
	Store       ephemeral.Store
	Presence    *presence.Service
	Broadcaster *live.Broadcaster
	Shapes      durable.ShapeStore
	Locks       *lock.Manager
	Hub         *notify.Hub
	Dispatcher  *ai.Dispatcher
	JWT         *auth.JWTManager
}

// Server Fiber 서버 래퍼
type Server struct {
	app             *fiber.App
	cfg             *config.Config
	healthHandler   *handler.HealthHandler
	canvasHandler   *handler.CanvasHandler
	canvasWSHandler *handler.CanvasWSHandler
	jwtManager      *auth.JWTManager
}

// New 새 서버 인스턴스 생성
func New(cfg *config.Config, deps Deps) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "Canvas Realtime",
		ServerHeader:          "Fiber",
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		Prefork:               false, // WebSocket과 호환성 문제로 비활성화
		ReadBufferSize:        16384, // 16KB - 큰 헤더 허용
		WriteBufferSize:       16384,
		BodyLimit:             1 * 1024 * 1024, // 1MB
		DisableStartupMessage: true,
	})

	return &Server{
		app:           app,
		cfg:           cfg,
		healthHandler: handler.NewHealthHandler(deps.DB, deps.Store, deps.Dispatcher.Executor()),
		canvasHandler: handler.NewCanvasHandler(deps.Presence, deps.Shapes, deps.Dispatcher, deps.Hub),
		canvasWSHandler: handler.NewCanvasWSHandler(
			deps.Store,
			deps.Presence,
			deps.Broadcaster,
			deps.Shapes,
			deps.Locks,
			deps.Hub,
			cfg.Presence.HeartbeatInterval,
		),
		jwtManager: deps.JWT,
	}
}

// App 내부 Fiber 앱 (테스트용)
func (s *Server) App() *fiber.App {
	return s.app
}

// SetupMiddleware 미들웨어 설정
func (s *Server) SetupMiddleware() {
	// 패닉 복구
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// 로깅
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
		Output:     log.Writer(),
	}))

	// CORS
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     s.cfg.CORS.AllowHeaders,
		AllowMethods:     "GET, POST, PATCH, DELETE, OPTIONS",
		AllowCredentials: s.cfg.CORS.AllowOrigins != "*",
	}))
}

// SetupRoutes 라우트 설정
func (s *Server) SetupRoutes() {
	// 헬스체크 / 메트릭
	s.app.Get("/health", s.healthHandler.Check)
	s.app.Get("/health/live", s.healthHandler.Liveness)
	s.app.Get("/health/ready", s.healthHandler.Readiness)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	requireAuth := auth.AuthMiddleware(s.jwtManager)

	// AI 명령 Rate Limiter (사용자 기준)
	commandLimiter := limiter.New(limiter.Config{
		Max:        20,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			if id, ok := auth.IdentityFrom(c); ok {
				return id.UserID
			}
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests, please try again later",
			})
		},
	})

	// Canvas 라우트 그룹 (인증 필요)
	canvasGroup := s.app.Group("/api/canvases/:canvasId", requireAuth)
	canvasGroup.Get("/presence", s.canvasHandler.GetPresence)
	canvasGroup.Get("/shapes", s.canvasHandler.ListShapes)
	canvasGroup.Post("/shapes", s.canvasHandler.CreateShape)
	canvasGroup.Patch("/shapes/:shapeId", s.canvasHandler.UpdateShape)
	canvasGroup.Delete("/shapes/:shapeId", s.canvasHandler.DeleteShape)
	canvasGroup.Post("/ai/commands", commandLimiter, s.canvasHandler.RunCommand)
	canvasGroup.Post("/ai/undo", commandLimiter, s.canvasHandler.UndoCommand)
	canvasGroup.Get("/ai/lock", s.canvasHandler.GetLock)
	canvasGroup.Get("/ai/undo", s.canvasHandler.GetUndo)

	// Notice 라우트 그룹 (인증 필요)
	noticeGroup := s.app.Group("/api/notices", requireAuth)
	noticeGroup.Get("", s.canvasHandler.ListNotices)
	noticeGroup.Post("/:id/dismiss", s.canvasHandler.DismissNotice)

	// WebSocket 업그레이드 체크 미들웨어
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// WebSocket 캔버스 엔드포인트 (쿠키 또는 token 쿼리로 인증)
	s.app.Get("/ws/canvas/:canvasId", requireAuth, websocket.New(s.canvasWSHandler.HandleWebSocket, websocket.Config{
		ReadBufferSize:  s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: s.cfg.WebSocket.WriteBufferSize,
	}))
}

// Start 서버 시작 (Graceful Shutdown 지원). 종료 후 반환된다.
func (s *Server) Start() error {
	// Graceful Shutdown 설정
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("🛑 Shutting down server...")
		if err := s.Shutdown(); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Canvas Realtime starting on %s", s.cfg.Server.Port)
	log.Printf("📡 WebSocket endpoint: ws://localhost%s/ws/canvas/:canvasId", s.cfg.Server.Port)

	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown 서버 종료
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(30 * time.Second)
}
