package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"canvas-realtime/internal/ai"
	"canvas-realtime/internal/ephemeral"
)

// healthChecker 상태 확인을 지원하는 저장소 (RedisStore 등)
type healthChecker interface {
	Health(ctx context.Context) error
}

var _ healthChecker = (*ephemeral.RedisStore)(nil)

// HealthHandler 헬스체크 핸들러
type HealthHandler struct {
	db        *gorm.DB
	ephemeral ephemeral.Store
	assistant ai.Executor
}

// NewHealthHandler HealthHandler 생성. assistant 가 nil 이거나 DisabledExecutor 면 not_configured.
func NewHealthHandler(db *gorm.DB, ephemeralStore ephemeral.Store, assistant ai.Executor) *HealthHandler {
	return &HealthHandler{db: db, ephemeral: ephemeralStore, assistant: assistant}
}

// ComponentCheck 컴포넌트 상태
type ComponentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse 헬스체크 응답
type HealthResponse struct {
	Status    string                    `json:"status"`
	Timestamp string                    `json:"timestamp"`
	Checks    map[string]ComponentCheck `json:"checks"`
}

// Check 전체 상태 확인 (DB + Ephemeral + AI Server)
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    make(map[string]ComponentCheck),
	}

	// 1. Database 체크
	dbStart := time.Now()
	sqlDB, err := h.db.DB()
	if err != nil {
		response.Status = "unhealthy"
		response.Checks["database"] = ComponentCheck{
			Status: "unhealthy",
			Error:  "failed to get database connection",
		}
	} else if err := sqlDB.Ping(); err != nil {
		response.Status = "unhealthy"
		response.Checks["database"] = ComponentCheck{
			Status: "unhealthy",
			Error:  "database ping failed",
		}
	} else {
		response.Checks["database"] = ComponentCheck{
			Status:  "healthy",
			Latency: time.Since(dbStart).String(),
		}
	}

	// 2. Ephemeral 저장소 체크 (인메모리는 항상 healthy)
	if checker, ok := h.ephemeral.(healthChecker); ok {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		ephStart := time.Now()
		err := checker.Health(ctx)
		cancel()
		if err != nil {
			response.Status = "unhealthy"
			response.Checks["ephemeral"] = ComponentCheck{
				Status: "unhealthy",
				Error:  "ephemeral store unreachable",
			}
		} else {
			response.Checks["ephemeral"] = ComponentCheck{
				Status:  "healthy",
				Latency: time.Since(ephStart).String(),
			}
		}
	} else {
		response.Checks["ephemeral"] = ComponentCheck{Status: "healthy"}
	}

	// 3. AI Server 체크 (gRPC health)
	switch h.assistant.(type) {
	case nil, ai.DisabledExecutor:
		response.Checks["ai_server"] = ComponentCheck{
			Status: "not_configured",
		}
	default:
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		aiStart := time.Now()
		err := h.assistant.Health(ctx)
		cancel()
		if err != nil {
			response.Checks["ai_server"] = ComponentCheck{
				Status: "degraded",
				Error:  "AI server unreachable",
			}
		} else {
			response.Checks["ai_server"] = ComponentCheck{
				Status:  "healthy",
				Latency: time.Since(aiStart).String(),
			}
		}
	}

	statusCode := fiber.StatusOK
	if response.Status == "unhealthy" {
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(response)
}

// Liveness K8s liveness 체크용 (단순 응답)
func (h *HealthHandler) Liveness(c *fiber.Ctx) error {
	return c.SendString("OK")
}

// Readiness K8s readiness 체크용 (DB 연결 확인)
func (h *HealthHandler) Readiness(c *fiber.Ctx) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).SendString("NOT READY")
	}
	if err := sqlDB.Ping(); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).SendString("NOT READY")
	}
	return c.SendString("READY")
}
