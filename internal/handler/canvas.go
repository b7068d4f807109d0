package handler

import (
	"errors"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"

	"canvas-realtime/internal/ai"
	"canvas-realtime/internal/auth"
	"canvas-realtime/internal/durable"
	"canvas-realtime/internal/lock"
	"canvas-realtime/internal/model"
	"canvas-realtime/internal/notify"
	"canvas-realtime/internal/presence"
	"canvas-realtime/internal/undo"
)

// CanvasHandler 캔버스 REST 핸들러
type CanvasHandler struct {
	presence   *presence.Service
	shapes     durable.ShapeStore
	dispatcher *ai.Dispatcher
	hub        *notify.Hub
}

// NewCanvasHandler CanvasHandler 생성
func NewCanvasHandler(presenceSvc *presence.Service, shapes durable.ShapeStore, dispatcher *ai.Dispatcher, hub *notify.Hub) *CanvasHandler {
	return &CanvasHandler{
		presence:   presenceSvc,
		shapes:     shapes,
		dispatcher: dispatcher,
		hub:        hub,
	}
}

// CreateShapeRequest 도형 생성 요청
type CreateShapeRequest struct {
	ID       string          `json:"id,omitempty"`
	Type     model.ShapeType `json:"type"`
	X        float64         `json:"x"`
	Y        float64         `json:"y"`
	Width    float64         `json:"width"`
	Height   float64         `json:"height"`
	Rotation float64         `json:"rotation"`
	Fill     string          `json:"fill,omitempty"`
	Text     *string         `json:"text,omitempty"`
	ZIndex   int             `json:"zIndex"`
}

// CommandRequest AI 명령 요청
type CommandRequest struct {
	Command string `json:"command"`
}

// 요청 필드명 -> 컬럼명
var patchColumns = map[string]string{
	"type":     "type",
	"x":        "x",
	"y":        "y",
	"width":    "width",
	"height":   "height",
	"rotation": "rotation",
	"fill":     "fill",
	"text":     "text",
	"zIndex":   "z_index",
}

func validShapeType(t model.ShapeType) bool {
	switch t {
	case model.ShapeTypeRectangle, model.ShapeTypeCircle, model.ShapeTypeLine, model.ShapeTypeText:
		return true
	}
	return false
}

func errorJSON(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

// GetPresence 캔버스 접속자 목록
func (h *CanvasHandler) GetPresence(c *fiber.Ctx) error {
	records, err := h.presence.Snapshot(c.UserContext(), c.Params("canvasId"))
	if err != nil {
		log.Printf("[Canvas] Failed to read presence: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "failed to get presence")
	}

	active := 0
	for _, r := range records {
		if r.IsActive {
			active++
		}
	}

	return c.JSON(fiber.Map{
		"users":  records,
		"active": active,
	})
}

// ListShapes 캔버스 도형 목록
func (h *CanvasHandler) ListShapes(c *fiber.Ctx) error {
	shapes, err := h.shapes.List(c.UserContext(), c.Params("canvasId"))
	if err != nil {
		log.Printf("[Canvas] Failed to list shapes: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "failed to get shapes")
	}

	return c.JSON(fiber.Map{
		"shapes": shapes,
		"total":  len(shapes),
	})
}

// CreateShape 도형 생성
func (h *CanvasHandler) CreateShape(c *fiber.Ctx) error {
	identity, _ := auth.IdentityFrom(c)

	var req CreateShapeRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid request body")
	}
	if !validShapeType(req.Type) {
		return errorJSON(c, fiber.StatusBadRequest, "invalid shape type")
	}

	shape := model.Shape{
		ID:        req.ID,
		CanvasID:  c.Params("canvasId"),
		Type:      req.Type,
		X:         req.X,
		Y:         req.Y,
		Width:     req.Width,
		Height:    req.Height,
		Rotation:  req.Rotation,
		Fill:      req.Fill,
		Text:      req.Text,
		ZIndex:    req.ZIndex,
		UpdatedBy: identity.UserID,
	}
	if err := h.shapes.Create(c.UserContext(), &shape); err != nil {
		log.Printf("[Canvas] Failed to create shape: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "failed to create shape")
	}

	return c.Status(fiber.StatusCreated).JSON(shape)
}

// UpdateShape 도형 부분 수정
func (h *CanvasHandler) UpdateShape(c *fiber.Ctx) error {
	identity, _ := auth.IdentityFrom(c)
	canvasID := c.Params("canvasId")
	shapeID := c.Params("shapeId")

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid request body")
	}
	if len(body) == 0 {
		return errorJSON(c, fiber.StatusBadRequest, "no fields to update")
	}

	fields := make(map[string]any, len(body)+1)
	for k, v := range body {
		column, ok := patchColumns[k]
		if !ok {
			return errorJSON(c, fiber.StatusBadRequest, "field not writable: "+k)
		}
		if column == "type" {
			s, _ := v.(string)
			if !validShapeType(model.ShapeType(s)) {
				return errorJSON(c, fiber.StatusBadRequest, "invalid shape type")
			}
		}
		fields[column] = v
	}
	fields["updated_by"] = identity.UserID

	if _, err := h.shapeIn(c, canvasID, shapeID); err != nil {
		return h.shapeError(c, err)
	}

	shape, err := h.shapes.Update(c.UserContext(), shapeID, fields)
	if err != nil {
		return h.shapeError(c, err)
	}
	return c.JSON(shape)
}

// DeleteShape 도형 삭제
func (h *CanvasHandler) DeleteShape(c *fiber.Ctx) error {
	canvasID := c.Params("canvasId")
	shapeID := c.Params("shapeId")

	if _, err := h.shapeIn(c, canvasID, shapeID); err != nil {
		return h.shapeError(c, err)
	}
	if err := h.shapes.Delete(c.UserContext(), shapeID); err != nil {
		return h.shapeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// shapeIn 다른 캔버스의 도형은 없는 것으로 취급
func (h *CanvasHandler) shapeIn(c *fiber.Ctx, canvasID, shapeID string) (*model.Shape, error) {
	shape, err := h.shapes.Get(c.UserContext(), shapeID)
	if err != nil {
		return nil, err
	}
	if shape.CanvasID != canvasID {
		return nil, durable.ErrNotFound
	}
	return shape, nil
}

func (h *CanvasHandler) shapeError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, durable.ErrNotFound):
		return errorJSON(c, fiber.StatusNotFound, "shape not found")
	case errors.Is(err, durable.ErrInvalidField):
		return errorJSON(c, fiber.StatusBadRequest, err.Error())
	default:
		log.Printf("[Canvas] Shape write failed: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "failed to save shape")
	}
}

// RunCommand AI 명령 실행
func (h *CanvasHandler) RunCommand(c *fiber.Ctx) error {
	identity, _ := auth.IdentityFrom(c)

	var req CommandRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		return errorJSON(c, fiber.StatusBadRequest, "command is required")
	}

	outcome, err := h.dispatcher.Run(c.UserContext(), c.Params("canvasId"), identity, req.Command)
	if err != nil {
		return h.commandError(c, err, outcome)
	}
	return c.JSON(outcome)
}

// UndoCommand 마지막 AI 변경 되돌리기
func (h *CanvasHandler) UndoCommand(c *fiber.Ctx) error {
	identity, _ := auth.IdentityFrom(c)

	action, err := h.dispatcher.Undo(c.UserContext(), c.Params("canvasId"), identity)
	if err != nil {
		return h.commandError(c, err, nil)
	}
	return c.JSON(fiber.Map{"undone": action})
}

// GetLock 현재 AI 잠금 상태
func (h *CanvasHandler) GetLock(c *fiber.Ctx) error {
	l, err := h.dispatcher.Lock(c.UserContext(), c.Params("canvasId"))
	if err != nil {
		log.Printf("[Canvas] Failed to read lock: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "failed to get lock")
	}
	return c.JSON(fiber.Map{
		"locked": l != nil,
		"lock":   l,
	})
}

// GetUndo 되돌릴 수 있는 마지막 AI 변경
func (h *CanvasHandler) GetUndo(c *fiber.Ctx) error {
	action, err := h.dispatcher.LastAction(c.UserContext(), c.Params("canvasId"))
	if errors.Is(err, undo.ErrEmpty) {
		return c.JSON(fiber.Map{"available": false})
	}
	if err != nil {
		log.Printf("[Canvas] Failed to read undo log: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "failed to get undo action")
	}
	return c.JSON(fiber.Map{
		"available": true,
		"action":    action,
	})
}

func (h *CanvasHandler) commandError(c *fiber.Ctx, err error, outcome *ai.Outcome) error {
	var held *lock.HeldError
	switch {
	case errors.As(err, &held):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":  held.Error(),
			"holder": held.Holder,
		})
	case errors.Is(err, lock.ErrLockHeld):
		return errorJSON(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, undo.ErrEmpty):
		return errorJSON(c, fiber.StatusNotFound, "nothing to undo")
	case errors.Is(err, ai.ErrUnavailable):
		return errorJSON(c, fiber.StatusServiceUnavailable, "ai assistant unavailable")
	case errors.Is(err, durable.ErrNotFound):
		return errorJSON(c, fiber.StatusNotFound, "shape not found")
	default:
		resp := fiber.Map{"error": "command failed"}
		if outcome != nil {
			resp["outcome"] = outcome
		}
		return c.Status(fiber.StatusBadGateway).JSON(resp)
	}
}

// ListNotices 미확인 알림 목록
func (h *CanvasHandler) ListNotices(c *fiber.Ctx) error {
	identity, _ := auth.IdentityFrom(c)
	notices := h.hub.Pending(identity.UserID)
	return c.JSON(fiber.Map{
		"notices": notices,
		"total":   len(notices),
	})
}

// DismissNotice 알림 확인 처리
func (h *CanvasHandler) DismissNotice(c *fiber.Ctx) error {
	identity, _ := auth.IdentityFrom(c)
	if !h.hub.Dismiss(identity.UserID, c.Params("id")) {
		return errorJSON(c, fiber.StatusNotFound, "notice not found")
	}
	return c.SendStatus(fiber.StatusNoContent)
}
