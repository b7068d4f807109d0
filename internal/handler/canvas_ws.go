package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"canvas-realtime/internal/durable"
	"canvas-realtime/internal/ephemeral"
	"canvas-realtime/internal/live"
	"canvas-realtime/internal/lock"
	"canvas-realtime/internal/metrics"
	"canvas-realtime/internal/model"
	"canvas-realtime/internal/notify"
	"canvas-realtime/internal/presence"
)

// CanvasWSHandler 캔버스 실시간 WebSocket 핸들러
type CanvasWSHandler struct {
	store     ephemeral.Store
	presence  *presence.Service
	live      *live.Broadcaster
	shapes    durable.ShapeStore
	locks     *lock.Manager
	hub       *notify.Hub
	heartbeat time.Duration
}

// NewCanvasWSHandler CanvasWSHandler 생성
func NewCanvasWSHandler(store ephemeral.Store, presenceSvc *presence.Service, broadcaster *live.Broadcaster, shapes durable.ShapeStore, locks *lock.Manager, hub *notify.Hub, heartbeat time.Duration) *CanvasWSHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &CanvasWSHandler{
		store:     store,
		presence:  presenceSvc,
		live:      broadcaster,
		shapes:    shapes,
		locks:     locks,
		hub:       hub,
		heartbeat: heartbeat,
	}
}

// CanvasWSMessage 캔버스 WebSocket 메시지
type CanvasWSMessage struct {
	Type    string          `json:"type"` // live.update, live.commit, live.abandon, heartbeat, ping, notice.dismiss
	Payload json.RawMessage `json:"payload,omitempty"`
}

// 서버 -> 클라이언트 이벤트
type canvasEvent struct {
	Type    string `json:"type"` // presence, live, shapes, lock, notice, pong, error
	Payload any    `json:"payload,omitempty"`
}

type geometryPayload struct {
	Shapes []model.Geometry `json:"shapes"`
}

type abandonPayload struct {
	ShapeIDs []string `json:"shapeIds"`
}

type dismissPayload struct {
	ID string `json:"id"`
}

// canvasSession 연결 하나의 상태
type canvasSession struct {
	conn     *websocket.Conn
	canvasID string
	identity model.Identity
	writeMu  sync.Mutex

	mu       sync.Mutex
	inFlight map[string]bool // 커밋 전인 제스처의 도형
}

func (s *canvasSession) send(eventType string, payload any) {
	data, err := json.Marshal(canvasEvent{Type: eventType, Payload: payload})
	if err != nil {
		log.Printf("[CanvasWS] Failed to marshal %s event: %v", eventType, err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[CanvasWS] Write failed (canvas=%s, user=%s): %v", s.canvasID, s.identity.UserID, err)
	}
}

// SendNotice notify.Sink 구현 (다른 캔버스 알림은 무시)
func (s *canvasSession) SendNotice(n notify.Notice) error {
	if n.CanvasID != "" && n.CanvasID != s.canvasID {
		return nil
	}
	s.send("notice", n)
	return nil
}

func (s *canvasSession) track(geoms []model.Geometry, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range geoms {
		if active {
			s.inFlight[g.ShapeID] = true
		} else {
			delete(s.inFlight, g.ShapeID)
		}
	}
}

func (s *canvasSession) untrack(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.inFlight, id)
	}
}

func (s *canvasSession) pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// HandleWebSocket WebSocket 연결 처리
func (h *CanvasWSHandler) HandleWebSocket(c *websocket.Conn) {
	// 패닉 복구 - 서버 크래시 방지
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[CanvasWS] Recovered from panic: %v", r)
		}
	}()

	identity, ok := c.Locals("identity").(model.Identity)
	canvasID := c.Params("canvasId")
	if !ok || canvasID == "" {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":"invalid session"}`))
		c.Close()
		return
	}

	metrics.Sessions.Inc()
	defer metrics.Sessions.Dec()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := &canvasSession{
		conn:     c,
		canvasID: canvasID,
		identity: identity,
		inFlight: make(map[string]bool),
	}

	// 연결 종료 시 정리 작업 (기록보다 먼저 걸어둔다)
	hooks := ephemeral.NewDisconnectHooks(h.store)
	defer hooks.Fire(context.Background())

	if _, err := hooks.OnDisconnect(func(ctx context.Context) {
		if ids := session.pending(); len(ids) > 0 {
			h.live.Abandon(ctx, canvasID, ids)
		}
	}); err != nil {
		return
	}

	handle, err := h.presence.RegisterConnection(ctx, hooks, canvasID, identity)
	if err != nil {
		log.Printf("[CanvasWS] Failed to register connection (canvas=%s, user=%s): %v", canvasID, identity.UserID, err)
		session.send("error", "failed to register connection")
		return
	}

	log.Printf("[CanvasWS] Connected: canvas=%s, user=%s, conn=%s", canvasID, identity.UserID, handle.ConnectionID)

	viewer := live.NewViewer(h.shapes, h.live, canvasID, identity.UserID, func(v live.View) {
		session.send("shapes", v.Shapes)
	})
	defer viewer.Close()

	unsubscribers := []func(){
		h.presence.SubscribePresence(canvasID, func(records []presence.Record) {
			session.send("presence", records)
		}),
		h.live.SubscribeLive(canvasID, func(positions map[string]live.Position) {
			session.send("live", positions)
		}),
		h.locks.Subscribe(canvasID, func(l *lock.AILock) {
			session.send("lock", l)
		}),
		h.hub.Attach(identity.UserID, session),
	}
	defer func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
	}()

	// 미확인 알림 재전송
	for _, n := range h.hub.Pending(identity.UserID) {
		session.SendNotice(n)
	}

	go h.heartbeatLoop(ctx, handle)

	defer func() {
		// 하트비트가 해제된 기록을 되살리지 않도록 먼저 중단
		cancel()
		if err := handle.Release(context.Background()); err != nil {
			log.Printf("[CanvasWS] Release failed (conn=%s): %v", handle.ConnectionID, err)
		}
		log.Printf("[CanvasWS] Disconnected: canvas=%s, user=%s, conn=%s", canvasID, identity.UserID, handle.ConnectionID)
	}()

	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			break
		}

		var msg CanvasWSMessage
		if err := json.Unmarshal(msgBytes, &msg); err != nil {
			session.send("error", "invalid message")
			continue
		}

		h.dispatch(ctx, session, viewer, handle, msg)
	}
}

func (h *CanvasWSHandler) dispatch(ctx context.Context, s *canvasSession, viewer *live.Viewer, handle *presence.Handle, msg CanvasWSMessage) {
	switch msg.Type {
	case "live.update":
		var p geometryPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || len(p.Shapes) == 0 {
			s.send("error", "invalid live.update payload")
			return
		}
		s.track(p.Shapes, true)
		viewer.Local(p.Shapes)
		if err := h.live.Update(ctx, s.canvasID, s.identity.UserID, p.Shapes); errors.Is(err, live.ErrForeignShape) {
			s.send("error", "shape not on this canvas")
		}

	case "live.commit":
		var p geometryPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || len(p.Shapes) == 0 {
			s.send("error", "invalid live.commit payload")
			return
		}
		viewer.Local(p.Shapes)
		// 실패는 Broadcaster 가 알림으로 전달
		if err := h.live.Commit(ctx, s.canvasID, s.identity.UserID, p.Shapes); err != nil {
			log.Printf("[CanvasWS] Commit failed (canvas=%s, user=%s): %v", s.canvasID, s.identity.UserID, err)
			if errors.Is(err, live.ErrForeignShape) {
				s.send("error", "shape not on this canvas")
			}
		}
		s.track(p.Shapes, false)

	case "live.abandon":
		var p abandonPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			s.send("error", "invalid live.abandon payload")
			return
		}
		h.live.Abandon(ctx, s.canvasID, p.ShapeIDs)
		s.untrack(p.ShapeIDs)

	case "heartbeat":
		if err := handle.Heartbeat(ctx); err != nil {
			log.Printf("[CanvasWS] Heartbeat failed (conn=%s): %v", handle.ConnectionID, err)
		}

	case "notice.dismiss":
		var p dismissPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			h.hub.Dismiss(s.identity.UserID, p.ID)
		}

	case "ping":
		s.send("pong", nil)

	default:
		s.send("error", "unknown message type: "+msg.Type)
	}
}

// heartbeatLoop 클라이언트 하트비트와 별개로 서버도 주기적으로 TTL 연장
func (h *CanvasWSHandler) heartbeatLoop(ctx context.Context, handle *presence.Handle) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := handle.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[CanvasWS] Heartbeat failed (conn=%s): %v", handle.ConnectionID, err)
			}
		}
	}
}
