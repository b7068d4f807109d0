package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canvas-realtime/internal/auth"
	"canvas-realtime/internal/durable"
	"canvas-realtime/internal/live"
	"canvas-realtime/internal/lock"
	"canvas-realtime/internal/model"
	"canvas-realtime/internal/notify"
	"canvas-realtime/internal/presence"
	"canvas-realtime/internal/testutil"
)

var alice = model.Identity{UserID: "u1", DisplayName: "Alice", Color: "#ff0000"}

type wsTestServer struct {
	addr     string
	jwt      *auth.JWTManager
	presence *presence.Service
	live     *live.Broadcaster
	shapes   durable.ShapeStore
}

// newWSTestServer app.Test 는 업그레이드를 못 하므로 실제 리스너로 띄운다
func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()

	db := testutil.NewDB(t)
	store := testutil.NewEphemeral(t)
	hub := notify.NewHub()
	shapes := durable.NewGormShapeStore(db)
	presenceSvc := presence.NewService(store, presence.Options{ConnectionTTL: time.Minute})
	broadcaster := live.NewBroadcaster(store, shapes, hub, live.Options{})
	locks := lock.NewManager(store, lock.Options{LeaseTTL: time.Minute})
	jwt := auth.NewJWTManager("test-secret", time.Hour)

	h := NewCanvasWSHandler(store, presenceSvc, broadcaster, shapes, locks, hub, time.Minute)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/ws/canvas/:canvasId", auth.AuthMiddleware(jwt), websocket.New(h.HandleWebSocket))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.ShutdownWithTimeout(time.Second) })

	return &wsTestServer{
		addr:     ln.Addr().String(),
		jwt:      jwt,
		presence: presenceSvc,
		live:     broadcaster,
		shapes:   shapes,
	}
}

func (ts *wsTestServer) dial(t *testing.T, canvasID string, id model.Identity) *gorillaws.Conn {
	t.Helper()

	token, err := ts.jwt.GenerateAccessToken(id)
	require.NoError(t, err)

	conn, _, err := gorillaws.DefaultDialer.Dial("ws://"+ts.addr+"/ws/canvas/"+canvasID+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// 서버 이벤트는 버린다
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return conn
}

// connections Eventually 조건 안에서도 쓰므로 실패 시 -1
func (ts *wsTestServer) connections(canvasID, userID string) int {
	conns, err := ts.presence.Connections(context.Background(), canvasID, userID)
	if err != nil {
		return -1
	}
	return len(conns)
}

func (ts *wsTestServer) isActive(canvasID, userID string) (bool, bool) {
	records, err := ts.presence.Snapshot(context.Background(), canvasID)
	if err != nil {
		return false, false
	}
	for _, r := range records {
		if r.UserID == userID {
			return r.IsActive, true
		}
	}
	return false, false
}

func TestWebSocketPresenceAcrossTabs(t *testing.T) {
	ts := newWSTestServer(t)

	tab1 := ts.dial(t, "cv1", alice)
	tab2 := ts.dial(t, "cv1", alice)

	require.Eventually(t, func() bool {
		return ts.connections("cv1", "u1") == 2
	}, 2*time.Second, 10*time.Millisecond)
	active, ok := ts.isActive("cv1", "u1")
	require.True(t, ok)
	assert.True(t, active)

	require.NoError(t, tab1.Close())
	require.Eventually(t, func() bool {
		return ts.connections("cv1", "u1") == 1
	}, 2*time.Second, 10*time.Millisecond)
	active, _ = ts.isActive("cv1", "u1")
	assert.True(t, active, "closing one of two tabs keeps the user active")

	require.NoError(t, tab2.Close())
	require.Eventually(t, func() bool {
		active, ok := ts.isActive("cv1", "u1")
		return ok && !active
	}, 2*time.Second, 10*time.Millisecond, "closing the last tab marks the user inactive")
	assert.Equal(t, 0, ts.connections("cv1", "u1"))
}

func TestWebSocketDisconnectMidGestureRetractsLive(t *testing.T) {
	ctx := context.Background()
	ts := newWSTestServer(t)

	require.NoError(t, ts.shapes.Create(ctx, &model.Shape{
		ID: "s1", CanvasID: "cv1", Type: model.ShapeTypeRectangle, Width: 10, Height: 10,
	}))

	conn := ts.dial(t, "cv1", alice)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "live.update",
		"payload": map[string]any{
			"shapes": []map[string]any{{"shapeId": "s1", "x": 50, "y": 60, "width": 10, "height": 10}},
		},
	}))

	require.Eventually(t, func() bool {
		positions, err := ts.live.Positions(ctx, "cv1")
		if err != nil {
			return false
		}
		p, ok := positions["s1"]
		return ok && p.X == 50 && p.UpdatedBy == "u1"
	}, 2*time.Second, 10*time.Millisecond)

	// 커밋 없이 연결이 끊긴다
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		positions, err := ts.live.Positions(ctx, "cv1")
		return err == nil && len(positions) == 0
	}, 2*time.Second, 10*time.Millisecond, "in-flight transform is retracted on disconnect")

	require.Eventually(t, func() bool {
		active, ok := ts.isActive("cv1", "u1")
		return ok && !active
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsForeignShape(t *testing.T) {
	ctx := context.Background()
	ts := newWSTestServer(t)

	require.NoError(t, ts.shapes.Create(ctx, &model.Shape{
		ID: "other", CanvasID: "cv2", Type: model.ShapeTypeRectangle, X: 1,
	}))

	token, err := ts.jwt.GenerateAccessToken(alice)
	require.NoError(t, err)
	conn, _, err := gorillaws.DefaultDialer.Dial("ws://"+ts.addr+"/ws/canvas/cv1?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "live.update",
		"payload": map[string]any{
			"shapes": []map[string]any{{"shapeId": "other", "x": 500}},
		},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var ev struct {
			Type    string `json:"type"`
			Payload any    `json:"payload"`
		}
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == "error" {
			assert.Equal(t, "shape not on this canvas", ev.Payload)
			break
		}
	}

	positions, err := ts.live.Positions(ctx, "cv1")
	require.NoError(t, err)
	assert.Empty(t, positions)

	shape, err := ts.shapes.Get(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, float64(1), shape.X)
}
