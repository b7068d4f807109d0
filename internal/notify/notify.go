// Package notify delivers plain status and error notices to users.
package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level 알림 수준
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// maxPending 사용자별 보관하는 미확인 알림 수
const maxPending = 20

// Notice 사용자에게 보여줄 상태/오류 메시지
type Notice struct {
	ID          string    `json:"id"`
	CanvasID    string    `json:"canvasId"`
	UserID      string    `json:"userId"`
	Level       Level     `json:"level"`
	Message     string    `json:"message"`
	Dismissible bool      `json:"dismissible"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Notifier 알림 전달 인터페이스
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// Sink 알림을 받을 연결 (웹소켓 세션 등)
type Sink interface {
	SendNotice(n Notice) error
}

// Hub 사용자별 연결에 알림을 전달
type Hub struct {
	mu        sync.RWMutex
	sinks     map[string]map[Sink]bool // userID -> sinks
	pending   map[string][]Notice      // userID -> 미확인 알림
	listeners []func(Notice)
}

var _ Notifier = (*Hub)(nil)

// NewHub 생성자
func NewHub() *Hub {
	return &Hub{
		sinks:   make(map[string]map[Sink]bool),
		pending: make(map[string][]Notice),
	}
}

// Attach 사용자 연결 등록. 반환된 함수로 해제.
func (h *Hub) Attach(userID string, s Sink) func() {
	h.mu.Lock()
	if h.sinks[userID] == nil {
		h.sinks[userID] = make(map[Sink]bool)
	}
	h.sinks[userID][s] = true
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.sinks[userID], s)
		if len(h.sinks[userID]) == 0 {
			delete(h.sinks, userID)
		}
		h.mu.Unlock()
	}
}

// Listen 모든 알림을 받는 리스너 등록
func (h *Hub) Listen(fn func(Notice)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Notify 알림 전송. 전송 실패는 로그만 남긴다.
func (h *Hub) Notify(_ context.Context, n Notice) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.Level == "" {
		n.Level = LevelInfo
	}

	h.mu.Lock()
	if n.Dismissible {
		list := append(h.pending[n.UserID], n)
		if len(list) > maxPending {
			list = list[len(list)-maxPending:]
		}
		h.pending[n.UserID] = list
	}
	sinks := make([]Sink, 0, len(h.sinks[n.UserID]))
	for s := range h.sinks[n.UserID] {
		sinks = append(sinks, s)
	}
	listeners := append([]func(Notice){}, h.listeners...)
	h.mu.Unlock()

	for _, s := range sinks {
		if err := s.SendNotice(n); err != nil {
			log.Printf("[Notify] Failed to deliver notice to %s: %v", n.UserID, err)
		}
	}
	for _, fn := range listeners {
		fn(n)
	}
}

// Pending 미확인 알림 목록
func (h *Hub) Pending(userID string) []Notice {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Notice(nil), h.pending[userID]...)
}

// Dismiss 알림 확인 처리
func (h *Hub) Dismiss(userID, noticeID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.pending[userID]
	for i, n := range list {
		if n.ID == noticeID {
			h.pending[userID] = append(list[:i:i], list[i+1:]...)
			if len(h.pending[userID]) == 0 {
				delete(h.pending, userID)
			}
			return true
		}
	}
	return false
}

// ConnectedUsers 연결된 사용자 수
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// Busy 다른 사용자가 AI 명령을 실행 중일 때의 알림 문구
func Busy(holder string) string {
	return "busy with " + holder + "'s command"
}

// SaveFailed 위치 저장 실패 알림 문구
const SaveFailed = "failed to save position"
