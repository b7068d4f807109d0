package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"canvas-realtime/internal/ephemeral"
	"canvas-realtime/internal/metrics"
	"canvas-realtime/internal/model"
)

// Identity 사용자 정보
type Identity = model.Identity

// Connection 탭(창) 하나의 접속 기록
type Connection struct {
	ConnectionID string `json:"connectionId"`
	CanvasID     string `json:"canvasId"`
	UserID       string `json:"userId"`
	DisplayName  string `json:"displayName"`
	Color        string `json:"color"`
	ConnectedAt  int64  `json:"connectedAt"` // unix ms
}

// Record 캔버스별 사용자 접속 상태 (삭제되지 않고 갱신만 됨)
type Record struct {
	CanvasID    string `json:"canvasId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	IsActive    bool   `json:"isActive"`
	LastSeen    int64  `json:"lastSeen"` // unix ms
}

// Options Service 설정
type Options struct {
	// ConnectionTTL 하트비트가 끊긴 접속 기록의 만료 시간 (0 이면 만료 없음)
	ConnectionTTL time.Duration
	Now           func() time.Time
}

// Service 접속 기록과 사용자별 접속 상태를 관리
type Service struct {
	store ephemeral.Store
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	monitors map[string]*monitor
	watchers map[string]*canvasWatcher
	keyLocks map[string]*keyLock
}

type monitor struct {
	refs        int
	unsubscribe func()
}

// canvasWatcher 캔버스 전체 접속 기록 구독. 핸들이 모두 해제된 뒤에도
// 남은 기록이 만료되어 사라질 때까지 유지된다.
type canvasWatcher struct {
	refs        int
	active      map[string]bool
	unsubscribe func()
}

type keyLock struct {
	mu    sync.Mutex
	users int
}

// NewService 생성자
func NewService(store ephemeral.Store, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    store,
		ttl:      opts.ConnectionTTL,
		now:      now,
		monitors: make(map[string]*monitor),
		watchers: make(map[string]*canvasWatcher),
		keyLocks: make(map[string]*keyLock),
	}
}

// Key 생성 유틸
func connectionPrefix(canvasID, userID string) string {
	return ephemeral.Prefix("connections", canvasID, userID)
}

func connectionPath(canvasID, userID, connectionID string) string {
	return ephemeral.Path("connections", canvasID, userID, connectionID)
}

func recordPath(canvasID, userID string) string {
	return ephemeral.Path("presence", canvasID, userID)
}

func monitorKey(canvasID, userID string) string {
	return canvasID + ":" + userID
}

// Handle 등록된 접속 하나
type Handle struct {
	ConnectionID string
	CanvasID     string
	UserID       string

	svc      *Service
	identity Identity
	disarm   []func()
	stop     func()
	unwatch  func()
	once     sync.Once

	// mu 하트비트와 해제를 직렬화. closed 이후에는 기록을 다시 쓰지 않는다.
	mu     sync.Mutex
	closed bool
}

// RegisterConnection 접속 등록.
// 정리 훅을 먼저 걸고 나서 접속 기록을 쓴다 (기록만 남고 정리가 안 걸린 구간 방지).
func (s *Service) RegisterConnection(ctx context.Context, hooks *ephemeral.DisconnectHooks, canvasID string, id Identity) (*Handle, error) {
	if canvasID == "" || id.UserID == "" {
		return nil, errors.New("presence: canvas and user are required")
	}

	h := &Handle{
		ConnectionID: uuid.NewString(),
		CanvasID:     canvasID,
		UserID:       id.UserID,
		svc:          s,
		identity:     id,
	}
	path := connectionPath(canvasID, id.UserID, h.ConnectionID)

	// 제거보다 먼저 닫아야 진행 중인 하트비트가 기록을 되살리지 못한다
	disarmClose, err := hooks.OnDisconnect(func(context.Context) {
		h.markClosed()
	})
	if err != nil {
		return nil, err
	}
	disarmRemove, err := hooks.OnDisconnectRemove(path)
	if err != nil {
		disarmClose()
		return nil, err
	}
	disarmFinish, err := hooks.OnDisconnect(func(ctx context.Context) {
		h.finish(ctx)
	})
	if err != nil {
		disarmClose()
		disarmRemove()
		return nil, err
	}
	h.disarm = []func(){disarmClose, disarmRemove, disarmFinish}

	if err := s.store.Set(ctx, path, s.connectionFor(h), s.ttl); err != nil {
		for _, disarm := range h.disarm {
			disarm()
		}
		return nil, fmt.Errorf("write connection: %w", err)
	}
	metrics.EphemeralWrites.WithLabelValues("set").Inc()

	if err := s.Recompute(ctx, canvasID, id); err != nil {
		log.Printf("[Presence] Failed to mark %s active on %s: %v", id.UserID, canvasID, err)
	}

	h.stop = s.MonitorAggregate(canvasID, id.UserID, id)
	h.unwatch = s.watchCanvas(canvasID)

	log.Printf("[Presence] Registered connection %s (canvas=%s, user=%s)", h.ConnectionID, canvasID, id.UserID)
	return h, nil
}

func (s *Service) connectionFor(h *Handle) Connection {
	return Connection{
		ConnectionID: h.ConnectionID,
		CanvasID:     h.CanvasID,
		UserID:       h.UserID,
		DisplayName:  h.identity.DisplayName,
		Color:        h.identity.Color,
		ConnectedAt:  s.now().UnixMilli(),
	}
}

// Release 접속 기록을 즉시 제거 (로그아웃 등 명시적 해제).
// 권한이 회수되어 제거에 실패하면 로그만 남기고 disconnect 훅에 정리를 맡긴다.
func (h *Handle) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		h.markClosed()
		path := connectionPath(h.CanvasID, h.UserID, h.ConnectionID)
		if rmErr := h.svc.store.Remove(ctx, path); rmErr != nil {
			if errors.Is(rmErr, ephemeral.ErrPermissionDenied) {
				log.Printf("[Presence] Release of %s denied, leaving cleanup to disconnect handler: %v", h.ConnectionID, rmErr)
				return
			}
			err = fmt.Errorf("remove connection: %w", rmErr)
			return
		}
		metrics.EphemeralWrites.WithLabelValues("remove").Inc()

		for _, disarm := range h.disarm {
			disarm()
		}
		h.finish(ctx)
	})
	return err
}

// markClosed 진행 중인 하트비트가 끝날 때까지 기다린 뒤 닫는다
func (h *Handle) markClosed() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// finish 상태 재계산 후 모니터 참조 해제
func (h *Handle) finish(ctx context.Context) {
	h.markClosed()
	if err := h.svc.Recompute(ctx, h.CanvasID, h.identity); err != nil {
		log.Printf("[Presence] Recompute after release failed (canvas=%s, user=%s): %v", h.CanvasID, h.UserID, err)
	}
	if h.stop != nil {
		h.stop()
	}
	if h.unwatch != nil {
		h.unwatch()
	}
}

// Heartbeat 생존 신고 (TTL 연장). 이미 만료된 기록은 다시 쓴다.
func (h *Handle) Heartbeat(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	err := h.touch(ctx)
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return h.svc.Recompute(ctx, h.CanvasID, h.identity)
}

// touch h.mu 를 잡은 상태에서 호출
func (h *Handle) touch(ctx context.Context) error {
	path := connectionPath(h.CanvasID, h.UserID, h.ConnectionID)
	ok, err := h.svc.store.Expire(ctx, path, h.svc.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return h.svc.store.Set(ctx, path, h.svc.connectionFor(h), h.svc.ttl)
	}
	return nil
}

// MonitorAggregate (canvasID, userID) 별 단일 구독을 참조 카운트로 공유.
// 반환된 함수로 참조를 해제하며, 0 이 되면 실제 구독을 정리한다.
func (s *Service) MonitorAggregate(canvasID, userID string, id Identity) func() {
	key := monitorKey(canvasID, userID)

	if id.UserID == "" {
		id.UserID = userID
	}

	s.mu.Lock()
	m, ok := s.monitors[key]
	if ok {
		m.refs++
	} else {
		m = &monitor{refs: 1}
		m.unsubscribe = s.store.Subscribe(connectionPrefix(canvasID, userID), func(ephemeral.Snapshot) {
			// 지연 전달된 스냅샷일 수 있으므로 잠금 안에서 다시 읽는다
			if err := s.Recompute(context.Background(), canvasID, id); err != nil {
				log.Printf("[Presence] Monitor write failed (canvas=%s, user=%s): %v", canvasID, userID, err)
			}
		})
		s.monitors[key] = m
		metrics.PresenceMonitors.Inc()
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.releaseMonitor(key, m) })
	}
}

func (s *Service) releaseMonitor(key string, m *monitor) {
	s.mu.Lock()
	m.refs--
	last := m.refs == 0
	if last {
		delete(s.monitors, key)
	}
	s.mu.Unlock()

	if last {
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		metrics.PresenceMonitors.Dec()
	}
}

// watchCanvas 캔버스 접속 기록 구독 참조를 잡는다.
// 핸들 없이 남은 기록의 TTL 만료도 여기서 상태 재계산으로 이어진다.
func (s *Service) watchCanvas(canvasID string) func() {
	s.mu.Lock()
	w, ok := s.watchers[canvasID]
	if ok {
		w.refs++
	} else {
		w = &canvasWatcher{refs: 1, active: make(map[string]bool)}
		s.watchers[canvasID] = w
		w.unsubscribe = s.store.Subscribe(ephemeral.Prefix("connections", canvasID), func(snap ephemeral.Snapshot) {
			s.onConnections(canvasID, w, snap)
		})
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.unwatchCanvas(canvasID, w) })
	}
}

func (s *Service) unwatchCanvas(canvasID string, w *canvasWatcher) {
	s.mu.Lock()
	w.refs--
	idle := w.refs == 0
	s.mu.Unlock()
	if !idle {
		return
	}

	// 남은 기록이 있으면 만료될 때까지 구독 유지
	snap, err := s.store.List(context.Background(), ephemeral.Prefix("connections", canvasID))
	if err == nil && len(snap) > 0 {
		return
	}
	s.stopWatcher(canvasID, w)
}

func (s *Service) stopWatcher(canvasID string, w *canvasWatcher) {
	s.mu.Lock()
	if w.refs > 0 || s.watchers[canvasID] != w {
		s.mu.Unlock()
		return
	}
	delete(s.watchers, canvasID)
	s.mu.Unlock()

	w.unsubscribe()
}

// onConnections 접속 유무가 바뀐 사용자만 재계산
func (s *Service) onConnections(canvasID string, w *canvasWatcher, snap ephemeral.Snapshot) {
	current := make(map[string]Identity)
	for path := range snap {
		var c Connection
		if ok, err := snap.Decode(path, &c); err == nil && ok && c.UserID != "" {
			current[c.UserID] = Identity{UserID: c.UserID, DisplayName: c.DisplayName, Color: c.Color}
		}
	}

	s.mu.Lock()
	var changed []Identity
	for userID, id := range current {
		if !w.active[userID] {
			changed = append(changed, id)
		}
	}
	for userID := range w.active {
		if _, ok := current[userID]; !ok {
			changed = append(changed, Identity{UserID: userID})
		}
	}
	w.active = make(map[string]bool, len(current))
	for userID := range current {
		w.active[userID] = true
	}
	s.mu.Unlock()

	for _, id := range changed {
		if err := s.Recompute(context.Background(), canvasID, id); err != nil {
			log.Printf("[Presence] Canvas watcher write failed (canvas=%s, user=%s): %v", canvasID, id.UserID, err)
		}
	}

	if len(current) == 0 {
		s.stopWatcher(canvasID, w)
	}
}

// WatcherCount 실행 중인 캔버스 구독 수
func (s *Service) WatcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// MonitorRefs 현재 참조 수 (모니터 없으면 0)
func (s *Service) MonitorRefs(canvasID, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.monitors[monitorKey(canvasID, userID)]; ok {
		return m.refs
	}
	return 0
}

// MonitorCount 실행 중인 실제 구독 수
func (s *Service) MonitorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// Recompute 접속 기록을 다시 읽어 접속 상태 갱신.
// 접속 수가 0 <-> 양수로 바뀔 때만 기록을 쓴다.
func (s *Service) Recompute(ctx context.Context, canvasID string, id Identity) error {
	key := monitorKey(canvasID, id.UserID)
	l := s.lockKey(key)
	defer s.unlockKey(key, l)

	snap, err := s.store.List(ctx, connectionPrefix(canvasID, id.UserID))
	if err != nil {
		return err
	}
	active := len(snap) > 0

	var current Record
	found, err := s.store.Get(ctx, recordPath(canvasID, id.UserID), &current)
	if err != nil {
		return err
	}
	if found && current.IsActive == active {
		return nil
	}
	// 접속한 적 없는 사용자의 기록은 만들지 않음
	if !found && !active {
		return nil
	}
	if found && id.DisplayName == "" {
		id.DisplayName, id.Color = current.DisplayName, current.Color
	}
	return s.writeRecord(ctx, canvasID, id, active)
}

// lockKey 사용자별 재계산 잠금. 쓰는 쪽이 없으면 unlockKey 에서 지운다.
func (s *Service) lockKey(key string) *keyLock {
	s.mu.Lock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &keyLock{}
		s.keyLocks[key] = l
	}
	l.users++
	s.mu.Unlock()

	l.mu.Lock()
	return l
}

func (s *Service) unlockKey(key string, l *keyLock) {
	l.mu.Unlock()

	s.mu.Lock()
	l.users--
	if l.users == 0 {
		delete(s.keyLocks, key)
	}
	s.mu.Unlock()
}

func (s *Service) writeRecord(ctx context.Context, canvasID string, id Identity, active bool) error {
	rec := Record{
		CanvasID:    canvasID,
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		Color:       id.Color,
		IsActive:    active,
		LastSeen:    s.now().UnixMilli(),
	}
	if err := s.store.Set(ctx, recordPath(canvasID, id.UserID), rec, 0); err != nil {
		return err
	}
	metrics.EphemeralWrites.WithLabelValues("set").Inc()

	state := "inactive"
	if active {
		state = "active"
	}
	metrics.PresenceTransitions.WithLabelValues(state).Inc()
	log.Printf("[Presence] %s is now %s on %s", id.UserID, state, canvasID)
	return nil
}

// SubscribePresence 캔버스의 접속 상태 테이블 구독 (userId 순 정렬)
func (s *Service) SubscribePresence(canvasID string, fn func([]Record)) func() {
	return s.store.Subscribe(ephemeral.Prefix("presence", canvasID), func(snap ephemeral.Snapshot) {
		fn(decodeRecords(snap))
	})
}

// Snapshot 현재 접속 상태 테이블 조회
func (s *Service) Snapshot(ctx context.Context, canvasID string) ([]Record, error) {
	snap, err := s.store.List(ctx, ephemeral.Prefix("presence", canvasID))
	if err != nil {
		return nil, err
	}
	return decodeRecords(snap), nil
}

// Connections 사용자의 현재 접속 기록 조회
func (s *Service) Connections(ctx context.Context, canvasID, userID string) ([]Connection, error) {
	snap, err := s.store.List(ctx, connectionPrefix(canvasID, userID))
	if err != nil {
		return nil, err
	}
	conns := make([]Connection, 0, len(snap))
	for path := range snap {
		var c Connection
		if ok, err := snap.Decode(path, &c); err == nil && ok {
			conns = append(conns, c)
		}
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ConnectedAt < conns[j].ConnectedAt })
	return conns, nil
}

func decodeRecords(snap ephemeral.Snapshot) []Record {
	records := make([]Record, 0, len(snap))
	for path := range snap {
		var rec Record
		if ok, err := snap.Decode(path, &rec); err == nil && ok {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	return records
}
