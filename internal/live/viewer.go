package live

import (
	"sync"

	"canvas-realtime/internal/durable"
	"canvas-realtime/internal/model"
	"canvas-realtime/internal/overlay"
)

// View 한 사용자에게 보이는 캔버스 상태
type View struct {
	Shapes []model.Shape             `json:"shapes"`
	Live   map[string]Position       `json:"live"`
	Local  map[string]map[string]any `json:"-"`
}

// Viewer 영속 스냅샷, 로컬 미확정 값, 다른 사용자의 실시간 위치를 합쳐 렌더링.
// 영속 스냅샷에 도형이 나타나면 그 도형의 로컬 값은 정리된다.
type Viewer struct {
	userID  string
	overlay *overlay.Overlay

	mu      sync.Mutex
	durable []model.Shape
	live    map[string]Position
	ready   bool

	emitMu   sync.Mutex
	onRender func(View)
	unsubs   []func()
	once     sync.Once
}

// NewViewer 캔버스 구독 시작. onRender 는 상태가 바뀔 때마다 호출된다 (nil 허용).
func NewViewer(shapes durable.ShapeStore, b *Broadcaster, canvasID, userID string, onRender func(View)) *Viewer {
	v := &Viewer{
		userID:   userID,
		overlay:  overlay.New(),
		live:     make(map[string]Position),
		onRender: onRender,
	}

	v.unsubs = append(v.unsubs,
		shapes.Subscribe(canvasID, v.onDurable),
		b.SubscribeLive(canvasID, v.onLive),
	)
	return v
}

func (v *Viewer) onDurable(snapshot []model.Shape) {
	v.mu.Lock()
	v.durable = snapshot
	v.ready = true
	v.overlay.Reconcile(snapshot)
	v.mu.Unlock()

	v.emit()
}

func (v *Viewer) onLive(positions map[string]Position) {
	v.mu.Lock()
	v.live = positions
	v.mu.Unlock()

	v.emit()
}

// Local 이 사용자가 로컬에서 바꾼 값 기록 (영속 스냅샷이 확인할 때까지 유지)
func (v *Viewer) Local(geoms []model.Geometry) {
	for _, g := range geoms {
		v.overlay.Apply(g.ShapeID, g.Fields())
	}
	v.emit()
}

// Render 현재 상태 계산
func (v *Viewer) Render() View {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.renderLocked()
}

func (v *Viewer) renderLocked() View {
	shapes := v.overlay.Render(v.durable)

	others := make(map[string]Position)
	for id, p := range v.live {
		// 자신의 변형은 로컬 값으로 이미 반영됨
		if p.UpdatedBy == v.userID {
			continue
		}
		others[id] = p
	}

	for i, s := range shapes {
		if p, ok := others[s.ID]; ok {
			s.X, s.Y, s.Width, s.Height, s.Rotation = p.X, p.Y, p.Width, p.Height, p.Rotation
			shapes[i] = s
		}
	}

	return View{Shapes: shapes, Live: others, Local: v.overlay.Pending()}
}

// PendingLocal 아직 확정되지 않은 로컬 값이 있는 도형 수
func (v *Viewer) PendingLocal() int {
	return v.overlay.Len()
}

func (v *Viewer) emit() {
	if v.onRender == nil {
		return
	}

	v.emitMu.Lock()
	defer v.emitMu.Unlock()

	v.mu.Lock()
	if !v.ready {
		v.mu.Unlock()
		return
	}
	view := v.renderLocked()
	v.mu.Unlock()

	v.onRender(view)
}

// Close 구독 해제
func (v *Viewer) Close() {
	v.once.Do(func() {
		for _, unsub := range v.unsubs {
			unsub()
		}
	})
}
