// Package ai runs natural-language canvas commands through the assistant
// service. Each command holds the canvas's AI lock for its whole run, applies
// the returned mutations to the durable store and records their inverse in
// the single-slot undo log.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"canvas-realtime/internal/durable"
	"canvas-realtime/internal/lock"
	"canvas-realtime/internal/model"
	"canvas-realtime/internal/notify"
	"canvas-realtime/internal/undo"
)

// Mutation 종류
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// CommandRequest 어시스턴트에 보내는 요청
type CommandRequest struct {
	CanvasID    string        `json:"canvasId"`
	UserID      string        `json:"userId"`
	DisplayName string        `json:"displayName"`
	Command     string        `json:"command"`
	Shapes      []model.Shape `json:"shapes"`
}

// Mutation 어시스턴트가 돌려준 변경 하나
type Mutation struct {
	Op     string         `json:"op"`
	ID     string         `json:"id,omitempty"`
	Shape  *model.Shape   `json:"shape,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// CommandResult 어시스턴트 응답
type CommandResult struct {
	Message   string     `json:"message"`
	Mutations []Mutation `json:"mutations"`
}

// Executor 어시스턴트 호출 인터페이스
type Executor interface {
	Execute(ctx context.Context, req CommandRequest) (*CommandResult, error)
	Health(ctx context.Context) error
}

// Outcome 명령 실행 결과
type Outcome struct {
	Message string            `json:"message"`
	Applied int               `json:"applied"`
	Undo    *model.UndoAction `json:"undo,omitempty"`
}

// Dispatcher AI 명령 실행기
type Dispatcher struct {
	exec     Executor
	locks    *lock.Manager
	shapes   durable.ShapeStore
	undo     *undo.Log
	notifier notify.Notifier
	timeout  time.Duration
}

// NewDispatcher 생성자
func NewDispatcher(exec Executor, locks *lock.Manager, shapes durable.ShapeStore, undoLog *undo.Log, notifier notify.Notifier, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Dispatcher{
		exec:     exec,
		locks:    locks,
		shapes:   shapes,
		undo:     undoLog,
		notifier: notifier,
		timeout:  timeout,
	}
}

// Executor 사용 중인 어시스턴트 클라이언트
func (d *Dispatcher) Executor() Executor {
	return d.exec
}

// Run 잠금을 잡고 명령 실행. 다른 사용자가 실행 중이면 알림 후 lock.ErrLockHeld 계열 오류 반환.
func (d *Dispatcher) Run(ctx context.Context, canvasID string, id model.Identity, command string) (*Outcome, error) {
	var outcome *Outcome

	err := d.locks.Run(ctx, canvasID, id, command, func(ctx context.Context, _ *lock.AILock) error {
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		shapes, err := d.shapes.List(ctx, canvasID)
		if err != nil {
			return err
		}

		result, err := d.exec.Execute(ctx, CommandRequest{
			CanvasID:    canvasID,
			UserID:      id.UserID,
			DisplayName: id.DisplayName,
			Command:     command,
			Shapes:      shapes,
		})
		if err != nil {
			return err
		}

		payload, applied, applyErr := d.apply(ctx, canvasID, id.UserID, result.Mutations)
		outcome = &Outcome{Message: result.Message, Applied: applied}

		// 일부만 적용되었어도 적용된 만큼은 되돌릴 수 있어야 함
		if applied > 0 {
			action, err := undo.NewAction(canvasID, id.UserID, command, payload)
			if err != nil {
				return errors.Join(applyErr, err)
			}
			if err := d.undo.Save(context.WithoutCancel(ctx), action); err != nil {
				return errors.Join(applyErr, err)
			}
			outcome.Undo = action
		}
		return applyErr
	})
	if err != nil {
		d.report(ctx, canvasID, id, err)
		return outcome, err
	}

	log.Printf("[AI] %s ran %q on %s (%d mutation(s))", id.UserID, command, canvasID, outcome.Applied)
	return outcome, nil
}

// apply 변경을 영속 저장소에 반영하고 역연산 payload 생성.
// 도형마다 명령 실행 전 상태 하나만 기록한다: 생성된 도형은 Created, 기존 도형은 첫 변경 직전의 스냅샷.
func (d *Dispatcher) apply(ctx context.Context, canvasID, userID string, mutations []Mutation) (model.UndoPayload, int, error) {
	var payload model.UndoPayload
	snapshotted := make(map[string]bool)
	applied := 0

	for _, m := range mutations {
		switch m.Op {
		case OpCreate:
			if m.Shape == nil {
				return payload, applied, fmt.Errorf("create mutation without shape")
			}
			shape := *m.Shape
			shape.CanvasID = canvasID
			shape.UpdatedBy = userID
			if err := d.shapes.Create(ctx, &shape); err != nil {
				return payload, applied, err
			}
			payload.Created = append(payload.Created, shape.ID)
			snapshotted[shape.ID] = true

		case OpUpdate:
			before, err := d.ownShape(ctx, canvasID, m.ID)
			if err != nil {
				return payload, applied, err
			}
			fields := make(map[string]any, len(m.Fields)+1)
			for k, v := range m.Fields {
				fields[k] = v
			}
			fields["updated_by"] = userID
			if _, err := d.shapes.Update(ctx, m.ID, fields); err != nil {
				return payload, applied, err
			}
			if !snapshotted[m.ID] {
				payload.Updated = append(payload.Updated, *before)
				snapshotted[m.ID] = true
			}

		case OpDelete:
			before, err := d.ownShape(ctx, canvasID, m.ID)
			if err != nil {
				return payload, applied, err
			}
			if err := d.shapes.Delete(ctx, m.ID); err != nil {
				return payload, applied, err
			}
			// 같은 명령에서 이미 생성/수정된 도형은 최초 상태만 남긴다
			if !snapshotted[m.ID] {
				payload.Deleted = append(payload.Deleted, *before)
				snapshotted[m.ID] = true
			}

		default:
			return payload, applied, fmt.Errorf("unknown mutation op %q", m.Op)
		}
		applied++
	}
	return payload, applied, nil
}

func (d *Dispatcher) ownShape(ctx context.Context, canvasID, id string) (*model.Shape, error) {
	shape, err := d.shapes.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if shape.CanvasID != canvasID {
		return nil, durable.ErrNotFound
	}
	return shape, nil
}

// Undo 마지막 AI 변경을 되돌림 (잠금 필요)
func (d *Dispatcher) Undo(ctx context.Context, canvasID string, id model.Identity) (*model.UndoAction, error) {
	var undone *model.UndoAction

	err := d.locks.Run(ctx, canvasID, id, "undo", func(ctx context.Context, _ *lock.AILock) error {
		action, err := d.undo.Get(ctx, canvasID)
		if err != nil {
			return err
		}
		payload, err := undo.DecodePayload(action)
		if err != nil {
			return err
		}

		for _, shapeID := range payload.Created {
			if err := d.shapes.Delete(ctx, shapeID); err != nil && !errors.Is(err, durable.ErrNotFound) {
				return err
			}
		}
		for _, before := range payload.Updated {
			if err := d.shapes.Upsert(ctx, &before); err != nil {
				return err
			}
		}
		for _, deleted := range payload.Deleted {
			if err := d.shapes.Upsert(ctx, &deleted); err != nil {
				return err
			}
		}

		if _, err := d.undo.Delete(ctx, action.ID); err != nil {
			return err
		}
		undone = action
		return nil
	})
	if err != nil {
		d.report(ctx, canvasID, id, err)
		return nil, err
	}

	log.Printf("[AI] %s undid %q on %s", id.UserID, undone.Command, canvasID)
	return undone, nil
}

// LastAction 되돌릴 수 있는 마지막 기록
func (d *Dispatcher) LastAction(ctx context.Context, canvasID string) (*model.UndoAction, error) {
	return d.undo.Get(ctx, canvasID)
}

// Lock 현재 잠금 상태
func (d *Dispatcher) Lock(ctx context.Context, canvasID string) (*lock.AILock, error) {
	l, err := d.locks.Current(ctx, canvasID)
	if err != nil || l == nil {
		return nil, err
	}
	pub := l.Public()
	return &pub, nil
}

// Locks 잠금 관리자 (구독용)
func (d *Dispatcher) Locks() *lock.Manager {
	return d.locks
}

// report 요청한 사용자에게 실패 알림
func (d *Dispatcher) report(ctx context.Context, canvasID string, id model.Identity, err error) {
	if d.notifier == nil {
		return
	}

	n := notify.Notice{
		CanvasID: canvasID,
		UserID:   id.UserID,
		Level:    notify.LevelError,
		Message:  err.Error(),
	}

	var held *lock.HeldError
	switch {
	case errors.As(err, &held):
		n.Level = notify.LevelWarning
		n.Message = notify.Busy(held.Holder.DisplayName)
		if held.Holder.DisplayName == "" {
			n.Message = notify.Busy(held.Holder.UserID)
		}
	case errors.Is(err, undo.ErrEmpty):
		n.Level = notify.LevelInfo
		n.Message = "nothing to undo"
	default:
		n.Dismissible = true
		log.Printf("[AI] Command failed on %s: %v", canvasID, err)
	}
	d.notifier.Notify(context.WithoutCancel(ctx), n)
}
