package model

// ShapeType 도형 종류
type ShapeType string

const (
	ShapeTypeRectangle ShapeType = "rectangle"
	ShapeTypeCircle    ShapeType = "circle"
	ShapeTypeLine      ShapeType = "line"
	ShapeTypeText      ShapeType = "text"
)

// UndoActionType 되돌리기 가능한 AI 변경 종류
type UndoActionType string

const (
	UndoActionCreate UndoActionType = "CREATE" // AI가 도형 생성 -> 되돌리면 삭제
	UndoActionUpdate UndoActionType = "UPDATE" // AI가 도형 수정 -> 되돌리면 이전 값 복원
	UndoActionDelete UndoActionType = "DELETE" // AI가 도형 삭제 -> 되돌리면 재생성
	UndoActionMixed  UndoActionType = "MIXED"  // 여러 종류가 섞인 배치
)

// String 메서드
func (s ShapeType) String() string {
	return string(s)
}

func (a UndoActionType) String() string {
	return string(a)
}
