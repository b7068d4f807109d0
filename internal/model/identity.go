package model

// Identity 신원 제공자가 넘겨주는 사용자 정보
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

// Name 표시 이름 (없으면 사용자 ID)
func (i Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.UserID
}
