package model

// Identity 是身份提供方给出的当前用户。网关只透传，不做鉴权。
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// Authenticated 表示是否拿到了可用的用户 ID。
func (i Identity) Authenticated() bool {
	return i.UserID != ""
}
