package model

import "time"

// ConversationDocument 是会话在 Elasticsearch 中的文档结构，只包含搜索用到的字段。
type ConversationDocument struct {
	ConversationID uint      `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	CharacterID    string    `json:"character_id"`
	Title          string    `json:"title"`
	Preview        string    `json:"preview"`
	IsBookmarked   bool      `json:"is_bookmarked"`
	LastMessageAt  time.Time `json:"last_message_at"`
}

// NewConversationDocument 从会话行构造索引文档。
func NewConversationDocument(c *Conversation) ConversationDocument {
	return ConversationDocument{
		ConversationID: c.ID,
		UserID:         c.UserID,
		CharacterID:    c.CharacterID,
		Title:          c.Title,
		Preview:        c.Preview,
		IsBookmarked:   c.IsBookmarked,
		LastMessageAt:  c.LastMessageAt,
	}
}
