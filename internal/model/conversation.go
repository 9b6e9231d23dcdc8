// Package model 包含了应用的数据模型定义。
package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxTitleLength   = 60
	MaxPreviewLength = 100
)

// AuthorRole 区分一条消息是用户发的还是人物回复的。
type AuthorRole string

const (
	RoleUser    AuthorRole = "user"
	RolePersona AuthorRole = "persona"
)

// Conversation 对应 conversations 表。title/preview 是派生字段，只由网关重算。
type Conversation struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	UserID        string    `gorm:"column:user_id;type:varchar(64);index;not null" json:"userId"`
	CharacterID   string    `gorm:"column:character_id;type:varchar(64);index;not null" json:"characterId"`
	Title         string    `gorm:"type:varchar(255)" json:"title"`
	Preview       string    `gorm:"type:varchar(255)" json:"preview"`
	IsBookmarked  bool      `gorm:"column:is_bookmarked;not null;default:false" json:"isBookmarked"`
	MessageCount  int       `gorm:"column:message_count;not null;default:0" json:"messageCount"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
	LastMessageAt time.Time `gorm:"column:last_message_at;index" json:"lastMessageAt"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Message 是一轮对话（Turn），对应 conversation_messages 表。
// Content 只在流式输出期间追加，完成后冻结。
type Message struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ConversationID *uint     `gorm:"column:conversation_id;index" json:"conversationId,omitempty"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	SenderID       string    `gorm:"column:sender_id;type:varchar(64)" json:"senderId"`
	SenderName     string    `gorm:"column:sender_name;type:varchar(128)" json:"senderName"`
	IsFromUser     bool      `gorm:"column:is_from_user;not null" json:"isFromUser"`
	Timestamp      time.Time `gorm:"column:timestamp;index" json:"timestamp"`
	ImageURL       *string   `gorm:"column:image_url;type:varchar(1024)" json:"imageUrl,omitempty"`
	ImageName      *string   `gorm:"column:image_name;type:varchar(255)" json:"imageName,omitempty"`
	HasImage       bool      `gorm:"column:has_image;not null;default:false" json:"hasImage"`
}

func (Message) TableName() string {
	return "conversation_messages"
}

// Role 由 IsFromUser 推导。
func (m Message) Role() AuthorRole {
	if m.IsFromUser {
		return RoleUser
	}
	return RolePersona
}

// Attachment 是一张已经上传到媒体存储的图片。
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Attach 设置图片字段并同步 HasImage。
func (m *Message) Attach(a *Attachment) {
	if a == nil || a.URL == "" {
		m.ImageURL, m.ImageName, m.HasImage = nil, nil, false
		return
	}
	url, name := a.URL, a.Name
	m.ImageURL = &url
	if name != "" {
		m.ImageName = &name
	}
	m.HasImage = true
}

// ImageLabel 返回图片的展示名，没有名字时为 "Image"。
func (m Message) ImageLabel() string {
	if m.ImageName != nil && *m.ImageName != "" {
		return *m.ImageName
	}
	return "Image"
}

// DeriveTitle 由人物名和第一条用户消息生成会话标题。
func DeriveTitle(personaName, firstTurnText string) string {
	text := collapseSpaces(firstTurnText)
	if text == "" {
		return Truncate(fmt.Sprintf("Conversation with %s", personaName), MaxTitleLength)
	}
	return Truncate(fmt.Sprintf("%s: %s", personaName, text), MaxTitleLength)
}

// DerivePreview 由最近一条消息生成会话预览，带图片的消息加前缀。
func DerivePreview(m *Message) string {
	text := collapseSpaces(m.Content)
	if m.HasImage {
		if text == "" {
			text = "[Image] " + m.ImageLabel()
		} else {
			text = "[Image] " + text
		}
	}
	return Truncate(text, MaxPreviewLength)
}

// Truncate 按字符截断，超长时以 "..." 结尾。
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	if max <= 3 {
		return string([]rune(s)[:max])
	}
	return string([]rune(s)[:max-3]) + "..."
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
