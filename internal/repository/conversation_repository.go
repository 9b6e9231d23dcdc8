// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"advisor-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ListOptions 控制会话列表的过滤和分页。
type ListOptions struct {
	BookmarkedOnly bool
	NewestFirst    bool
	Limit          int
	Offset         int
}

// ConversationRepository 定义了会话和消息表的持久化操作，所有方法都按 userID 限定范围。
type ConversationRepository interface {
	Create(ctx context.Context, conv *model.Conversation) error
	FindByID(ctx context.Context, userID string, id uint) (*model.Conversation, error)
	FindByIDs(ctx context.Context, userID string, ids []uint) ([]model.Conversation, error)
	List(ctx context.Context, userID string, opts ListOptions) ([]model.Conversation, error)
	AppendMessage(ctx context.Context, userID string, msg *model.Message) (*model.Conversation, error)
	GetMessages(ctx context.Context, userID string, conversationID uint) ([]model.Message, error)
	ToggleBookmark(ctx context.Context, userID string, id uint) (bool, error)
	Delete(ctx context.Context, userID string, id uint) error
	Search(ctx context.Context, userID, query string) ([]model.Conversation, error)
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

// Create 插入一条新的会话记录，ID 由数据库分配。
func (r *conversationRepository) Create(ctx context.Context, conv *model.Conversation) error {
	if conv.LastMessageAt.IsZero() {
		conv.LastMessageAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(conv).Error
}

// FindByID 查找属于 userID 的会话，不存在时返回 gorm.ErrRecordNotFound。
func (r *conversationRepository) FindByID(ctx context.Context, userID string, id uint) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// FindByIDs 批量查找，结果按最近消息时间倒序。
func (r *conversationRepository) FindByIDs(ctx context.Context, userID string, ids []uint) ([]model.Conversation, error) {
	var convs []model.Conversation
	if len(ids) == 0 {
		return convs, nil
	}
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND id IN ?", userID, ids).
		Order("last_message_at DESC").Order("id DESC").
		Find(&convs).Error
	return convs, err
}

// List 按 last_message_at 排序列出会话，id 作为第二排序键保证顺序稳定。
func (r *conversationRepository) List(ctx context.Context, userID string, opts ListOptions) ([]model.Conversation, error) {
	var convs []model.Conversation
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if opts.BookmarkedOnly {
		q = q.Where("is_bookmarked = ?", true)
	}
	desc := opts.NewestFirst
	q = q.Order(clause.OrderByColumn{Column: clause.Column{Name: "last_message_at"}, Desc: desc}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: desc})
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	err := q.Find(&convs).Error
	return convs, err
}

// AppendMessage 在一个事务里插入消息并更新会话的预览、时间和计数。
// 会话的第一条用户消息会重新生成标题。返回更新后的会话。
func (r *conversationRepository) AppendMessage(ctx context.Context, userID string, msg *model.Message) (*model.Conversation, error) {
	if msg.ConversationID == nil {
		return nil, gorm.ErrRecordNotFound
	}
	var conv model.Conversation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND user_id = ?", *msg.ConversationID, userID).First(&conv).Error; err != nil {
			return err
		}

		var priorUserTurns int64
		if msg.IsFromUser {
			if err := tx.Model(&model.Message{}).
				Where("conversation_id = ? AND is_from_user = ?", conv.ID, true).
				Count(&priorUserTurns).Error; err != nil {
				return err
			}
		}

		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		if err := tx.Create(msg).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"preview":         model.DerivePreview(msg),
			"updated_at":      time.Now(),
			"last_message_at": msg.Timestamp,
			"message_count":   gorm.Expr("message_count + ?", 1),
		}
		if msg.IsFromUser && priorUserTurns == 0 {
			updates["title"] = model.DeriveTitle(r.personaName(tx, conv.CharacterID), msg.Content)
		}
		if err := tx.Model(&model.Conversation{}).Where("id = ?", conv.ID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&conv, conv.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// personaName 取人物名用于标题，目录里没有时退回到 ID。
func (r *conversationRepository) personaName(tx *gorm.DB, characterID string) string {
	var p model.Persona
	if err := tx.Select("name").Where("id = ?", characterID).First(&p).Error; err != nil || p.Name == "" {
		return characterID
	}
	return p.Name
}

// GetMessages 返回会话的全部消息，按时间正序。
func (r *conversationRepository) GetMessages(ctx context.Context, userID string, conversationID uint) ([]model.Message, error) {
	if _, err := r.FindByID(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("timestamp ASC").
		Find(&msgs).Error
	return msgs, err
}

// ToggleBookmark 翻转收藏状态并返回新值。
func (r *conversationRepository) ToggleBookmark(ctx context.Context, userID string, id uint) (bool, error) {
	var next bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv model.Conversation
		if err := tx.Where("id = ? AND user_id = ?", id, userID).First(&conv).Error; err != nil {
			return err
		}
		next = !conv.IsBookmarked
		return tx.Model(&model.Conversation{}).Where("id = ?", id).Update("is_bookmarked", next).Error
	})
	return next, err
}

// Delete 先删消息再删会话。
func (r *conversationRepository) Delete(ctx context.Context, userID string, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv model.Conversation
		if err := tx.Where("id = ? AND user_id = ?", id, userID).First(&conv).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&model.Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Conversation{}, id).Error
	})
}

// Search 对标题和预览做不区分大小写的子串匹配，按最近消息时间倒序。
func (r *conversationRepository) Search(ctx context.Context, userID, query string) ([]model.Conversation, error) {
	var convs []model.Conversation
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("(LOWER(title) LIKE ? ESCAPE '!' OR LOWER(preview) LIKE ? ESCAPE '!')", pattern, pattern).
		Order("last_message_at DESC").Order("id DESC").
		Find(&convs).Error
	return convs, err
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

// IsNotFound 判断是否是记录不存在。
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
