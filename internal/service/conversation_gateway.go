package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"advisor-go/internal/model"
	"advisor-go/internal/repository"
	"advisor-go/pkg/log"
	"advisor-go/pkg/tasks"
)

// GatewayErrorKind 是持久化错误的分类。
type GatewayErrorKind string

const (
	GatewayAuthRequired GatewayErrorKind = "auth-required"
	GatewayNotFound     GatewayErrorKind = "not-found"
	GatewayPersistence  GatewayErrorKind = "persistence"
)

// ErrAuthRequired 表示调用方没有可用的身份。
var ErrAuthRequired = errors.New("authentication required")

// GatewayError 包装一次失败的持久化操作。
type GatewayError struct {
	Op   string
	Kind GatewayErrorKind
	Err  error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// GatewayErrorKindOf 返回 err 的分类，不是 *GatewayError 时为空。
func GatewayErrorKindOf(err error) GatewayErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// ConversationSearcher 是可选的全文索引，返回命中的会话 ID。
type ConversationSearcher interface {
	Search(ctx context.Context, userID, query string) ([]uint, error)
}

// IndexPublisher 接收会话变更，用于异步刷新搜索索引。
type IndexPublisher interface {
	PublishIndexTask(ctx context.Context, task tasks.ConversationIndexTask) error
}

// ConversationGateway 是会话和消息的唯一写入方。所有操作都绑定到 owner，
// 网关本身不做鉴权，只把身份带到查询条件里。
type ConversationGateway interface {
	CreateConversation(ctx context.Context, owner model.Identity, persona *model.Persona, firstTurnText string) (*model.Conversation, error)
	AppendTurn(ctx context.Context, owner model.Identity, conversationID uint, turn model.Message) error
	GetConversation(ctx context.Context, owner model.Identity, conversationID uint) (*model.Conversation, error)
	ListConversations(ctx context.Context, owner model.Identity, opts repository.ListOptions) ([]model.Conversation, error)
	GetTurns(ctx context.Context, owner model.Identity, conversationID uint) ([]model.Message, error)
	ToggleBookmark(ctx context.Context, owner model.Identity, conversationID uint) (bool, error)
	DeleteConversation(ctx context.Context, owner model.Identity, conversationID uint) error
	SearchConversations(ctx context.Context, owner model.Identity, text string) ([]model.Conversation, error)
}

type conversationGateway struct {
	repo      repository.ConversationRepository
	searcher  ConversationSearcher
	publisher IndexPublisher
}

// NewConversationGateway 创建网关。searcher 和 publisher 可以为 nil。
func NewConversationGateway(repo repository.ConversationRepository, searcher ConversationSearcher, publisher IndexPublisher) ConversationGateway {
	return &conversationGateway{repo: repo, searcher: searcher, publisher: publisher}
}

func (g *conversationGateway) fail(op string, err error) error {
	if errors.Is(err, ErrAuthRequired) {
		return &GatewayError{Op: op, Kind: GatewayAuthRequired, Err: err}
	}
	if repository.IsNotFound(err) {
		return &GatewayError{Op: op, Kind: GatewayNotFound, Err: err}
	}
	return &GatewayError{Op: op, Kind: GatewayPersistence, Err: err}
}

func (g *conversationGateway) CreateConversation(ctx context.Context, owner model.Identity, persona *model.Persona, firstTurnText string) (*model.Conversation, error) {
	if !owner.Authenticated() {
		return nil, g.fail("create conversation", ErrAuthRequired)
	}
	conv := &model.Conversation{
		UserID:      owner.UserID,
		CharacterID: persona.ID,
		Title:       model.DeriveTitle(persona.Name, firstTurnText),
		Preview:     model.DerivePreview(&model.Message{Content: firstTurnText}),
	}
	if err := g.repo.Create(ctx, conv); err != nil {
		return nil, g.fail("create conversation", err)
	}
	g.publish(ctx, tasks.IndexUpsert, owner, conv.ID)
	return conv, nil
}

func (g *conversationGateway) AppendTurn(ctx context.Context, owner model.Identity, conversationID uint, turn model.Message) error {
	if !owner.Authenticated() {
		return g.fail("append turn", ErrAuthRequired)
	}
	turn.ConversationID = &conversationID
	if _, err := g.repo.AppendMessage(ctx, owner.UserID, &turn); err != nil {
		return g.fail("append turn", err)
	}
	g.publish(ctx, tasks.IndexUpsert, owner, conversationID)
	return nil
}

func (g *conversationGateway) GetConversation(ctx context.Context, owner model.Identity, conversationID uint) (*model.Conversation, error) {
	if !owner.Authenticated() {
		return nil, g.fail("get conversation", ErrAuthRequired)
	}
	conv, err := g.repo.FindByID(ctx, owner.UserID, conversationID)
	if err != nil {
		return nil, g.fail("get conversation", err)
	}
	return conv, nil
}

func (g *conversationGateway) ListConversations(ctx context.Context, owner model.Identity, opts repository.ListOptions) ([]model.Conversation, error) {
	if !owner.Authenticated() {
		return nil, g.fail("list conversations", ErrAuthRequired)
	}
	convs, err := g.repo.List(ctx, owner.UserID, opts)
	if err != nil {
		return nil, g.fail("list conversations", err)
	}
	return convs, nil
}

// GetTurns 返回按时间正序的消息，不依赖数据库的排序。
func (g *conversationGateway) GetTurns(ctx context.Context, owner model.Identity, conversationID uint) ([]model.Message, error) {
	if !owner.Authenticated() {
		return nil, g.fail("get turns", ErrAuthRequired)
	}
	msgs, err := g.repo.GetMessages(ctx, owner.UserID, conversationID)
	if err != nil {
		return nil, g.fail("get turns", err)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs, nil
}

func (g *conversationGateway) ToggleBookmark(ctx context.Context, owner model.Identity, conversationID uint) (bool, error) {
	if !owner.Authenticated() {
		return false, g.fail("toggle bookmark", ErrAuthRequired)
	}
	on, err := g.repo.ToggleBookmark(ctx, owner.UserID, conversationID)
	if err != nil {
		return false, g.fail("toggle bookmark", err)
	}
	g.publish(ctx, tasks.IndexUpsert, owner, conversationID)
	return on, nil
}

func (g *conversationGateway) DeleteConversation(ctx context.Context, owner model.Identity, conversationID uint) error {
	if !owner.Authenticated() {
		return g.fail("delete conversation", ErrAuthRequired)
	}
	if err := g.repo.Delete(ctx, owner.UserID, conversationID); err != nil {
		return g.fail("delete conversation", err)
	}
	g.publish(ctx, tasks.IndexDelete, owner, conversationID)
	return nil
}

// SearchConversations 依次尝试索引、SQL 和本地过滤，三者的匹配规则相同：
// 标题或预览包含 text（不区分大小写）。
func (g *conversationGateway) SearchConversations(ctx context.Context, owner model.Identity, text string) ([]model.Conversation, error) {
	if !owner.Authenticated() {
		return nil, g.fail("search conversations", ErrAuthRequired)
	}
	query := strings.TrimSpace(text)

	if g.searcher != nil && query != "" {
		ids, err := g.searcher.Search(ctx, owner.UserID, query)
		if err == nil {
			convs, err := g.repo.FindByIDs(ctx, owner.UserID, ids)
			if err == nil {
				return convs, nil
			}
			log.Warnf("[Gateway] failed to load indexed conversations: %v", err)
		} else {
			log.Warnf("[Gateway] search index unavailable, falling back to SQL: %v", err)
		}
	}

	convs, err := g.repo.Search(ctx, owner.UserID, query)
	if err == nil {
		return convs, nil
	}
	log.Warnf("[Gateway] SQL search failed, filtering client-side: %v", err)

	all, err := g.ListConversations(ctx, owner, repository.ListOptions{NewestFirst: true})
	if err != nil {
		return nil, err
	}
	return FilterConversations(all, query), nil
}

// FilterConversations 保留标题或预览包含 query 的会话，保持原有顺序。
func FilterConversations(convs []model.Conversation, query string) []model.Conversation {
	needle := strings.ToLower(query)
	out := make([]model.Conversation, 0, len(convs))
	for _, c := range convs {
		if strings.Contains(strings.ToLower(c.Title), needle) || strings.Contains(strings.ToLower(c.Preview), needle) {
			out = append(out, c)
		}
	}
	return out
}

func (g *conversationGateway) publish(ctx context.Context, op tasks.IndexOp, owner model.Identity, conversationID uint) {
	if g.publisher == nil {
		return
	}
	task := tasks.ConversationIndexTask{Op: op, ConversationID: conversationID, UserID: owner.UserID}
	if err := g.publisher.PublishIndexTask(ctx, task); err != nil {
		log.Warnw("failed to publish index task", "op", op, "conversation", conversationID, "error", err)
	}
}
