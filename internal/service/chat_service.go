// Package service 包含了应用的业务逻辑层。
package service

import (
	"time"

	"advisor-go/internal/config"
	"advisor-go/internal/model"
	"advisor-go/internal/repository"
	"advisor-go/pkg/llm"

	"github.com/google/uuid"
)

const defaultHistoryPairs = 10

// ChatService 为每个打开的聊天界面创建一个会话。
type ChatService interface {
	NewSession(owner model.Identity) *ChatSession
}

type chatService struct {
	catalog   PersonaCatalog
	gateway   ConversationGateway
	llmClient llm.Client
	history   repository.HistoryStore
	cfg       config.SessionConfig
}

// NewChatService 创建一个新的 ChatService 实例。history 为 nil 时使用进程内存储。
func NewChatService(catalog PersonaCatalog, gateway ConversationGateway, llmClient llm.Client, history repository.HistoryStore, cfg config.SessionConfig) ChatService {
	if history == nil {
		history = repository.NewMemoryHistoryStore()
	}
	return &chatService{
		catalog:   catalog,
		gateway:   gateway,
		llmClient: llmClient,
		history:   history,
		cfg:       cfg,
	}
}

// NewSession 创建一个空会话，调用 Open 之后才能发送消息。
func (s *chatService) NewSession(owner model.Identity) *ChatSession {
	pairs := s.cfg.HistoryPairs
	if pairs <= 0 {
		pairs = defaultHistoryPairs
	}
	timeout := s.cfg.PersistTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ChatSession{
		id:             uuid.NewString(),
		owner:          owner,
		catalog:        s.catalog,
		gateway:        s.gateway,
		llmClient:      s.llmClient,
		history:        s.history,
		historyPairs:   pairs,
		persistTimeout: timeout,
		streaming:      s.cfg.Streaming,
		subs:           make(map[*Subscription]struct{}),
	}
}
