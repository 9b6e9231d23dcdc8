// Package pipeline 把会话变更同步到搜索索引。
package pipeline

import (
	"context"
	"fmt"

	"advisor-go/internal/model"
	"advisor-go/internal/repository"
	"advisor-go/pkg/log"
	"advisor-go/pkg/tasks"
)

// Indexer 是搜索索引的写入端，由 es.ConversationIndex 实现。
type Indexer interface {
	Upsert(ctx context.Context, doc model.ConversationDocument) error
	Delete(ctx context.Context, conversationID uint) error
}

// Processor 封装了索引任务的所有依赖和逻辑。
type Processor struct {
	repo  repository.ConversationRepository
	index Indexer
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(repo repository.ConversationRepository, index Indexer) *Processor {
	return &Processor{repo: repo, index: index}
}

// Process 处理一个索引任务。任务只带 ID，文档内容总是从数据库重新读取，
// 所以重复或乱序的 upsert 最终都收敛到最新状态。
func (p *Processor) Process(ctx context.Context, task tasks.ConversationIndexTask) error {
	log.Debugf("[Processor] 处理索引任务: op=%s conversation=%d", task.Op, task.ConversationID)

	if task.Op == tasks.IndexDelete {
		return p.remove(ctx, task.ConversationID)
	}

	conv, err := p.repo.FindByID(ctx, task.UserID, task.ConversationID)
	if repository.IsNotFound(err) {
		// 会话在任务排队期间被删除
		return p.remove(ctx, task.ConversationID)
	}
	if err != nil {
		return fmt.Errorf("读取会话 %d 失败: %w", task.ConversationID, err)
	}
	if err := p.index.Upsert(ctx, model.NewConversationDocument(conv)); err != nil {
		return fmt.Errorf("索引会话 %d 失败: %w", task.ConversationID, err)
	}
	return nil
}

func (p *Processor) remove(ctx context.Context, conversationID uint) error {
	if err := p.index.Delete(ctx, conversationID); err != nil {
		return fmt.Errorf("从索引删除会话 %d 失败: %w", conversationID, err)
	}
	return nil
}

// PublishIndexTask 在不启用 Kafka 时直接同步处理任务，实现 service.IndexPublisher。
func (p *Processor) PublishIndexTask(ctx context.Context, task tasks.ConversationIndexTask) error {
	return p.Process(ctx, task)
}
