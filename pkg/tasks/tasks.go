// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// IndexOp 是索引任务的操作类型。
type IndexOp string

const (
	IndexUpsert IndexOp = "upsert"
	IndexDelete IndexOp = "delete"
)

// ConversationIndexTask asks the indexer to refresh or drop one conversation
// in the search index. The indexer re-reads the row, so the task carries ids only.
type ConversationIndexTask struct {
	Op             IndexOp `json:"op"`
	ConversationID uint    `json:"conversation_id"`
	UserID         string  `json:"user_id"`
}
