package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"advisor-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// HistoryStore 保存每个会话的滚动上下文窗口。
type HistoryStore interface {
	Get(ctx context.Context, key string) ([]model.HistoryPair, error)
	Put(ctx context.Context, key string, pairs []model.HistoryPair) error
}

type redisHistoryRepository struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewHistoryRepository 创建一个 Redis 实现的 HistoryStore，ttl <= 0 时默认 7 天。
func NewHistoryRepository(redisClient *redis.Client, ttl time.Duration) HistoryStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &redisHistoryRepository{redisClient: redisClient, ttl: ttl}
}

func historyKey(key string) string {
	return fmt.Sprintf("history:%s", key)
}

// Get 从 Redis 获取滚动历史，不存在时返回空。
func (r *redisHistoryRepository) Get(ctx context.Context, key string) ([]model.HistoryPair, error) {
	jsonData, err := r.redisClient.Get(ctx, historyKey(key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rolling history: %w", err)
	}
	var pairs []model.HistoryPair
	if err := json.Unmarshal([]byte(jsonData), &pairs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rolling history: %w", err)
	}
	return pairs, nil
}

// Put 覆盖写入滚动历史并刷新过期时间。
func (r *redisHistoryRepository) Put(ctx context.Context, key string, pairs []model.HistoryPair) error {
	jsonData, err := json.Marshal(pairs)
	if err != nil {
		return fmt.Errorf("failed to marshal rolling history: %w", err)
	}
	if err := r.redisClient.Set(ctx, historyKey(key), jsonData, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set rolling history: %w", err)
	}
	return nil
}

// MemoryHistoryStore 是进程内的 HistoryStore，没有配置 Redis 时使用。
type MemoryHistoryStore struct {
	mu    sync.RWMutex
	items map[string][]model.HistoryPair
}

// NewMemoryHistoryStore 创建一个空的内存 HistoryStore。
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{items: make(map[string][]model.HistoryPair)}
}

func (s *MemoryHistoryStore) Get(_ context.Context, key string) ([]model.HistoryPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pairs := s.items[key]
	out := make([]model.HistoryPair, len(pairs))
	copy(out, pairs)
	return out, nil
}

func (s *MemoryHistoryStore) Put(_ context.Context, key string, pairs []model.HistoryPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]model.HistoryPair, len(pairs))
	copy(cp, pairs)
	s.items[key] = cp
	return nil
}
