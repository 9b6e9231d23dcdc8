// Package kafka 提供了索引任务队列的生产者和消费者。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"advisor-go/internal/config"
	"advisor-go/pkg/log"
	"advisor-go/pkg/tasks"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// 同一个任务失败这么多次后提交 offset，不再重试。
const maxAttempts = 3

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.ConversationIndexTask) error
}

// messageWriter 是 *kafka.Writer 用到的那部分方法。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer 把会话索引任务写入 Kafka，实现 service.IndexPublisher。
type Producer struct {
	writer messageWriter
}

// InitProducer 初始化 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// PublishIndexTask 发送一个索引任务。以会话 ID 作为消息 key，
// 同一会话的任务落在同一分区，按发送顺序消费。
func (p *Producer) PublishIndexTask(ctx context.Context, task tasks.ConversationIndexTask) error {
	value, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(task.ConversationID), 10)),
		Value: value,
	})
}

// Close 刷新并关闭底层 writer。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// messageReader 是 *kafka.Reader 用到的那部分方法。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 消费索引任务。attempts 为 nil 时失败的任务不提交 offset，一直重试。
type Consumer struct {
	reader    messageReader
	processor TaskProcessor
	attempts  *redis.Client
}

// NewConsumer 创建一个消费者，attempts 用于记录失败次数，可以为 nil。
func NewConsumer(cfg config.KafkaConfig, processor TaskProcessor, attempts *redis.Client) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(cfg.Brokers, ","),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: r, processor: processor, attempts: attempts}
}

// StartConsumer 启动一个 Kafka 消费者来处理索引任务，阻塞直到 ctx 结束。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor, attempts *redis.Client) {
	NewConsumer(cfg, processor, attempts).Run(ctx)
}

// Run 循环拉取消息，直到 ctx 取消或读取失败。
func (c *Consumer) Run(ctx context.Context) {
	log.Infof("Kafka 消费者已启动")
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("从 Kafka 读取消息失败", err)
			}
			break
		}
		c.handle(ctx, m)
	}

	if err := c.reader.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var task tasks.ConversationIndexTask
	if err := json.Unmarshal(m.Value, &task); err != nil {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		c.commit(ctx, m)
		return
	}

	attemptsKey := fmt.Sprintf("kafka:attempts:%d:%d", m.Partition, m.Offset)
	if err := c.processor.Process(ctx, task); err != nil {
		log.Errorw("处理索引任务失败", "op", task.Op, "conversation", task.ConversationID, "error", err)
		if c.attempts == nil {
			return
		}
		n, incErr := c.attempts.Incr(ctx, attemptsKey).Result()
		if incErr != nil {
			// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
			return
		}
		_ = c.attempts.Expire(ctx, attemptsKey, 24*time.Hour).Err()
		if n >= maxAttempts {
			log.Errorf("索引任务多次失败(>=%d)，提交 offset 终止重试: conversation=%d", maxAttempts, task.ConversationID)
			c.commit(ctx, m)
		}
		return
	}

	if c.attempts != nil {
		_ = c.attempts.Del(ctx, attemptsKey).Err()
	}
	c.commit(ctx, m)
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}
