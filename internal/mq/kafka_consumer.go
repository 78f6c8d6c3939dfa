package mq

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"custody-core/pkg/logger"
)

// KafkaConsumer 实现 Consumer 接口
type KafkaConsumer struct {
	brokers []string
	groupID string
	reader  *kafka.Reader
}

// NewKafkaConsumer 创建 Kafka 消费者
func NewKafkaConsumer(brokers []string, groupID string) *KafkaConsumer {
	return &KafkaConsumer{
		brokers: brokers,
		groupID: groupID,
	}
}

// Subscribe 订阅 Kafka 主题
func (c *KafkaConsumer) Subscribe(ctx context.Context, topic string, handler func(msg *Message) error) error {
	// GroupID 保证同组内只有一个消费者能消费到同一分区的消息 (多实例负载均衡)
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.brokers,
		GroupID:     c.groupID,
		Topic:       topic,
		MinBytes:    10e3, // 10KB
		MaxBytes:    10e6, // 10MB
		StartOffset: kafka.LastOffset,
	})

	logger.Info("开始监听主题", zap.String("topic", topic), zap.String("group", c.groupID))

	go c.consumeLoop(ctx, topic, handler)

	return nil
}

func (c *KafkaConsumer) consumeLoop(ctx context.Context, topic string, handler func(msg *Message) error) {
	defer c.reader.Close()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("读取消息错误", zap.Error(err))
			time.Sleep(1 * time.Second)
			continue
		}

		msg := &Message{
			ID:      string(m.Key),
			Topic:   topic,
			Key:     string(m.Key),
			Payload: m.Value,
		}

		if err := handler(msg); err != nil {
			// 处理失败不提交 Offset，消息会被同组消费者重新拿到。
			// 业务侧自己保证幂等 (分布式锁 + DB dedupe)。
			logger.Error("业务处理失败", zap.String("topic", topic), zap.Error(err))
			continue
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			logger.Error("提交 Offset 失败", zap.Error(err))
		}
	}
}

// Close 关闭消费者
func (c *KafkaConsumer) Close() error {
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}
