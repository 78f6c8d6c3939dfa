package mq

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// KafkaProducer 实现 Producer 接口
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{}, // 按 Key 分区，同一 Partner 的事件保序
			RequiredAcks: kafka.RequireAll,
		},
	}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Value: payload,
	}
	if key != "" {
		msg.Key = []byte(key)
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
