package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/storefront-orders/internal/logging"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes JSON messages keyed by aggregate id, so every event of
// one order lands on the same partition.
type Producer struct {
	writer messageWriter
	clock  func() time.Time
}

func NewProducer(brokers []string, topic string, logger *zap.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		ErrorLogger:            kafka.LoggerFunc(logging.Printf(logger, zapcore.WarnLevel)),
	}
	return &Producer{writer: writer, clock: time.Now}
}

func (p *Producer) Publish(ctx context.Context, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %w", key, err)
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  p.clock(),
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
