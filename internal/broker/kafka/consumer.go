package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads one topic. It is driven by a single goroutine.
type Consumer struct {
	r messageReader

	// pending is a message whose handler failed. The reader does not
	// fetch it again, so the next Consume call retries it first.
	pending *kafka.Message
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return &Consumer{
		r: kafka.NewReader(cfg),
	}
}

func newConsumerWithReader(r messageReader) *Consumer {
	return &Consumer{r: r}
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

func (c *Consumer) next(ctx context.Context) (kafka.Message, error) {
	if c.pending != nil {
		msg := *c.pending
		slog.Info("retrying message", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		return msg, nil
	}
	return c.r.FetchMessage(ctx)
}

// Consume hands each message to handler and commits it once the handler
// succeeded. A handler error stops consumption with the message kept for
// the next call.
func (c *Consumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for {
		msg, err := c.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "fetch message")
		}
		if err := handler(msg.Key, msg.Value); err != nil {
			c.pending = &msg
			return errors.Wrapf(err, "handle message at offset %d", msg.Offset)
		}
		c.pending = nil
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit message")
		}
	}
}
