package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BearBump/CourierBox/internal/broker/messages"
	"github.com/pkg/errors"
)

// ConsumePushes decodes push notifications and passes them to handle.
// Malformed payloads are logged and committed so they cannot wedge the
// partition.
func (c *Consumer) ConsumePushes(ctx context.Context, handle func(ctx context.Context, p messages.PushNotification) error) error {
	return c.Consume(ctx, func(key, value []byte) error {
		var p messages.PushNotification
		if err := json.Unmarshal(value, &p); err != nil {
			slog.Warn("drop malformed push", "key", string(key), "error", err.Error())
			return nil
		}
		if p.ID == "" {
			p.ID = string(key)
		}
		return handle(ctx, p)
	})
}

type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// NotificationPublisher forwards scheduled local notifications to a topic
// read by the device shell.
type NotificationPublisher struct {
	p     publisher
	topic string
}

func NewNotificationPublisher(p publisher, topic string) *NotificationPublisher {
	return &NotificationPublisher{p: p, topic: topic}
}

func (n *NotificationPublisher) Schedule(ctx context.Context, ln messages.LocalNotification) error {
	value, err := json.Marshal(ln)
	if err != nil {
		return errors.Wrap(err, "marshal local notification")
	}
	return n.p.Publish(ctx, n.topic, []byte(ln.Ref), value)
}
