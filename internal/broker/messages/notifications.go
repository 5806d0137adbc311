package messages

import (
	"strconv"
	"time"
)

// Push data types.
const (
	TypeWakeForLocation = "wake_for_location"
	TypeNewOrder        = "nuevo_pedido"
)

// PushNotification is a remote push as delivered to the device. Data keys
// and values are strings, as in FCM.
type PushNotification struct {
	ID         string            `json:"id"`
	Title      string            `json:"title,omitempty"`
	Body       string            `json:"body,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

func (p PushNotification) Type() string {
	return p.Data["type"]
}

// OrderID returns data.pedidoId, or 0 when absent or malformed.
func (p PushNotification) OrderID() int64 {
	id, err := strconv.ParseInt(p.Data["pedidoId"], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// LocalNotification is an alert scheduled on the device.
type LocalNotification struct {
	ID        int32          `json:"id"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	ChannelID string         `json:"channelId"`
	Sound     string         `json:"sound,omitempty"`
	SmallIcon string         `json:"smallIcon,omitempty"`
	IconColor string         `json:"iconColor,omitempty"`
	Ongoing   bool           `json:"ongoing,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
	// Ref correlates the alert across sinks.
	Ref         string    `json:"ref"`
	ScheduledAt time.Time `json:"scheduled_at"`
}
