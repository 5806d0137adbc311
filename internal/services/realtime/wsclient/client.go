package wsclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/services/feed"
	"github.com/BearBump/CourierBox/internal/services/realtime"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Server event names.
const (
	serverNewNearby = "nuevo-pedido-geografico"
	serverRemoved   = "pedido-removido"
	serverTaken     = "pedido-tomado"
	serverUpdated   = "pedido-actualizado"

	joinCourier = "join-domiciliario"
	joinCity    = "join-domiciliarios-ciudad"
)

const (
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 5 * time.Second
)

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Identity interface {
	Current(ctx context.Context) (models.User, error)
}

type nearbyPayload struct {
	Order          *models.Order `json:"pedido"`
	DistanceKm     *float64      `json:"distancia"`
	InitialConnect bool          `json:"conexion_inicial"`
}

type orderRef struct {
	OrderID  int64              `json:"pedidoId"`
	Status   models.OrderStatus `json:"estado"`
	Previous models.OrderStatus `json:"estadoAnterior"`
	Order    *models.Order      `json:"pedido"`
}

// Client is the socket implementation of realtime.Channel.
type Client struct {
	*realtime.Bus

	url      string
	header   http.Header
	identity Identity
	dialer   *websocket.Dialer

	attempts int
	delay    time.Duration

	mu        sync.Mutex
	connected bool
}

var _ realtime.Channel = (*Client)(nil)

func New(url string, identity Identity) *Client {
	return &Client{
		Bus:      realtime.NewBus(),
		url:      url,
		identity: identity,
		dialer:   websocket.DefaultDialer,
		attempts: defaultReconnectAttempts,
		delay:    defaultReconnectDelay,
	}
}

func (c *Client) WithReconnect(attempts int, delay time.Duration) *Client {
	if attempts > 0 {
		c.attempts = attempts
	}
	if delay > 0 {
		c.delay = delay
	}
	return c
}

// WithHeader sets handshake headers, typically the session cookie.
func (c *Client) WithHeader(h http.Header) *Client {
	c.header = h
	return c
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run keeps one connection open until ctx is done. It gives up after the
// configured number of consecutive failed reconnects.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			failures = 0
		}
		failures++
		if failures > c.attempts {
			return errors.Wrap(err, "websocket reconnect attempts exhausted")
		}
		slog.Warn("websocket disconnected, retrying", "attempt", failures, "error", err.Error())

		t := time.NewTimer(c.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) session(ctx context.Context) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return false, errors.Wrap(err, "dial websocket")
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.setConnected(true)
	c.Emit(ctx, realtime.Event{Name: realtime.EventConnect})
	defer func() {
		c.setConnected(false)
		c.Emit(context.WithoutCancel(ctx), realtime.Event{Name: realtime.EventDisconnect})
	}()

	if err := c.join(ctx, conn); err != nil {
		return true, err
	}

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return true, errors.Wrap(err, "read websocket")
		}
		ev, ok := Decode(env)
		if !ok {
			slog.Debug("ignoring websocket event", "event", env.Event)
			continue
		}
		c.Emit(ctx, ev)
	}
}

func (c *Client) join(ctx context.Context, conn *websocket.Conn) error {
	user, err := c.identity.Current(ctx)
	if err != nil {
		return errors.Wrap(err, "current user")
	}
	if err := conn.WriteJSON(envelope(joinCourier, user.ID)); err != nil {
		return errors.Wrap(err, "join courier room")
	}
	if city := feed.NormalizeCity(user.City); city != "" {
		if err := conn.WriteJSON(envelope(joinCity, city)); err != nil {
			return errors.Wrap(err, "join city room")
		}
	}
	return nil
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func envelope(event string, data any) Envelope {
	raw, _ := json.Marshal(data)
	return Envelope{Event: event, Data: raw}
}

// Decode maps a server frame to a canonical event.
func Decode(env Envelope) (realtime.Event, bool) {
	switch env.Event {
	case serverNewNearby:
		var p nearbyPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			slog.Warn("bad websocket payload", "event", env.Event, "error", err.Error())
			return realtime.Event{}, false
		}
		ev := realtime.Event{
			Name:           realtime.EventNewNearbyOrder,
			Order:          p.Order,
			DistanceKm:     p.DistanceKm,
			InitialConnect: p.InitialConnect,
		}
		if p.Order != nil {
			ev.OrderID = p.Order.ID
		}
		return ev, true
	case serverRemoved, serverTaken, serverUpdated:
		var r orderRef
		if err := json.Unmarshal(env.Data, &r); err != nil {
			slog.Warn("bad websocket payload", "event", env.Event, "error", err.Error())
			return realtime.Event{}, false
		}
		if r.OrderID == 0 && r.Order != nil {
			r.OrderID = r.Order.ID
		}
		if env.Event == serverUpdated {
			return realtime.Event{
				Name:     realtime.EventStateChanged,
				OrderID:  r.OrderID,
				Order:    r.Order,
				Status:   r.Status.Normalize(),
				Previous: r.Previous.Normalize(),
			}, true
		}
		return realtime.Event{Name: realtime.EventOrderRemoved, OrderID: r.OrderID}, true
	}
	return realtime.Event{}, false
}
