package realtime

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/BearBump/CourierBox/internal/models"
)

type EventName string

const (
	EventConnect        EventName = "connect"
	EventDisconnect     EventName = "disconnect"
	EventNewNearbyOrder EventName = "new-nearby-order"
	EventOrderRemoved   EventName = "order-removed"
	EventStateChanged   EventName = "state-changed"
)

// Event is what every channel implementation emits, socket or polled.
type Event struct {
	Name    EventName          `json:"event"`
	OrderID int64              `json:"pedidoId,omitempty"`
	Order   *models.Order      `json:"pedido,omitempty"`
	Status  models.OrderStatus `json:"estado,omitempty"`
	// Previous is set on state-changed when the channel knows it.
	Previous   models.OrderStatus `json:"estadoAnterior,omitempty"`
	DistanceKm *float64           `json:"distancia,omitempty"`
	// InitialConnect marks orders reported by the first snapshot after connect.
	InitialConnect bool `json:"conexion_inicial,omitempty"`
}

type Handler func(ctx context.Context, ev Event)

// Channel is the transport-agnostic subscribe/run contract.
type Channel interface {
	Subscribe(name EventName, h Handler) (unsubscribe func())
	Run(ctx context.Context) error
}

// Bus is the subscription registry shared by channel implementations.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[EventName]map[int]Handler
}

func NewBus() *Bus {
	return &Bus{subs: map[EventName]map[int]Handler{}}
}

func (b *Bus) Subscribe(name EventName, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subs[name] == nil {
		b.subs[name] = map[int]Handler{}
	}
	b.subs[name][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[name], id)
		})
	}
}

// Emit calls handlers in subscription order. A panicking handler is logged
// and does not stop the others.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	b.mu.RLock()
	m := b.subs[ev.Name]
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	hs := make([]Handler, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		hs = append(hs, m[id])
	}
	b.mu.RUnlock()

	for _, h := range hs {
		b.call(ctx, h, ev)
	}
}

func (b *Bus) call(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("realtime handler panicked", "event", string(ev.Name), "panic", r)
		}
	}()
	h(ctx, ev)
}
