package fake

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/CourierBox/internal/integrations/transport"
	"github.com/BearBump/CourierBox/internal/models"
)

// Call is one request the fake backend received.
type Call struct {
	Method   string
	Endpoint string
	Body     []byte
}

type canned struct {
	status int
	body   any
	err    error
}

// Backend is an in-memory courier API. It backs the demo mode and lets
// tests assert which calls were (or were not) made.
type Backend struct {
	mu sync.Mutex

	user      models.User
	orders    map[int64]*models.Order
	geo       map[int64]struct{}
	blocked   string
	locations []models.Position
	calls     []Call
	next      map[string][]canned
	delay     time.Duration
	soundOff  bool
}

func New(user models.User) *Backend {
	return &Backend{
		user:   user,
		orders: map[int64]*models.Order{},
		geo:    map[int64]struct{}{},
		next:   map[string][]canned{},
	}
}

// Demo returns a backend seeded with a couple of nearby orders.
func Demo() *Backend {
	b := New(models.User{ID: 1, Name: "Demo", Kind: "domiciliario", City: "Tunja"})
	now := time.Now().UTC()
	b.Seed(
		&models.Order{ID: 101, Status: models.OrderStatusAwaitingCourier, CreatedAt: now.Add(-10 * time.Minute),
			Restaurant: models.Restaurant{Name: "Pancho Burger", City: "Tunja"}},
		&models.Order{ID: 102, Status: models.OrderStatusAwaitingCourier, CreatedAt: now.Add(-5 * time.Minute),
			Restaurant: models.Restaurant{Name: "Arepas Boyacá", City: "Chiquinquirá"}},
	)
	b.SetGeo(101, 102)
	return b
}

func (b *Backend) Seed(orders ...*models.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range orders {
		b.orders[o.ID] = o.Clone()
	}
}

func (b *Backend) Remove(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.orders, id)
	delete(b.geo, id)
}

func (b *Backend) SetStatus(id int64, st models.OrderStatus, courierID *int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.orders[id]; ok {
		o.Status = st
		o.CourierID = courierID
	}
}

func (b *Backend) SetGeo(ids ...int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.geo = map[int64]struct{}{}
	for _, id := range ids {
		b.geo[id] = struct{}{}
	}
}

// Block makes the order feed answer {error: "bloqueado"}.
func (b *Backend) Block(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked = message
}

// WithDelay makes every request wait d (or until ctx is done).
func (b *Backend) WithDelay(d time.Duration) *Backend {
	b.delay = d
	return b
}

// RespondNext queues a canned response for the next METHOD path request.
func (b *Backend) RespondNext(method, path string, status int, body any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := method + " " + path
	b.next[k] = append(b.next[k], canned{status: status, body: body})
}

// FailNext makes the next METHOD path request fail at the network level.
func (b *Backend) FailNext(method, path string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := method + " " + path
	b.next[k] = append(b.next[k], canned{err: err})
}

func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// CallCount counts calls matching method and path exactly.
func (b *Backend) CallCount(method, path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Method == method && c.Endpoint == path {
			n++
		}
	}
	return n
}

func (b *Backend) Locations() []models.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Position(nil), b.locations...)
}

func (b *Backend) Order(id int64) (*models.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	return o.Clone(), ok
}

var orderPathRe = regexp.MustCompile(`^/api/pedidos/(\d+)/(tomar|liberar|estado-domiciliario)$`)

func (b *Backend) Do(ctx context.Context, endpoint string, req transport.Request) (*transport.Response, error) {
	if b.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, transport.RequestFailed(ctx.Err(), endpoint)
		case <-time.After(b.delay):
		}
	}
	method := transport.MethodOrGet(req.Method)
	path := endpoint
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	body, err := transport.EncodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, Call{Method: method, Endpoint: path, Body: body})

	k := method + " " + path
	if q := b.next[k]; len(q) > 0 {
		c := q[0]
		b.next[k] = q[1:]
		if c.err != nil {
			return nil, transport.RequestFailed(c.err, endpoint)
		}
		return jsonResponse(c.status, c.body), nil
	}

	switch {
	case method == http.MethodGet && path == "/api/usuario-actual":
		return jsonResponse(http.StatusOK, b.user), nil
	case method == http.MethodGet && (path == "/api/pedidos-domiciliario-con-distancias" || path == "/api/pedidos-domiciliario"):
		if b.blocked != "" {
			return jsonResponse(http.StatusForbidden, map[string]string{"error": "bloqueado", "mensaje": b.blocked}), nil
		}
		return jsonResponse(http.StatusOK, b.listLocked()), nil
	case method == http.MethodGet && path == "/api/mis-asignaciones-geograficas":
		out := make([]models.GeoAssignment, 0, len(b.geo))
		for id := range b.geo {
			out = append(out, models.GeoAssignment{OrderID: id})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
		return jsonResponse(http.StatusOK, out), nil
	case method == http.MethodPost && path == "/api/domiciliario/ubicacion":
		var p struct {
			Lat float64   `json:"latitud"`
			Lng float64   `json:"longitud"`
			Acc float64   `json:"accuracy"`
			Ts  time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return jsonResponse(http.StatusBadRequest, map[string]string{"error": "bad_request"}), nil
		}
		b.locations = append(b.locations, models.Position{Latitude: p.Lat, Longitude: p.Lng, Accuracy: p.Acc, Timestamp: p.Ts})
		return ok(), nil
	case method == http.MethodPost && (path == "/api/domiciliario-heartbeat" || path == "/api/domiciliario-activo" ||
		path == "/api/domiciliario-inactivo" || path == "/api/logout" || path == "/api/domiciliario/fcm-token"):
		return ok(), nil
	case method == http.MethodPut && path == "/api/domiciliario/configuracion-notificaciones":
		var cfg struct {
			Sound bool `json:"notificaciones_sonido"`
		}
		_ = json.Unmarshal(body, &cfg)
		b.soundOff = !cfg.Sound
		return ok(), nil
	case method == http.MethodGet && path == "/api/domiciliario/configuracion-notificaciones":
		return jsonResponse(http.StatusOK, map[string]bool{"notificaciones_sonido": !b.soundOff}), nil
	}

	if m := orderPathRe.FindStringSubmatch(path); m != nil {
		id, _ := strconv.ParseInt(m[1], 10, 64)
		return b.orderActionLocked(method, id, m[2], body), nil
	}
	return jsonResponse(http.StatusNotFound, map[string]string{"error": "NotFound"}), nil
}

func (b *Backend) listLocked() []*models.Order {
	out := make([]*models.Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Backend) activeLocked() int {
	n := 0
	for _, o := range b.orders {
		if o.Status.Normalize() == models.OrderStatusEnRoute && o.OwnedBy(b.user.ID) {
			n++
		}
	}
	return n
}

func (b *Backend) orderActionLocked(method string, id int64, action string, body []byte) *transport.Response {
	o, found := b.orders[id]
	if !found {
		return jsonResponse(http.StatusNotFound, map[string]string{"error": "NotFound", "mensaje": "pedido no existe"})
	}
	switch {
	case action == "tomar" && method == http.MethodPost:
		if b.activeLocked() >= 2 {
			return jsonResponse(http.StatusBadRequest, map[string]string{"error": "LimitReached", "mensaje": "Máximo 2 pedidos activos"})
		}
		if o.Status.Normalize() != models.OrderStatusAwaitingCourier {
			return jsonResponse(http.StatusConflict, map[string]string{"error": "Taken", "mensaje": "El pedido ya fue tomado"})
		}
		uid := b.user.ID
		o.Status = models.OrderStatusEnRoute
		o.CourierID = &uid
		delete(b.geo, id)
		return jsonResponse(http.StatusOK, map[string]any{"success": true, "pedidosActivos": b.activeLocked()})
	case action == "liberar" && method == http.MethodPost:
		if !o.OwnedBy(b.user.ID) || o.Status.Normalize() != models.OrderStatusEnRoute {
			return jsonResponse(http.StatusConflict, map[string]string{"error": "InvalidTransition"})
		}
		o.Status = models.OrderStatusAwaitingCourier
		o.CourierID = nil
		return ok()
	case action == "estado-domiciliario" && method == http.MethodPut:
		var upd struct {
			Status models.OrderStatus `json:"estado"`
		}
		_ = json.Unmarshal(body, &upd)
		if !o.Status.CanTransitionTo(upd.Status) {
			return jsonResponse(http.StatusConflict, map[string]string{"error": "InvalidTransition"})
		}
		o.Status = upd.Status.Normalize()
		return ok()
	}
	return jsonResponse(http.StatusMethodNotAllowed, map[string]string{"error": "MethodNotAllowed"})
}

func ok() *transport.Response {
	return jsonResponse(http.StatusOK, map[string]bool{"success": true})
}

func jsonResponse(status int, v any) *transport.Response {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	var b []byte
	switch x := v.(type) {
	case nil:
		b = []byte("null")
	case string:
		// Raw bodies (HTML pages) are passed through untouched.
		h.Set("Content-Type", "text/html; charset=utf-8")
		b = []byte(x)
	default:
		b, _ = json.Marshal(v)
	}
	return &transport.Response{StatusCode: status, Header: h, Body: b}
}
