package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/CourierBox/internal/errs"
	"github.com/BearBump/CourierBox/internal/integrations/backend"
	"github.com/BearBump/CourierBox/internal/metrics"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/services/realtime"
	"github.com/pkg/errors"
)

type API interface {
	ListOrdersWithDistances(ctx context.Context) ([]*models.Order, error)
	ListGeoAssignments(ctx context.Context) ([]models.GeoAssignment, error)
	ClaimOrder(ctx context.Context, id int64) (backend.ClaimResult, error)
	ReleaseOrder(ctx context.Context, id int64, req backend.ReleaseRequest) error
	UpdateOrderStatus(ctx context.Context, id int64, upd backend.StatusUpdate) error
}

type Identity interface {
	Current(ctx context.Context) (models.User, error)
	Observe(ctx context.Context, err error)
}

// Tracker is the slice of the tracking service the feed drives.
type Tracker interface {
	StartTracking(ctx context.Context) error
	StopTracking(ctx context.Context) error
}

// overlay is a local mutation stamped with the sequence number current
// when it completed. It wins over any snapshot fetched before that.
type overlay struct {
	seq       uint64
	status    models.OrderStatus
	courierID *int64
}

type ClaimResult struct {
	ActiveCount int `json:"activeCount"`
}

// Reconciler merges snapshots, realtime events and optimistic local
// mutations into one View.
type Reconciler struct {
	api      API
	identity Identity
	tracker  Tracker
	metrics  *metrics.CourierMetrics

	mu           sync.Mutex
	courierID    int64
	orders       map[int64]*models.Order
	geo          map[int64]struct{}
	seq          uint64
	overlays     map[int64]overlay
	hidden       map[int64]uint64
	recentClaims []int64
	inFlight     int
	activeCount  int
	view         View
	lastRefresh  time.Time
}

func New(api API, identity Identity, tracker Tracker) *Reconciler {
	return &Reconciler{
		api:      api,
		identity: identity,
		tracker:  tracker,
		orders:   map[int64]*models.Order{},
		geo:      map[int64]struct{}{},
		overlays: map[int64]overlay{},
		hidden:   map[int64]uint64{},
		view:     View{Mine: []*models.Order{}, Available: []*models.Order{}},
	}
}

func (r *Reconciler) WithMetrics(m *metrics.CourierMetrics) *Reconciler {
	r.metrics = m
	return r
}

// WithTracker sets the tracker after construction; the tracker and the
// feed are built in either order by the agent.
func (r *Reconciler) WithTracker(t Tracker) *Reconciler {
	r.mu.Lock()
	r.tracker = t
	r.mu.Unlock()
	return r
}

func (r *Reconciler) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

func (r *Reconciler) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeCount
}

func (r *Reconciler) LastRefresh() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRefresh
}

// Apply merges an authoritative snapshot fetched now. Applying the same
// snapshot twice yields the same view.
func (r *Reconciler) Apply(courierID int64, orders []*models.Order, geo []models.GeoAssignment) View {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.courierID = courierID
	r.mergeLocked(orders, geoSet(geo), r.seq)
	return r.rebuildLocked()
}

// Refresh fetches user, orders and geo assignments and merges them.
func (r *Reconciler) Refresh(ctx context.Context) (View, error) {
	v, err := r.refresh(ctx)
	r.metrics.ObserveRefresh(err)
	return v, err
}

func (r *Reconciler) refresh(ctx context.Context) (View, error) {
	r.mu.Lock()
	startSeq := r.seq
	r.mu.Unlock()

	user, err := r.identity.Current(ctx)
	if err != nil {
		return r.View(), errors.Wrap(err, "refresh feed")
	}

	orders, err := r.api.ListOrdersWithDistances(ctx)
	if err != nil {
		r.identity.Observe(ctx, err)
		if e := errs.As(err); e != nil && e.Code() == errs.CodeBlocked {
			r.mu.Lock()
			r.view = View{Mine: []*models.Order{}, Available: []*models.Order{}, Blocked: true, BlockedMessage: e.Message()}
			v := r.view
			r.mu.Unlock()
			return v, err
		}
		return r.View(), errors.Wrap(err, "refresh feed")
	}

	geo := map[int64]struct{}{}
	assignments, err := r.api.ListGeoAssignments(ctx)
	if err != nil {
		r.identity.Observe(ctx, err)
		slog.Warn("geo assignments unavailable, showing no nearby orders", "error", err.Error())
	} else {
		geo = geoSet(assignments)
	}

	r.mu.Lock()
	r.courierID = user.ID
	r.mergeLocked(orders, geo, startSeq)
	v := r.rebuildLocked()
	r.lastRefresh = time.Now().UTC()
	tracker := r.tracker
	r.mu.Unlock()

	if v.ActiveCount > 0 && tracker != nil {
		if err := tracker.StartTracking(ctx); err != nil {
			slog.Warn("start tracking after refresh", "error", err.Error())
		}
	}
	return v, nil
}

func geoSet(as []models.GeoAssignment) map[int64]struct{} {
	out := make(map[int64]struct{}, len(as))
	for _, a := range as {
		out[a.OrderID] = struct{}{}
	}
	return out
}

// mergeLocked replaces the order set with snapshot. Overlays stamped after
// startSeq survive; older ones are superseded by the server.
func (r *Reconciler) mergeLocked(snapshot []*models.Order, geo map[int64]struct{}, startSeq uint64) {
	prev := r.orders
	r.orders = make(map[int64]*models.Order, len(snapshot))
	for _, o := range Dedupe(snapshot) {
		r.orders[o.ID] = o.Clone()
	}
	r.geo = geo

	for id, ov := range r.overlays {
		if ov.seq <= startSeq {
			delete(r.overlays, id)
			continue
		}
		o, ok := r.orders[id]
		if !ok {
			if p, had := prev[id]; had {
				o = p.Clone()
				r.orders[id] = o
			} else {
				continue
			}
		}
		o.Status = ov.status
		o.CourierID = ov.courierID
	}
	for id, seq := range r.hidden {
		if seq <= startSeq {
			delete(r.hidden, id)
		}
	}
}

func (r *Reconciler) rebuildLocked() View {
	list := make([]*models.Order, 0, len(r.orders))
	for id, o := range r.orders {
		if _, h := r.hidden[id]; h && o.Status.Normalize() == models.OrderStatusAwaitingCourier {
			continue
		}
		list = append(list, o.Clone())
	}
	v := BuildView(list, r.courierID, r.geo, r.recentClaims)
	r.view = v
	r.activeCount = v.ActiveCount
	r.metrics.SetActiveOrders(v.ActiveCount)
	return v
}

func (r *Reconciler) stampLocked(id int64, status models.OrderStatus, courierID *int64) {
	r.seq++
	r.overlays[id] = overlay{seq: r.seq, status: status, courierID: courierID}
	o, ok := r.orders[id]
	if !ok {
		o = &models.Order{ID: id, CreatedAt: time.Now().UTC()}
		r.orders[id] = o
	}
	o.Status = status
	o.CourierID = courierID
}

func (r *Reconciler) dropRecentLocked(id int64) {
	out := r.recentClaims[:0]
	for _, x := range r.recentClaims {
		if x != id {
			out = append(out, x)
		}
	}
	r.recentClaims = out
}

// Claim takes an order. Over the cap it fails locally with LimitReached.
func (r *Reconciler) Claim(ctx context.Context, id int64) (ClaimResult, error) {
	res, err := r.claim(ctx, id)
	r.metrics.ObserveAction("claim", err)
	return res, err
}

func (r *Reconciler) claim(ctx context.Context, id int64) (ClaimResult, error) {
	r.mu.Lock()
	if r.activeCount+r.inFlight >= MaxActiveOrders {
		n := r.activeCount
		r.mu.Unlock()
		return ClaimResult{}, errs.New(errs.CodeLimitReached, "máximo 2 pedidos activos").
			WithDetails(map[string]any{"activeCount": n})
	}
	known, ok := r.orders[id]
	if ok && known.Status.IsTerminal() {
		r.mu.Unlock()
		return ClaimResult{}, errs.New(errs.CodeInvalidTransition, "order is closed")
	}
	// A removal broadcast for this claim may land before the response.
	if ok {
		known = known.Clone()
	}
	r.inFlight++
	r.mu.Unlock()

	user, err := r.identity.Current(ctx)
	if err != nil {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
		return ClaimResult{}, errors.Wrap(err, "claim order")
	}

	res, err := r.api.ClaimOrder(ctx, id)

	r.mu.Lock()
	r.inFlight--
	if err != nil {
		r.mu.Unlock()
		r.identity.Observe(ctx, err)
		return ClaimResult{}, err
	}
	if _, present := r.orders[id]; !present && known != nil {
		r.orders[id] = known
	}
	uid := user.ID
	r.courierID = uid
	r.stampLocked(id, models.OrderStatusEnRoute, &uid)
	delete(r.geo, id)
	delete(r.hidden, id)
	r.dropRecentLocked(id)
	r.recentClaims = append([]int64{id}, r.recentClaims...)
	r.rebuildLocked()
	if res.ActiveOrders > r.activeCount {
		r.activeCount = res.ActiveOrders
	}
	count := r.activeCount
	tracker := r.tracker
	r.mu.Unlock()

	if tracker != nil {
		if err := tracker.StartTracking(ctx); err != nil {
			slog.Warn("start tracking after claim", "order_id", id, "error", err.Error())
		}
	}
	return ClaimResult{ActiveCount: count}, nil
}

// Release gives an owned order back. It stays out of Available until a
// refresh that started after the release.
func (r *Reconciler) Release(ctx context.Context, id int64, form ReleaseForm) error {
	err := r.release(ctx, id, form)
	r.metrics.ObserveAction("release", err)
	return err
}

func (r *Reconciler) release(ctx context.Context, id int64, form ReleaseForm) error {
	form.normalize()
	if err := validateForm(&form); err != nil {
		return err
	}

	r.mu.Lock()
	if o, ok := r.orders[id]; ok && !o.Status.CanTransitionTo(models.OrderStatusAwaitingCourier) {
		r.mu.Unlock()
		return errs.New(errs.CodeInvalidTransition, "only orders on the way can be released")
	}
	r.mu.Unlock()

	if err := r.api.ReleaseOrder(ctx, id, backend.ReleaseRequest{Reason: form.Reason, Detail: form.Detail}); err != nil {
		r.identity.Observe(ctx, err)
		return err
	}

	r.mu.Lock()
	r.stampLocked(id, models.OrderStatusAwaitingCourier, nil)
	r.hidden[id] = r.seq
	r.dropRecentLocked(id)
	r.rebuildLocked()
	r.mu.Unlock()
	return nil
}

// ReportUndelivered cancels an owned order with a structured comment.
func (r *Reconciler) ReportUndelivered(ctx context.Context, id int64, report UndeliveredReport) error {
	report.normalize()
	if err := validateForm(&report); err != nil {
		r.metrics.ObserveAction("report_undelivered", err)
		return err
	}
	err := r.finish(ctx, id, backend.StatusUpdate{
		Status:  models.OrderStatusCancelled,
		Comment: report.Comment(),
	})
	r.metrics.ObserveAction("report_undelivered", err)
	return err
}

// MarkDelivered closes an owned order with the payment method used.
func (r *Reconciler) MarkDelivered(ctx context.Context, id int64, paymentMethod string) error {
	form := DeliveryForm{PaymentMethod: paymentMethod}
	if err := validateForm(&form); err != nil {
		r.metrics.ObserveAction("deliver", err)
		return err
	}
	err := r.finish(ctx, id, backend.StatusUpdate{
		Status:        models.OrderStatusDelivered,
		PaymentMethod: form.PaymentMethod,
	})
	r.metrics.ObserveAction("deliver", err)
	return err
}

func (r *Reconciler) finish(ctx context.Context, id int64, upd backend.StatusUpdate) error {
	r.mu.Lock()
	if o, ok := r.orders[id]; ok {
		if o.Status.IsTerminal() {
			r.mu.Unlock()
			return errs.New(errs.CodeInvalidTransition, "order is already closed")
		}
		if !o.Status.CanTransitionTo(upd.Status) {
			r.mu.Unlock()
			return errs.New(errs.CodeInvalidTransition, "order is not on the way")
		}
	}
	r.mu.Unlock()

	if err := r.api.UpdateOrderStatus(ctx, id, upd); err != nil {
		r.identity.Observe(ctx, err)
		return err
	}

	r.mu.Lock()
	var courierID *int64
	if o, ok := r.orders[id]; ok {
		courierID = o.CourierID
	}
	r.stampLocked(id, upd.Status, courierID)
	delete(r.geo, id)
	r.dropRecentLocked(id)
	v := r.rebuildLocked()
	tracker := r.tracker
	r.mu.Unlock()

	if v.ActiveCount == 0 && tracker != nil {
		if err := tracker.StopTracking(ctx); err != nil {
			slog.Warn("stop tracking", "error", err.Error())
		}
	}
	return nil
}

// ApplyEvent folds a realtime event into the feed.
func (r *Reconciler) ApplyEvent(ctx context.Context, ev realtime.Event) {
	r.metrics.IncEvent(string(ev.Name))
	switch ev.Name {
	case realtime.EventConnect:
		if _, err := r.Refresh(ctx); err != nil {
			slog.Warn("refresh on connect", "error", err.Error())
		}
	case realtime.EventDisconnect:
		slog.Info("realtime channel disconnected")
	case realtime.EventNewNearbyOrder:
		if ev.Order == nil {
			if _, err := r.Refresh(ctx); err != nil {
				slog.Warn("refresh on new nearby order", "order_id", ev.OrderID, "error", err.Error())
			}
			return
		}
		r.applyNearby(ev)
	case realtime.EventOrderRemoved:
		r.applyRemoved(ev)
	case realtime.EventStateChanged:
		r.applyStateChanged(ev)
	}
}

func (r *Reconciler) applyNearby(ev realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := ev.Order.Clone()
	if ov, ok := r.overlays[o.ID]; ok {
		o.Status = ov.status
		o.CourierID = ov.courierID
	}
	if ev.DistanceKm != nil && o.DistanceKm == nil {
		d := *ev.DistanceKm
		o.DistanceKm = &d
	}
	r.orders[o.ID] = o
	r.geo[o.ID] = struct{}{}
	delete(r.hidden, o.ID)
	r.rebuildLocked()
}

func (r *Reconciler) applyRemoved(ev realtime.Event) {
	id := ev.OrderID
	if id == 0 && ev.Order != nil {
		id = ev.Order.ID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Never drop the courier's own active order on a removal event.
	if o, ok := r.orders[id]; ok && o.OwnedBy(r.courierID) && o.Status.Normalize() == models.OrderStatusEnRoute {
		return
	}
	delete(r.geo, id)
	delete(r.orders, id)
	r.rebuildLocked()
}

func (r *Reconciler) applyStateChanged(ev realtime.Event) {
	id := ev.OrderID
	if id == 0 && ev.Order != nil {
		id = ev.Order.ID
	}
	status := ev.Status
	if status == "" && ev.Order != nil {
		status = ev.Order.Status
	}
	status = status.Normalize()

	r.mu.Lock()
	defer r.mu.Unlock()
	if ov, ok := r.overlays[id]; ok {
		if ov.status.IsTerminal() && !status.IsTerminal() {
			return
		}
		if ov.status == models.OrderStatusEnRoute && status == models.OrderStatusAwaitingCourier {
			return
		}
	}
	o, ok := r.orders[id]
	if !ok {
		if ev.Order == nil {
			return
		}
		o = ev.Order.Clone()
		r.orders[id] = o
	}
	if status != "" {
		o.Status = status
	}
	if ev.Order != nil {
		o.CourierID = ev.Order.CourierID
	}
	r.rebuildLocked()
}
