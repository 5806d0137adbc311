package pollshim

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/CourierBox/internal/metrics"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/services/realtime"
	"github.com/pkg/errors"
)

type API interface {
	ListOrders(ctx context.Context) ([]*models.Order, error)
	ListGeoAssignments(ctx context.Context) ([]models.GeoAssignment, error)
}

type Identity interface {
	Current(ctx context.Context) (models.User, error)
}

// Poller stands in for the socket by polling the order list and emitting
// the events a socket would have pushed.
type Poller struct {
	*realtime.Bus

	api      API
	identity Identity
	metrics  *metrics.CourierMetrics

	planner *Planner

	triggerCh chan struct{}

	// Only touched by the Run goroutine.
	prev    []*models.Order
	prevGeo map[int64]struct{}
	polled  bool
	fails   int32

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalCycles         atomic.Int64
	totalEvents         atomic.Int64
	totalErrors         atomic.Int64
	consecutiveFails    atomic.Int32
	lastErrorMu         sync.Mutex
	lastError           string
}

var _ realtime.Channel = (*Poller)(nil)

func New(api API, identity Identity) *Poller {
	return &Poller{
		Bus:               realtime.NewBus(),
		api:               api,
		identity:          identity,
		planner:           DefaultPlanner(),
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func DefaultPlanner() *Planner {
	return NewPlanner(DefaultPlannerConfig(), nil)
}

// WithSettings overrides the poll interval; zero keeps the default.
func (p *Poller) WithSettings(interval time.Duration) *Poller {
	if interval > 0 {
		cfg := p.planner.cfg
		cfg.Interval = interval
		p.planner = NewPlanner(cfg, p.planner.r)
	}
	return p
}

func (p *Poller) WithPlanner(cfg PlannerConfig) *Poller {
	p.planner = NewPlanner(cfg, nil)
	return p
}

func (p *Poller) WithMetrics(m *metrics.CourierMetrics) *Poller {
	p.metrics = m
	return p
}

// Trigger forces an immediate poll cycle (best-effort, non-blocking).
func (p *Poller) Trigger() {
	p.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt        time.Time  `json:"startedAt"`
	LastCycleAt      *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt    *time.Time `json:"lastTriggerAt,omitempty"`
	TotalCycles      int64      `json:"totalCycles"`
	TotalEvents      int64      `json:"totalEvents"`
	TotalErrors      int64      `json:"totalErrors"`
	ConsecutiveFails int32      `json:"consecutiveFails"`
	LastError        string     `json:"lastError,omitempty"`
}

func (p *Poller) Stats() Stats {
	st := Stats{
		StartedAt:        time.Unix(0, p.startedAtUnixNano).UTC(),
		TotalCycles:      p.totalCycles.Load(),
		TotalEvents:      p.totalEvents.Load(),
		TotalErrors:      p.totalErrors.Load(),
		ConsecutiveFails: p.consecutiveFails.Load(),
	}
	if n := p.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := p.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}

// Run emits connect, polls until ctx is done and emits disconnect.
func (p *Poller) Run(ctx context.Context) error {
	p.Emit(ctx, realtime.Event{Name: realtime.EventConnect})
	defer p.Emit(context.WithoutCancel(ctx), realtime.Event{Name: realtime.EventDisconnect})

	p.runOnce(ctx)

	t := time.NewTimer(p.planner.NextDelay(p.fails))
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.runOnce(ctx)
		case <-p.triggerCh:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			p.runOnce(ctx)
		}
		t.Reset(p.planner.NextDelay(p.fails))
	}
}

func (p *Poller) runOnce(ctx context.Context) {
	start := time.Now().UTC()
	p.lastCycleUnixNano.Store(start.UnixNano())
	p.totalCycles.Add(1)
	defer func() { p.metrics.ObservePoll(time.Since(start)) }()

	events, err := p.poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.fails++
		p.consecutiveFails.Store(p.fails)
		p.totalErrors.Add(1)
		p.lastErrorMu.Lock()
		p.lastError = err.Error()
		p.lastErrorMu.Unlock()
		slog.Error("poll orders", "fail_count", p.fails, "error", err.Error())
		return
	}
	p.fails = 0
	p.consecutiveFails.Store(0)

	for _, ev := range events {
		p.Emit(ctx, ev)
	}
	p.totalEvents.Add(int64(len(events)))
}

func (p *Poller) poll(ctx context.Context) ([]realtime.Event, error) {
	user, err := p.identity.Current(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "current user")
	}
	orders, err := p.api.ListOrders(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	var geo map[int64]struct{}
	assignments, err := p.api.ListGeoAssignments(ctx)
	if err != nil {
		slog.Warn("poll geo assignments", "error", err.Error())
	} else {
		geo = make(map[int64]struct{}, len(assignments))
		for _, a := range assignments {
			geo[a.OrderID] = struct{}{}
		}
	}

	events := Diff(p.prev, orders, p.prevGeo, geo, user.ID, !p.polled)
	p.prev = orders
	p.prevGeo = geo
	p.polled = true
	return events, nil
}
