package pollshim

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/CourierBox/internal/integrations/backend"
	"github.com/BearBump/CourierBox/internal/integrations/transport/fake"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/services/realtime"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type staticIdentity struct{ id int64 }

func (s staticIdentity) Current(ctx context.Context) (models.User, error) {
	return models.User{ID: s.id}, nil
}

type recorder struct {
	mu  sync.Mutex
	evs []realtime.Event
}

func (r *recorder) handle(ctx context.Context, ev realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) events() []realtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.Event(nil), r.evs...)
}

func newPoller(be *fake.Backend) (*Poller, *recorder) {
	p := New(backend.New(be), staticIdentity{id: me})
	rec := &recorder{}
	for _, n := range []realtime.EventName{
		realtime.EventConnect, realtime.EventDisconnect,
		realtime.EventNewNearbyOrder, realtime.EventOrderRemoved, realtime.EventStateChanged,
	} {
		p.Subscribe(n, rec.handle)
	}
	return p, rec
}

func TestPoller_RemovedBetweenCycles(t *testing.T) {
	be := fake.New(models.User{ID: me})
	be.Seed(awaiting(7))
	be.SetGeo(7)
	p, rec := newPoller(be)
	ctx := context.Background()

	p.runOnce(ctx)
	be.Remove(7)
	p.runOnce(ctx)

	evs := rec.events()
	require.Len(t, evs, 2)
	require.Equal(t, realtime.EventNewNearbyOrder, evs[0].Name)
	require.True(t, evs[0].InitialConnect)
	require.Equal(t, realtime.Event{Name: realtime.EventOrderRemoved, OrderID: 7}, evs[1])
	require.Equal(t, 2, be.CallCount(http.MethodGet, backend.PathOrders))
}

func TestPoller_ClaimedByMeIsNotRemoved(t *testing.T) {
	be := fake.New(models.User{ID: me})
	be.Seed(awaiting(7))
	be.SetGeo(7)
	p, rec := newPoller(be)
	ctx := context.Background()

	p.runOnce(ctx)
	uid := me
	be.SetStatus(7, models.OrderStatusEnRoute, &uid)
	p.runOnce(ctx)

	for _, ev := range rec.events() {
		require.NotEqual(t, realtime.EventOrderRemoved, ev.Name)
	}
}

func TestPoller_FailuresBackOff(t *testing.T) {
	be := fake.New(models.User{ID: me})
	p, _ := newPoller(be)
	ctx := context.Background()

	be.FailNext(http.MethodGet, backend.PathOrders, errors.New("offline"))
	be.FailNext(http.MethodGet, backend.PathOrders, errors.New("offline"))
	p.runOnce(ctx)
	p.runOnce(ctx)

	st := p.Stats()
	require.Equal(t, int32(2), st.ConsecutiveFails)
	require.Equal(t, int64(2), st.TotalErrors)
	require.Contains(t, st.LastError, "list orders")
	require.Equal(t, 20*time.Second, p.planner.NextDelay(p.fails))

	p.runOnce(ctx)
	require.Equal(t, int32(0), p.Stats().ConsecutiveFails)
	require.Equal(t, 10*time.Second, p.planner.NextDelay(p.fails))
}

func TestPoller_GeoFailureKeepsPolling(t *testing.T) {
	be := fake.New(models.User{ID: me})
	be.Seed(awaiting(1))
	be.RespondNext(http.MethodGet, backend.PathGeoAssignments, http.StatusInternalServerError, nil)
	p, rec := newPoller(be)

	p.runOnce(context.Background())
	require.Len(t, rec.events(), 1)
	require.Equal(t, int32(0), p.Stats().ConsecutiveFails)
}

func TestPoller_Run_ConnectTriggerDisconnect(t *testing.T) {
	be := fake.New(models.User{ID: me})
	p, rec := newPoller(be)
	p.WithSettings(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Stats().TotalCycles == 1 }, time.Second, 5*time.Millisecond)
	p.Trigger()
	require.Eventually(t, func() bool { return p.Stats().TotalCycles == 2 }, time.Second, 5*time.Millisecond)
	require.NotNil(t, p.Stats().LastTriggerAt)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	evs := rec.events()
	require.Equal(t, realtime.EventConnect, evs[0].Name)
	require.Equal(t, realtime.EventDisconnect, evs[len(evs)-1].Name)
}

func TestPoller_WithSettings(t *testing.T) {
	p := New(nil, nil).WithSettings(5 * time.Second)
	require.Equal(t, 5*time.Second, p.planner.NextDelay(0))
	require.Equal(t, 10*time.Second, p.planner.BackoffDelay(1))
}
