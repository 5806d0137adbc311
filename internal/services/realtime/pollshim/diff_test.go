package pollshim

import (
	"testing"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/services/realtime"
	"github.com/stretchr/testify/require"
)

const me = int64(42)

func awaiting(id int64) *models.Order {
	return &models.Order{ID: id, Status: models.OrderStatusAwaitingCourier}
}

func names(evs []realtime.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, string(ev.Name))
	}
	return out
}

func TestDiff_FirstSnapshotIsInitialConnect(t *testing.T) {
	evs := Diff(nil, []*models.Order{awaiting(7), awaiting(3)}, nil, nil, me, true)
	require.Len(t, evs, 2)
	require.Equal(t, int64(3), evs[0].OrderID)
	require.Equal(t, int64(7), evs[1].OrderID)
	for _, ev := range evs {
		require.Equal(t, realtime.EventNewNearbyOrder, ev.Name)
		require.True(t, ev.InitialConnect)
		require.NotNil(t, ev.Order)
	}
}

func TestDiff_AbsentOrderIsRemoved(t *testing.T) {
	evs := Diff([]*models.Order{awaiting(7)}, []*models.Order{}, nil, nil, me, false)
	require.Equal(t, []realtime.Event{{Name: realtime.EventOrderRemoved, OrderID: 7}}, evs)
}

func TestDiff_OwnClaimIsNotRemoval(t *testing.T) {
	uid := me
	claimed := &models.Order{ID: 7, Status: models.OrderStatusEnRoute, CourierID: &uid}

	evs := Diff([]*models.Order{awaiting(7)}, []*models.Order{claimed}, nil, nil, me, false)
	require.Equal(t, []string{string(realtime.EventStateChanged)}, names(evs))
	require.Equal(t, models.OrderStatusEnRoute, evs[0].Status)
	require.Equal(t, models.OrderStatusAwaitingCourier, evs[0].Previous)
}

func TestDiff_TakenByOtherCourier(t *testing.T) {
	other := int64(9)
	taken := &models.Order{ID: 7, Status: models.OrderStatusEnRoute, CourierID: &other}

	evs := Diff([]*models.Order{awaiting(7)}, []*models.Order{taken}, nil, nil, me, false)
	require.Equal(t, []string{string(realtime.EventOrderRemoved), string(realtime.EventStateChanged)}, names(evs))
}

func TestDiff_GeoFilter(t *testing.T) {
	geo := map[int64]struct{}{1: {}}
	evs := Diff(nil, []*models.Order{awaiting(1), awaiting(2)}, nil, geo, me, false)
	require.Len(t, evs, 1)
	require.Equal(t, int64(1), evs[0].OrderID)

	// Leaving the geo set removes it even though the status is unchanged.
	evs = Diff([]*models.Order{awaiting(1)}, []*models.Order{awaiting(1)}, geo, map[int64]struct{}{}, me, false)
	require.Equal(t, []realtime.Event{{Name: realtime.EventOrderRemoved, OrderID: 1}}, evs)
}

func TestDiff_StatusNormalizedBeforeCompare(t *testing.T) {
	prev := []*models.Order{{ID: 1, Status: "Esperando Repartidor"}}
	evs := Diff(prev, []*models.Order{awaiting(1)}, nil, nil, me, false)
	require.Empty(t, evs)
}
