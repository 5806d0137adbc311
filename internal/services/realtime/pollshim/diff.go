package pollshim

import (
	"sort"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/services/realtime"
)

// available reports whether o is offered to the courier. A nil geo set means
// the assignments could not be fetched and every waiting order counts.
func available(o *models.Order, geo map[int64]struct{}) bool {
	if o.Status.Normalize() != models.OrderStatusAwaitingCourier {
		return false
	}
	if geo == nil {
		return true
	}
	_, ok := geo[o.ID]
	return ok
}

func index(orders []*models.Order) map[int64]*models.Order {
	out := make(map[int64]*models.Order, len(orders))
	for _, o := range orders {
		if o != nil {
			out[o.ID] = o
		}
	}
	return out
}

func sortedIDs(m map[int64]*models.Order) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Diff synthesizes the socket events that explain the change from prev to
// curr. prevGeo and currGeo follow the nil rule of available. first marks
// the snapshot taken right after connecting.
func Diff(prev, curr []*models.Order, prevGeo, currGeo map[int64]struct{}, courierID int64, first bool) []realtime.Event {
	before := index(prev)
	after := index(curr)
	var out []realtime.Event

	for _, id := range sortedIDs(after) {
		o := after[id]
		p, had := before[id]
		wasAvailable := had && available(p, prevGeo)
		if available(o, currGeo) && !wasAvailable {
			out = append(out, realtime.Event{
				Name:           realtime.EventNewNearbyOrder,
				OrderID:        id,
				Order:          o.Clone(),
				DistanceKm:     o.DistanceKm,
				InitialConnect: first,
			})
		}
	}

	for _, id := range sortedIDs(before) {
		p := before[id]
		if !available(p, prevGeo) {
			continue
		}
		o, still := after[id]
		if still && available(o, currGeo) {
			continue
		}
		// A claim by this courier is a state change, never a removal.
		if still && o.OwnedBy(courierID) && o.Status.Normalize() == models.OrderStatusEnRoute {
			continue
		}
		out = append(out, realtime.Event{Name: realtime.EventOrderRemoved, OrderID: id})
	}

	for _, id := range sortedIDs(after) {
		o := after[id]
		p, had := before[id]
		if !had || p.Status.Normalize() == o.Status.Normalize() {
			continue
		}
		out = append(out, realtime.Event{
			Name:     realtime.EventStateChanged,
			OrderID:  id,
			Order:    o.Clone(),
			Status:   o.Status.Normalize(),
			Previous: p.Status.Normalize(),
		})
	}
	return out
}
