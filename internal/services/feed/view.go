package feed

import (
	"sort"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/shopspring/decimal"
)

// MaxActiveOrders is the hard per-courier cap.
const MaxActiveOrders = 2

type Section string

const (
	SectionMine      Section = "mine"
	SectionAvailable Section = "available"
)

// View is the render-ready feed: Mine then Available, never a duplicate id.
type View struct {
	Mine           []*models.Order `json:"mine"`
	Available      []*models.Order `json:"available"`
	ActiveCount    int             `json:"activeCount"`
	Blocked        bool            `json:"blocked,omitempty"`
	BlockedMessage string          `json:"blockedMessage,omitempty"`
}

// Entry is one row with its derived money fields.
type Entry struct {
	Section   Section         `json:"section"`
	Order     *models.Order   `json:"pedido"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Fee       decimal.Decimal `json:"costoDomicilio"`
	FeeDetail string          `json:"detalleTarifa"`
	Total     decimal.Decimal `json:"total"`
}

// Entries flattens the view in display order.
func (v View) Entries() []Entry {
	out := make([]Entry, 0, len(v.Mine)+len(v.Available))
	add := func(sec Section, os []*models.Order) {
		for _, o := range os {
			out = append(out, Entry{
				Section:   sec,
				Order:     o,
				Subtotal:  Subtotal(o),
				Fee:       DeliveryFee(o),
				FeeDetail: FeeDetail(o),
				Total:     Total(o),
			})
		}
	}
	add(SectionMine, v.Mine)
	add(SectionAvailable, v.Available)
	return out
}

func (v View) IDs() []int64 {
	out := make([]int64, 0, len(v.Mine)+len(v.Available))
	for _, o := range v.Mine {
		out = append(out, o.ID)
	}
	for _, o := range v.Available {
		out = append(out, o.ID)
	}
	return out
}

// Dedupe collapses repeated ids, keeping the last occurrence's data at the
// position of the first.
func Dedupe(orders []*models.Order) []*models.Order {
	idx := make(map[int64]int, len(orders))
	out := make([]*models.Order, 0, len(orders))
	for _, o := range orders {
		if o == nil {
			continue
		}
		if i, ok := idx[o.ID]; ok {
			out[i] = o
			continue
		}
		idx[o.ID] = len(out)
		out = append(out, o)
	}
	return out
}

// BuildView partitions orders for courierID. recentClaims lists ids claimed
// in this session, most recent first; they lead the Mine section.
func BuildView(orders []*models.Order, courierID int64, geo map[int64]struct{}, recentClaims []int64) View {
	var mine, available []*models.Order
	for _, o := range Dedupe(orders) {
		switch o.Status.Normalize() {
		case models.OrderStatusEnRoute:
			if o.OwnedBy(courierID) {
				mine = append(mine, o)
			}
		case models.OrderStatusAwaitingCourier:
			if _, ok := geo[o.ID]; ok {
				available = append(available, o)
			}
		}
	}
	sortByCreated(mine)
	sortByCreated(available)
	mine = promote(mine, recentClaims)

	if len(mine) >= MaxActiveOrders {
		available = nil
	}
	if mine == nil {
		mine = []*models.Order{}
	}
	if available == nil {
		available = []*models.Order{}
	}
	return View{Mine: mine, Available: available, ActiveCount: len(mine)}
}

func sortByCreated(os []*models.Order) {
	sort.SliceStable(os, func(i, j int) bool {
		if !os[i].CreatedAt.Equal(os[j].CreatedAt) {
			return os[i].CreatedAt.Before(os[j].CreatedAt)
		}
		return os[i].ID < os[j].ID
	})
}

func promote(mine []*models.Order, recent []int64) []*models.Order {
	if len(recent) == 0 || len(mine) == 0 {
		return mine
	}
	byID := make(map[int64]*models.Order, len(mine))
	for _, o := range mine {
		byID[o.ID] = o
	}
	out := make([]*models.Order, 0, len(mine))
	used := map[int64]bool{}
	for _, id := range recent {
		if o, ok := byID[id]; ok && !used[id] {
			out = append(out, o)
			used[id] = true
		}
	}
	for _, o := range mine {
		if !used[o.ID] {
			out = append(out, o)
		}
	}
	return out
}
