package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pendiente"
	OrderStatusPreparing       OrderStatus = "en preparacion"
	OrderStatusAwaitingCourier OrderStatus = "esperando repartidor"
	OrderStatusEnRoute         OrderStatus = "camino a tu casa"
	OrderStatusDelivered       OrderStatus = "entregado"
	OrderStatusCancelled       OrderStatus = "cancelado"
)

// Normalize lowercases and trims the wire value. The backend is not
// consistent about casing.
func (s OrderStatus) Normalize() OrderStatus {
	return OrderStatus(strings.ToLower(strings.TrimSpace(string(s))))
}

func (s OrderStatus) IsTerminal() bool {
	switch s.Normalize() {
	case OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:         {OrderStatusPreparing},
	OrderStatusPreparing:       {OrderStatusAwaitingCourier},
	OrderStatusAwaitingCourier: {OrderStatusEnRoute},
	OrderStatusEnRoute:         {OrderStatusDelivered, OrderStatusCancelled, OrderStatusAwaitingCourier},
}

// CanTransitionTo reports whether next is a legal successor of s.
// camino a tu casa -> esperando repartidor is the release path.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, n := range transitions[s.Normalize()] {
		if n == next.Normalize() {
			return true
		}
	}
	return false
}

type FeeKind string

const (
	FeeKindFlat  FeeKind = "fija"
	FeeKindPerKm FeeKind = "por_km"
)

type Restaurant struct {
	Name    string `json:"nombre"`
	Address string `json:"direccion"`
	Phone   string `json:"telefono"`
	City    string `json:"ciudad"`
}

type Customer struct {
	Name         string `json:"nombre"`
	Surname      string `json:"apellido"`
	Phone        string `json:"telefono"`
	Address      string `json:"direccion"`
	Complement   string `json:"complemento"`
	Neighborhood string `json:"barrio"`
}

type Product struct {
	Name     string          `json:"nombre"`
	Price    decimal.Decimal `json:"precio"`
	Quantity int             `json:"cantidad"`
}

type Order struct {
	ID         int64       `json:"id"`
	Status     OrderStatus `json:"estado"`
	CourierID  *int64      `json:"domiciliario_id"`
	Restaurant Restaurant  `json:"restaurantes"`
	Customer

	Products    []Product        `json:"productos"`
	DeliveryFee *decimal.Decimal `json:"costo_domicilio,omitempty"`
	FeeKind     FeeKind          `json:"tipo_tarifa,omitempty"`
	DistanceKm  *float64         `json:"distancia_km,omitempty"`
	CreatedAt   time.Time        `json:"fecha"`

	ManualDispatch bool `json:"envio_manual_domiciliario,omitempty"`
}

// OwnedBy reports whether the order is assigned to courierID.
func (o *Order) OwnedBy(courierID int64) bool {
	return o.CourierID != nil && *o.CourierID == courierID
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.CourierID != nil {
		v := *o.CourierID
		c.CourierID = &v
	}
	if o.DeliveryFee != nil {
		v := *o.DeliveryFee
		c.DeliveryFee = &v
	}
	if o.DistanceKm != nil {
		v := *o.DistanceKm
		c.DistanceKm = &v
	}
	c.Products = append([]Product(nil), o.Products...)
	return &c
}

type GeoAssignment struct {
	OrderID int64 `json:"pedido_id"`
}

type User struct {
	ID   int64  `json:"id"`
	Name string `json:"nombre,omitempty"`
	Kind string `json:"tipo,omitempty"`
	City string `json:"ciudad,omitempty"`
}
