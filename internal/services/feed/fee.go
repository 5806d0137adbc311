package feed

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultFee applies when neither a stored fee nor a known city is available.
const DefaultFee = 5000

var cityFees = map[string]int64{
	"chiquinquira": 4000,
	"tunja":        5000,
	"cajica":       3000,
	"zipaquira":    4500,
}

// NormalizeCity lowercases, trims and strips diacritics: "  Zipaquirá " -> "zipaquira".
func NormalizeCity(city string) string {
	s := strings.ToLower(strings.TrimSpace(city))
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// DeliveryFee is pure: stored fee if present and non-zero, else the city
// table, else DefaultFee.
func DeliveryFee(o *models.Order) decimal.Decimal {
	if o.DeliveryFee != nil && !o.DeliveryFee.IsZero() {
		return *o.DeliveryFee
	}
	if fee, ok := cityFees[NormalizeCity(o.Restaurant.City)]; ok {
		return decimal.NewFromInt(fee)
	}
	return decimal.NewFromInt(DefaultFee)
}

func Subtotal(o *models.Order) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range o.Products {
		sum = sum.Add(p.Price.Mul(decimal.NewFromInt(int64(p.Quantity))))
	}
	return sum
}

func Total(o *models.Order) decimal.Decimal {
	return Subtotal(o).Add(DeliveryFee(o))
}

// FeeDetail explains the fee to the courier.
func FeeDetail(o *models.Order) string {
	if o.FeeKind == models.FeeKindPerKm && o.DistanceKm != nil {
		return fmt.Sprintf("Por distancia: %.1f km", *o.DistanceKm)
	}
	return "Tarifa fija"
}
