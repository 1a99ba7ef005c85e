package rest

import "github.com/shopspring/decimal"

// SnapQuantity floors a quantity to the symbol's lot step so the exchange
// never rejects on LOT_SIZE. Flooring keeps sells within the held balance.
func SnapQuantity(quantity, step float64) float64 {
	if step <= 0 || quantity <= 0 {
		return quantity
	}
	q := decimal.NewFromFloat(quantity)
	s := decimal.NewFromFloat(step)
	snapped, _ := q.Div(s).Floor().Mul(s).Float64()
	return snapped
}

// SnapPrice rounds a price to the nearest tick.
func SnapPrice(price, tick float64) float64 {
	if tick <= 0 || price <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	snapped, _ := p.Div(t).Round(0).Mul(t).Float64()
	return snapped
}

// FormatAmount renders a float for the wire without exponent notation
// or float64 drift past the increment's precision.
func FormatAmount(value, increment float64) string {
	v := decimal.NewFromFloat(value)
	if increment > 0 {
		places := -decimal.NewFromFloat(increment).Exponent()
		if places > 0 {
			v = v.Round(places)
		}
	}
	return v.String()
}
