package coupon

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Calculate returns the discount c grants on subtotal. The result is rounded
// half-up to two places and always lies in [0, subtotal].
func Calculate(c *Coupon, subtotal decimal.Decimal) decimal.Decimal {
	if subtotal.Sign() <= 0 {
		return decimal.Zero
	}

	var raw decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		raw = subtotal.Mul(c.DiscountValue).Div(hundred)
		if c.MaximumDiscountCap != nil && raw.GreaterThan(*c.MaximumDiscountCap) {
			raw = *c.MaximumDiscountCap
		}
	case DiscountFixed:
		raw = c.DiscountValue
	default:
		return decimal.Zero
	}

	amount := decimal.Min(raw.Round(2), subtotal)
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}
