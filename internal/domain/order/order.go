package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/cart"
)

// Order represents a placed order with its price breakdown.
type Order struct {
	ID         string
	Identity   cart.Identity
	Items      []Item
	Subtotal   decimal.Decimal
	Discount   decimal.Decimal
	Shipping   decimal.Decimal
	Total      decimal.Decimal
	CouponID   *int64
	CouponCode string
	// DiscountForfeited is set when the coupon could not be redeemed after
	// placement and the order was re-priced without it.
	DiscountForfeited bool
	CreatedAt         time.Time
}

// Item is an order line frozen at placement time.
type Item struct {
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

// Total returns UnitPrice * Quantity.
func (i Item) Total() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create stores the order and its items atomically.
	Create(ctx context.Context, o *Order) error
	// ForfeitDiscount drops the discount from a placed order and sets its new
	// total.
	ForfeitDiscount(ctx context.Context, id string, total decimal.Decimal) error
}

// Totals is the price breakdown shown at checkout.
type Totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// ShippingPolicy charges a flat fee below a free-shipping threshold.
type ShippingPolicy struct {
	FreeThreshold decimal.Decimal
	Fee           decimal.Decimal
}

// DefaultShipping is free from ৳2,000, otherwise ৳60.
var DefaultShipping = ShippingPolicy{
	FreeThreshold: decimal.NewFromInt(2000),
	Fee:           decimal.NewFromInt(60),
}

// Cost returns the shipping charge for a pre-discount subtotal. Empty carts
// ship for free.
func (p ShippingPolicy) Cost(subtotal decimal.Decimal) decimal.Decimal {
	if subtotal.Sign() <= 0 || subtotal.GreaterThanOrEqual(p.FreeThreshold) {
		return decimal.Zero
	}
	return p.Fee
}

// Quote computes checkout totals. Shipping is based on the subtotal before
// the discount.
func (p ShippingPolicy) Quote(subtotal, discount decimal.Decimal) Totals {
	subtotal = subtotal.Round(2)
	discount = discount.Round(2)
	shipping := p.Cost(subtotal)
	total := subtotal.Sub(discount)
	if total.IsNegative() {
		total = decimal.Zero
	}
	return Totals{
		Subtotal: subtotal,
		Discount: discount,
		Shipping: shipping,
		Total:    total.Add(shipping),
	}
}
