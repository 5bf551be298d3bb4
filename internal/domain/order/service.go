package order

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/coupon"
)

// Sentinel errors for order placement.
var (
	ErrEmptyCart       = errors.New("cart is empty")
	ErrMissingIdentity = errors.New("customer or session id required")
)

// CouponRejectedError blocks an order whose coupon no longer applies to the
// cart at placement time.
type CouponRejectedError struct {
	Verdict coupon.Verdict
}

func (e *CouponRejectedError) Error() string {
	return fmt.Sprintf("coupon rejected: %s", e.Verdict.Reason)
}

// Validator checks a coupon code against cart lines.
type Validator interface {
	Validate(ctx context.Context, code string, lines []cart.Line, id cart.Identity) (coupon.Verdict, error)
}

// UsageRecorder counts a redemption.
type UsageRecorder interface {
	Record(ctx context.Context, couponID int64, id cart.Identity, orderID string) (coupon.RecordResult, error)
}

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	Identity   cart.Identity
	CouponCode string
}

// Service encapsulates order placement business logic.
type Service struct {
	carts    cart.Repository
	coupons  Validator
	recorder UsageRecorder
	orders   Repository
	flags    coupon.Flagger
	cache    coupon.Invalidator
	shipping ShippingPolicy
}

// NewService creates an order Service. cache may be nil.
func NewService(
	carts cart.Repository,
	coupons Validator,
	recorder UsageRecorder,
	orders Repository,
	flags coupon.Flagger,
	cache coupon.Invalidator,
	shipping ShippingPolicy,
) *Service {
	return &Service{
		carts:    carts,
		coupons:  coupons,
		recorder: recorder,
		orders:   orders,
		flags:    flags,
		cache:    cache,
		shipping: shipping,
	}
}

// Quote validates an optional coupon against the shopper's cart and returns
// the verdict together with checkout totals. It has no side effects.
func (s *Service) Quote(ctx context.Context, id cart.Identity, code string) (coupon.Verdict, Totals, error) {
	lines, err := s.carts.Lines(ctx, id)
	if err != nil {
		return coupon.Verdict{}, Totals{}, &coupon.UnavailableError{Err: errors.Wrap(err, "read cart")}
	}
	subtotal := cart.Subtotal(lines)

	v, err := s.coupons.Validate(ctx, code, lines, id)
	if err != nil {
		return coupon.Verdict{}, s.shipping.Quote(subtotal, decimal.Zero), err
	}
	discount := decimal.Zero
	if v.Valid {
		discount = v.Discount
	}
	return v, s.shipping.Quote(subtotal, discount), nil
}

// PlaceOrder re-validates the coupon against the current cart, persists the
// order, clears the cart and records the redemption. A redemption that fails
// after the order is stored never fails the order; it is flagged for
// reconciliation instead.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	if req.Identity.IsZero() {
		return nil, ErrMissingIdentity
	}

	lines, err := s.carts.Lines(ctx, req.Identity)
	if err != nil {
		return nil, errors.Wrap(err, "read cart")
	}
	if cart.ItemCount(lines) == 0 {
		return nil, ErrEmptyCart
	}
	subtotal := cart.Subtotal(lines)

	// Re-validate against the cart as it is now.
	var applied *coupon.Coupon
	discount := decimal.Zero
	if code := coupon.NormalizeCode(req.CouponCode); code != "" {
		v, err := s.coupons.Validate(ctx, code, lines, req.Identity)
		if err != nil {
			return nil, err
		}
		if !v.Valid {
			return nil, &CouponRejectedError{Verdict: v}
		}
		applied = v.Coupon
		discount = v.Discount
	}

	totals := s.shipping.Quote(subtotal, discount)
	o := &Order{
		ID:       uuid.New().String(),
		Identity: req.Identity,
		Items:    items(lines),
		Subtotal: totals.Subtotal,
		Discount: totals.Discount,
		Shipping: totals.Shipping,
		Total:    totals.Total,
	}
	if applied != nil {
		o.CouponID = &applied.ID
		o.CouponCode = applied.Code
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	lg := zctx.From(ctx).With(zap.String("order_id", o.ID))
	lg.Info("Order placed",
		zap.String("total", o.Total.StringFixed(2)),
		zap.String("coupon", o.CouponCode),
	)

	if err := s.carts.Clear(ctx, req.Identity); err != nil {
		lg.Error("Clear cart", zap.Error(err))
	}

	if applied != nil {
		s.redeem(ctx, lg, o, applied)
	}
	return o, nil
}

func (s *Service) redeem(ctx context.Context, lg *zap.Logger, o *Order, c *coupon.Coupon) {
	res, err := s.recorder.Record(ctx, c.ID, o.Identity, o.ID)
	if err != nil {
		lg.Error("Record coupon usage", zap.Int64("coupon_id", c.ID), zap.Error(err))
		s.flag(ctx, lg, coupon.Discrepancy{
			OrderID:  o.ID,
			CouponID: c.ID,
			Kind:     coupon.DiscrepancyRecordFailed,
			Detail:   err.Error(),
		})
		return
	}
	s.invalidate(ctx, lg, c.Code)

	if !res.Forfeited {
		return
	}

	total := s.shipping.Quote(o.Subtotal, decimal.Zero).Total
	if err := s.orders.ForfeitDiscount(ctx, o.ID, total); err != nil {
		lg.Error("Forfeit discount", zap.Error(err))
	} else {
		o.Discount = decimal.Zero
		o.Total = total
		o.DiscountForfeited = true
	}
	lg.Warn("Coupon discount forfeited",
		zap.Int64("coupon_id", c.ID),
		zap.String("reason", string(res.Reason)),
		zap.String("total", total.StringFixed(2)),
	)
	s.flag(ctx, lg, coupon.Discrepancy{
		OrderID:  o.ID,
		CouponID: c.ID,
		Kind:     coupon.DiscrepancyForfeited,
		Detail:   string(res.Reason),
	})
}

func (s *Service) flag(ctx context.Context, lg *zap.Logger, d coupon.Discrepancy) {
	if err := s.flags.Flag(ctx, d); err != nil {
		lg.Error("Flag discrepancy",
			zap.String("kind", string(d.Kind)),
			zap.Error(err),
		)
	}
}

func (s *Service) invalidate(ctx context.Context, lg *zap.Logger, code string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, code); err != nil {
		lg.Warn("Invalidate coupon cache", zap.String("code", code), zap.Error(err))
	}
}

func items(lines []cart.Line) []Item {
	out := make([]Item, 0, len(lines))
	for _, l := range lines {
		if l.Orphaned || l.Quantity <= 0 {
			continue
		}
		out = append(out, Item{
			ProductID: l.ProductID,
			Name:      l.Name,
			UnitPrice: l.UnitPrice,
			Quantity:  l.Quantity,
		})
	}
	return out
}
