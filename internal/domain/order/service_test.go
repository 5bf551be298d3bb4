package order

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/coupon"
)

// --- Mock implementations ---

type mockCarts struct {
	lines    []cart.Line
	err      error
	clearErr error
	cleared  []cart.Identity
}

func (m *mockCarts) Lines(_ context.Context, _ cart.Identity) ([]cart.Line, error) {
	return m.lines, m.err
}

func (m *mockCarts) Clear(_ context.Context, id cart.Identity) error {
	m.cleared = append(m.cleared, id)
	return m.clearErr
}

type mockValidator struct {
	verdict coupon.Verdict
	err     error
	codes   []string
}

func (m *mockValidator) Validate(_ context.Context, code string, _ []cart.Line, _ cart.Identity) (coupon.Verdict, error) {
	m.codes = append(m.codes, code)
	return m.verdict, m.err
}

type mockRecorder struct {
	result coupon.RecordResult
	err    error
	calls  int
}

func (m *mockRecorder) Record(_ context.Context, _ int64, _ cart.Identity, _ string) (coupon.RecordResult, error) {
	m.calls++
	return m.result, m.err
}

type mockOrderRepo struct {
	lastOrder    *Order
	err          error
	forfeitedID  string
	forfeitTotal decimal.Decimal
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order) error {
	m.lastOrder = o
	return m.err
}

func (m *mockOrderRepo) ForfeitDiscount(_ context.Context, id string, total decimal.Decimal) error {
	m.forfeitedID = id
	m.forfeitTotal = total
	return nil
}

type mockFlagger struct {
	flags []coupon.Discrepancy
}

func (m *mockFlagger) Flag(_ context.Context, d coupon.Discrepancy) error {
	m.flags = append(m.flags, d)
	return nil
}

type mockInvalidator struct {
	codes []string
}

func (m *mockInvalidator) Invalidate(_ context.Context, code string) error {
	m.codes = append(m.codes, code)
	return nil
}

// --- Helpers ---

type fixture struct {
	carts    *mockCarts
	coupons  *mockValidator
	recorder *mockRecorder
	orders   *mockOrderRepo
	flags    *mockFlagger
	cache    *mockInvalidator
	svc      *Service
}

func newFixture(lines ...cart.Line) *fixture {
	f := &fixture{
		carts:    &mockCarts{lines: lines},
		coupons:  &mockValidator{},
		recorder: &mockRecorder{result: coupon.RecordResult{Success: true, UsageCount: 1}},
		orders:   &mockOrderRepo{},
		flags:    &mockFlagger{},
		cache:    &mockInvalidator{},
	}
	f.svc = NewService(f.carts, f.coupons, f.recorder, f.orders, f.flags, f.cache, DefaultShipping)
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func summer20() *coupon.Coupon {
	return &coupon.Coupon{ID: 7, Code: "SUMMER20", DiscountType: coupon.DiscountPercentage, DiscountValue: dec("20")}
}

var shopper = cart.NewIdentity("", "sess-1")

// --- Tests ---

func TestShippingPolicy_Quote(t *testing.T) {
	tests := []struct {
		name     string
		subtotal string
		discount string
		shipping string
		total    string
	}{
		{name: "below threshold pays fee", subtotal: "1000", discount: "0", shipping: "60", total: "1060"},
		{name: "threshold is inclusive", subtotal: "2000", discount: "0", shipping: "0", total: "2000"},
		{name: "threshold uses pre-discount subtotal", subtotal: "2000", discount: "200", shipping: "0", total: "1800"},
		{name: "empty cart", subtotal: "0", discount: "0", shipping: "0", total: "0"},
		{name: "discount never drives total negative", subtotal: "30", discount: "50", shipping: "60", total: "60"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DefaultShipping.Quote(dec(tt.subtotal), dec(tt.discount))
			assertDec(t, tt.shipping, got.Shipping)
			assertDec(t, tt.total, got.Total)
		})
	}
}

func TestPlaceOrder_MissingIdentity(t *testing.T) {
	f := newFixture()
	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{})
	require.ErrorIs(t, err, ErrMissingIdentity)
}

func TestPlaceOrder_EmptyCart(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "gone", Quantity: 2, Orphaned: true})
	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{Identity: shopper})
	require.ErrorIs(t, err, ErrEmptyCart)
	assert.Nil(t, f.orders.lastOrder)
}

func TestPlaceOrder_NoCoupon(t *testing.T) {
	f := newFixture(
		cart.Line{ProductID: "p1", Name: "Shirt", UnitPrice: dec("450.50"), Quantity: 2},
		cart.Line{ProductID: "gone", UnitPrice: dec("99"), Quantity: 1, Orphaned: true},
	)

	o, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{Identity: shopper})
	require.NoError(t, err)

	assertDec(t, "901", o.Subtotal)
	assertDec(t, "0", o.Discount)
	assertDec(t, "60", o.Shipping)
	assertDec(t, "961", o.Total)
	assert.Len(t, o.Items, 1)
	assert.Nil(t, o.CouponID)
	assert.Zero(t, f.recorder.calls)
	assert.Empty(t, f.coupons.codes)
	assert.Equal(t, []cart.Identity{shopper}, f.carts.cleared)
	assert.NotEmpty(t, o.ID)
}

func TestPlaceOrder_WithCoupon(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "p1", UnitPrice: dec("1000"), Quantity: 1})
	f.coupons.verdict = coupon.Verdict{Valid: true, Reason: coupon.ReasonApplied, Discount: dec("200"), Coupon: summer20()}

	o, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{Identity: shopper, CouponCode: " summer20 "})
	require.NoError(t, err)

	assert.Equal(t, []string{"SUMMER20"}, f.coupons.codes)
	assertDec(t, "200", o.Discount)
	assertDec(t, "860", o.Total)
	require.NotNil(t, o.CouponID)
	assert.Equal(t, int64(7), *o.CouponID)
	assert.Equal(t, 1, f.recorder.calls)
	assert.Equal(t, []string{"SUMMER20"}, f.cache.codes)
	assert.Empty(t, f.flags.flags)
	assert.Same(t, o, f.orders.lastOrder)
}

func TestPlaceOrder_CouponRejected(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "p1", UnitPrice: dec("300"), Quantity: 1})
	f.coupons.verdict = coupon.Verdict{Reason: coupon.ReasonMinimumNotMet, Message: "Minimum order amount of ৳500 not met"}

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{Identity: shopper, CouponCode: "BIG"})

	var rej *CouponRejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, coupon.ReasonMinimumNotMet, rej.Verdict.Reason)
	assert.Nil(t, f.orders.lastOrder)
	assert.Empty(t, f.carts.cleared)
}

func TestPlaceOrder_ValidatorUnavailable(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "p1", UnitPrice: dec("300"), Quantity: 1})
	f.coupons.err = &coupon.UnavailableError{Err: errors.New("timeout")}

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{Identity: shopper, CouponCode: "SUMMER20"})

	var unavailable *coupon.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Nil(t, f.orders.lastOrder)
}

func TestPlaceOrder_RecorderFailureKeepsOrder(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "p1", UnitPrice: dec("1000"), Quantity: 1})
	f.coupons.verdict = coupon.Verdict{Valid: true, Discount: dec("200"), Coupon: summer20()}
	f.recorder.err = errors.New("store down")

	o, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{Identity: shopper, CouponCode: "SUMMER20"})
	require.NoError(t, err)
	assertDec(t, "200", o.Discount)

	require.Len(t, f.flags.flags, 1)
	assert.Equal(t, coupon.DiscrepancyRecordFailed, f.flags.flags[0].Kind)
	assert.Equal(t, o.ID, f.flags.flags[0].OrderID)
	assert.Equal(t, int64(7), f.flags.flags[0].CouponID)
}

func TestPlaceOrder_Forfeit(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "p1", UnitPrice: dec("1000"), Quantity: 1})
	f.coupons.verdict = coupon.Verdict{Valid: true, Discount: dec("200"), Coupon: summer20()}
	f.recorder.result = coupon.RecordResult{Forfeited: true, Reason: coupon.ReasonUsageExceeded}

	o, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{Identity: shopper, CouponCode: "SUMMER20"})
	require.NoError(t, err)

	assert.True(t, o.DiscountForfeited)
	assertDec(t, "0", o.Discount)
	assertDec(t, "1060", o.Total)
	assert.Equal(t, o.ID, f.orders.forfeitedID)
	assertDec(t, "1060", f.orders.forfeitTotal)

	require.Len(t, f.flags.flags, 1)
	assert.Equal(t, coupon.DiscrepancyForfeited, f.flags.flags[0].Kind)
}

func TestPlaceOrder_ClearCartFailureIgnored(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "p1", UnitPrice: dec("10"), Quantity: 1})
	f.carts.clearErr = errors.New("locked")

	o, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{Identity: shopper})
	require.NoError(t, err)
	assert.NotNil(t, o)
}

func TestQuote(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "p1", UnitPrice: dec("1000"), Quantity: 2})
	f.coupons.verdict = coupon.Verdict{Valid: true, Discount: dec("400"), Coupon: summer20()}

	v, totals, err := f.svc.Quote(context.Background(), shopper, "SUMMER20")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assertDec(t, "2000", totals.Subtotal)
	assertDec(t, "0", totals.Shipping)
	assertDec(t, "1600", totals.Total)
	assert.Zero(t, f.recorder.calls)
	assert.Nil(t, f.orders.lastOrder)
}

func TestQuote_CartUnavailable(t *testing.T) {
	f := newFixture()
	f.carts.err = errors.New("connection refused")

	_, _, err := f.svc.Quote(context.Background(), shopper, "SUMMER20")

	var unavailable *coupon.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Empty(t, f.coupons.codes)
}
