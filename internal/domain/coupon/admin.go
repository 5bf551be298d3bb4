package coupon

import (
	"context"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/product"
)

// ValidationError rejects an admin-submitted coupon definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// UnknownProductsError lists product ids in a Products scope that do not exist.
type UnknownProductsError struct {
	IDs []string
}

func (e *UnknownProductsError) Error() string {
	return "unknown products: " + strings.Join(e.IDs, ", ")
}

// Draft holds the fields of a coupon being created.
type Draft struct {
	Code               string
	Description        string
	DiscountType       DiscountType
	DiscountValue      decimal.Decimal
	MinimumOrderAmount decimal.Decimal
	MaximumDiscountCap *decimal.Decimal
	UsageLimit         *int
	UsagePerCustomer   int
	StartDate          time.Time
	ExpiryDate         time.Time
	Active             bool
	Scope              Scope
}

// Field is an optional patch value. Set distinguishes "not provided" from
// the zero value, which matters for nullable columns.
type Field[T any] struct {
	Set   bool
	Value T
}

// Value wraps v in a set Field.
func Value[T any](v T) Field[T] {
	return Field[T]{Set: true, Value: v}
}

// Patch is a partial update. Code may be sent back unchanged by forms but any
// other value is rejected.
type Patch struct {
	Code               Field[string]
	Description        Field[string]
	DiscountType       Field[DiscountType]
	DiscountValue      Field[decimal.Decimal]
	MinimumOrderAmount Field[decimal.Decimal]
	MaximumDiscountCap Field[*decimal.Decimal]
	UsageLimit         Field[*int]
	UsagePerCustomer   Field[int]
	StartDate          Field[time.Time]
	ExpiryDate         Field[time.Time]
	Active             Field[bool]
	Scope              Field[Scope]
}

// Status filters the admin listing.
type Status string

const (
	StatusAll      Status = ""
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusExpired  Status = "expired"
)

// ParseStatus validates a status filter.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusAll, StatusActive, StatusInactive, StatusExpired:
		return st, nil
	default:
		return "", &ValidationError{Field: "status", Message: "must be one of active, inactive, expired"}
	}
}

// Stats summarizes the coupon table.
type Stats struct {
	Total   int
	Active  int
	Expired int
}

// Options are the choices offered by the coupon form's scope pickers.
type Options struct {
	Products   []product.Product
	Categories []string
}

// Admin implements the coupon console.
type Admin struct {
	store   Store
	catalog product.Repository
	cache   Invalidator
	now     func() time.Time
}

// NewAdmin creates an Admin. cache may be nil.
func NewAdmin(store Store, catalog product.Repository, cache Invalidator) *Admin {
	if cache == nil {
		cache = nopInvalidator{}
	}
	return &Admin{store: store, catalog: catalog, cache: cache, now: time.Now}
}

// Create validates d and persists it as a new coupon.
func (a *Admin) Create(ctx context.Context, d Draft) (*Coupon, error) {
	code := NormalizeCode(d.Code)
	if utf8.RuneCountInString(code) < MinCodeLength {
		return nil, &ValidationError{Field: "code", Message: "must be at least 3 characters"}
	}
	if d.UsagePerCustomer == 0 {
		d.UsagePerCustomer = 1
	}
	if d.Scope == nil {
		d.Scope = AllItems{}
	}

	c := &Coupon{
		Code:               code,
		Description:        d.Description,
		DiscountType:       d.DiscountType,
		DiscountValue:      d.DiscountValue,
		MinimumOrderAmount: d.MinimumOrderAmount,
		MaximumDiscountCap: d.MaximumDiscountCap,
		UsageLimit:         d.UsageLimit,
		UsagePerCustomer:   d.UsagePerCustomer,
		StartDate:          d.StartDate,
		ExpiryDate:         d.ExpiryDate,
		Active:             d.Active,
		Scope:              d.Scope,
	}
	if err := a.check(ctx, c); err != nil {
		return nil, err
	}

	if _, err := a.store.FindByCode(ctx, code); err == nil {
		return nil, ErrCodeExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, errors.Wrap(err, "check code")
	}

	if err := a.store.Create(ctx, c); err != nil {
		return nil, errors.Wrap(err, "create coupon")
	}
	a.invalidate(ctx, code)
	return c, nil
}

// Get returns a coupon by id.
func (a *Admin) Get(ctx context.Context, id int64) (*Coupon, error) {
	return a.store.Get(ctx, id)
}

// Update applies p to the coupon with the given id.
func (a *Admin) Update(ctx context.Context, id int64, p Patch) (*Coupon, error) {
	c, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Code.Set && NormalizeCode(p.Code.Value) != c.Code {
		return nil, ErrCodeImmutable
	}

	apply(&c.Description, p.Description)
	apply(&c.DiscountType, p.DiscountType)
	apply(&c.DiscountValue, p.DiscountValue)
	apply(&c.MinimumOrderAmount, p.MinimumOrderAmount)
	apply(&c.MaximumDiscountCap, p.MaximumDiscountCap)
	apply(&c.UsageLimit, p.UsageLimit)
	apply(&c.UsagePerCustomer, p.UsagePerCustomer)
	apply(&c.StartDate, p.StartDate)
	apply(&c.ExpiryDate, p.ExpiryDate)
	apply(&c.Active, p.Active)
	apply(&c.Scope, p.Scope)

	if err := a.check(ctx, c); err != nil {
		return nil, err
	}
	if err := a.store.Update(ctx, c); err != nil {
		return nil, errors.Wrap(err, "update coupon")
	}
	a.invalidate(ctx, c.Code)
	return c, nil
}

func apply[T any](dst *T, f Field[T]) {
	if f.Set {
		*dst = f.Value
	}
}

// Delete removes a coupon. Its code becomes invalid immediately.
func (a *Admin) Delete(ctx context.Context, id int64) error {
	c, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := a.store.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "delete coupon")
	}
	a.invalidate(ctx, c.Code)
	return nil
}

// SetActive switches a coupon on or off.
func (a *Admin) SetActive(ctx context.Context, id int64, active bool) error {
	c, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := a.store.SetActive(ctx, id, active); err != nil {
		return errors.Wrap(err, "set active")
	}
	a.invalidate(ctx, c.Code)
	return nil
}

// List returns coupons newest first, narrowed by status.
func (a *Admin) List(ctx context.Context, status Status) ([]Coupon, error) {
	all, err := a.store.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list coupons")
	}
	if status == StatusAll {
		return all, nil
	}
	now := a.now()
	return slices.DeleteFunc(all, func(c Coupon) bool {
		switch status {
		case StatusActive:
			return !c.Live(now)
		case StatusInactive:
			return c.Active
		case StatusExpired:
			return !c.Expired(now)
		}
		return false
	}), nil
}

// Stats counts coupons by status.
func (a *Admin) Stats(ctx context.Context) (Stats, error) {
	all, err := a.store.List(ctx)
	if err != nil {
		return Stats{}, errors.Wrap(err, "list coupons")
	}
	now := a.now()
	s := Stats{Total: len(all)}
	for i := range all {
		if all[i].Live(now) {
			s.Active++
		}
		if all[i].Expired(now) {
			s.Expired++
		}
	}
	return s, nil
}

// Options returns the product catalog and its distinct categories.
func (a *Admin) Options(ctx context.Context) (Options, error) {
	products, err := a.catalog.List(ctx)
	if err != nil {
		return Options{}, errors.Wrap(err, "list products")
	}
	categories, err := a.catalog.Categories(ctx)
	if err != nil {
		return Options{}, errors.Wrap(err, "list categories")
	}
	return Options{Products: products, Categories: categories}, nil
}

func (a *Admin) check(ctx context.Context, c *Coupon) error {
	if err := validateCoupon(c); err != nil {
		return err
	}
	p, ok := c.Scope.(Products)
	if !ok {
		return nil
	}
	found, err := a.catalog.GetByIDs(ctx, p.IDs)
	if err != nil {
		return errors.Wrap(err, "lookup scope products")
	}
	var missing []string
	for _, id := range p.IDs {
		if !slices.ContainsFunc(found, func(pr product.Product) bool { return pr.ID == id }) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return &UnknownProductsError{IDs: missing}
	}
	return nil
}

// maxAmount is the largest value a NUMERIC(12,2) money column holds.
var maxAmount = decimal.RequireFromString("9999999999.99")

// checkAmount rejects amounts the money columns would round or overflow.
func checkAmount(field string, v decimal.Decimal) error {
	switch {
	case v.Exponent() < -2 && !v.Equal(v.Round(2)):
		return &ValidationError{Field: field, Message: "must have at most 2 decimal places"}
	case v.GreaterThan(maxAmount):
		return &ValidationError{Field: field, Message: "must not exceed " + maxAmount.String()}
	}
	return nil
}

func validateCoupon(c *Coupon) error {
	if err := checkAmount("discount_value", c.DiscountValue); err != nil {
		return err
	}
	if err := checkAmount("minimum_order_amount", c.MinimumOrderAmount); err != nil {
		return err
	}
	if c.MaximumDiscountCap != nil {
		if err := checkAmount("maximum_discount_cap", *c.MaximumDiscountCap); err != nil {
			return err
		}
	}

	switch {
	case !c.DiscountType.Valid():
		return &ValidationError{Field: "discount_type", Message: "must be percentage or fixed"}
	case c.DiscountValue.IsNegative():
		return &ValidationError{Field: "discount_value", Message: "must not be negative"}
	case c.DiscountType == DiscountPercentage && c.DiscountValue.GreaterThan(hundred):
		return &ValidationError{Field: "discount_value", Message: "percentage must not exceed 100"}
	case c.MinimumOrderAmount.IsNegative():
		return &ValidationError{Field: "minimum_order_amount", Message: "must not be negative"}
	case c.MaximumDiscountCap != nil && c.MaximumDiscountCap.IsNegative():
		return &ValidationError{Field: "maximum_discount_cap", Message: "must not be negative"}
	case c.UsageLimit != nil && *c.UsageLimit <= 0:
		return &ValidationError{Field: "usage_limit", Message: "must be positive"}
	case c.UsagePerCustomer < 1:
		return &ValidationError{Field: "usage_per_customer", Message: "must be at least 1"}
	case c.StartDate.IsZero() || c.ExpiryDate.IsZero():
		return &ValidationError{Field: "start_date", Message: "start and expiry dates are required"}
	case c.StartDate.After(c.ExpiryDate):
		return &ValidationError{Field: "expiry_date", Message: "must not be before start date"}
	}

	switch s := c.Scope.(type) {
	case nil:
		return &ValidationError{Field: "applicable_type", Message: "required"}
	case Products:
		if len(s.IDs) == 0 {
			return &ValidationError{Field: "applicable_products", Message: "select at least one product"}
		}
	case Categories:
		if len(s.Names) == 0 {
			return &ValidationError{Field: "applicable_categories", Message: "select at least one category"}
		}
	}
	return nil
}

func (a *Admin) invalidate(ctx context.Context, code string) {
	if err := a.cache.Invalidate(ctx, code); err != nil {
		zctx.From(ctx).Warn("Invalidate coupon cache", zap.String("code", code), zap.Error(err))
	}
}
