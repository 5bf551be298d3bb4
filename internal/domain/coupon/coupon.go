package coupon

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/cart"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the subtotal, optionally capped.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount, never more than the subtotal.
	DiscountFixed DiscountType = "fixed"
)

// Valid reports whether t is a known discount type.
func (t DiscountType) Valid() bool {
	return t == DiscountPercentage || t == DiscountFixed
}

var (
	// ErrNotFound is returned when no coupon matches a code or id.
	ErrNotFound = errors.New("coupon not found")
	// ErrCodeExists is returned when creating a coupon whose code is taken.
	ErrCodeExists = errors.New("coupon code already exists")
	// ErrCodeImmutable is returned when an update tries to change the code.
	ErrCodeImmutable = errors.New("coupon code cannot be changed")
)

// MinCodeLength is the shortest accepted coupon code.
const MinCodeLength = 3

// NormalizeCode trims and upper-cases a user supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Coupon is a promotional rule definition.
type Coupon struct {
	ID                 int64
	Code               string
	Description        string
	DiscountType       DiscountType
	DiscountValue      decimal.Decimal
	MinimumOrderAmount decimal.Decimal
	// MaximumDiscountCap limits percentage discounts. Ignored for fixed ones.
	MaximumDiscountCap *decimal.Decimal
	// UsageLimit is the global redemption limit; nil means unlimited.
	UsageLimit       *int
	UsageCount       int
	UsagePerCustomer int
	StartDate        time.Time
	ExpiryDate       time.Time
	Active           bool
	Scope            Scope
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Expired reports whether the coupon's window ended before now.
func (c *Coupon) Expired(now time.Time) bool {
	return now.After(c.ExpiryDate)
}

// Live reports whether the coupon is switched on and not expired. This is the
// "active" status shown in the admin table.
func (c *Coupon) Live(now time.Time) bool {
	return c.Active && !c.Expired(now)
}

// Exhausted reports whether the global usage limit has been reached.
func (c *Coupon) Exhausted() bool {
	return c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit
}

// ScopeKind names the variants of Scope.
type ScopeKind string

const (
	ScopeAll        ScopeKind = "all"
	ScopeProducts   ScopeKind = "products"
	ScopeCategories ScopeKind = "categories"
)

// Scope restricts which cart contents a coupon applies to. The set of
// implementations is closed: AllItems, Products and Categories.
type Scope interface {
	Kind() ScopeKind
	// Matches reports whether the line satisfies the scope. Orphaned lines
	// never match.
	Matches(l cart.Line) bool
	scope()
}

// AllItems applies to every cart.
type AllItems struct{}

func (AllItems) Kind() ScopeKind { return ScopeAll }

func (AllItems) Matches(l cart.Line) bool { return !l.Orphaned }

func (AllItems) scope() {}

// Products applies when the cart holds at least one of the listed products.
type Products struct {
	IDs []string
}

func (Products) Kind() ScopeKind { return ScopeProducts }

func (p Products) Matches(l cart.Line) bool {
	return !l.Orphaned && slices.Contains(p.IDs, l.ProductID)
}

func (Products) scope() {}

// Categories applies when the cart holds a product from one of the listed
// categories.
type Categories struct {
	Names []string
}

func (Categories) Kind() ScopeKind { return ScopeCategories }

func (c Categories) Matches(l cart.Line) bool {
	return !l.Orphaned && l.Category != "" && slices.Contains(c.Names, l.Category)
}

func (Categories) scope() {}

// NewScope builds a Scope from its stored representation.
func NewScope(kind ScopeKind, products, categories []string) (Scope, error) {
	switch kind {
	case ScopeAll, "":
		return AllItems{}, nil
	case ScopeProducts:
		return Products{IDs: products}, nil
	case ScopeCategories:
		return Categories{Names: categories}, nil
	default:
		return nil, errors.Errorf("unknown scope %q", kind)
	}
}

// ScopeLists flattens a scope back into product and category lists for
// storage. Unused lists are nil.
func ScopeLists(s Scope) (products, categories []string) {
	switch v := s.(type) {
	case Products:
		return v.IDs, nil
	case Categories:
		return nil, v.Names
	default:
		return nil, nil
	}
}

// UsageRecord is durable proof that an identity redeemed a coupon on an order.
type UsageRecord struct {
	CouponID int64
	Identity cart.Identity
	OrderID  string
}

// Finder looks up coupons by normalized code.
type Finder interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
}

// UsageReader reports how many times an identity already redeemed a coupon.
type UsageReader interface {
	CustomerUsage(ctx context.Context, couponID int64, id cart.Identity) (int, error)
}

// Store is the full persistence surface used by the admin console.
type Store interface {
	Finder
	Get(ctx context.Context, id int64) (*Coupon, error)
	List(ctx context.Context) ([]Coupon, error)
	// Create persists c and fills ID, CreatedAt and UpdatedAt. It returns
	// ErrCodeExists when the code is taken.
	Create(ctx context.Context, c *Coupon) error
	// Update persists every mutable field of c. The code is never written.
	Update(ctx context.Context, c *Coupon) error
	Delete(ctx context.Context, id int64) error
	SetActive(ctx context.Context, id int64, active bool) error
}

// Invalidator drops cached coupon lookups after a mutation.
type Invalidator interface {
	Invalidate(ctx context.Context, code string) error
}

type nopInvalidator struct{}

func (nopInvalidator) Invalidate(context.Context, string) error { return nil }
