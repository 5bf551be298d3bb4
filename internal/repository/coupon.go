package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/coupon"
)

const couponColumns = `id, code, description, discount_type, discount_value, minimum_order_amount,
	maximum_discount_cap, usage_limit, usage_count, usage_per_customer, start_date, expiry_date,
	is_active, applicable_type, applicable_products, applicable_categories, created_at, updated_at`

const (
	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE UPPER(code) = UPPER($1)`

	getCouponByIDSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1`

	listCouponsSQL = `SELECT ` + couponColumns + ` FROM coupons ORDER BY created_at DESC, id DESC`

	createCouponSQL = `INSERT INTO coupons (code, description, discount_type, discount_value,
		minimum_order_amount, maximum_discount_cap, usage_limit, usage_per_customer, start_date,
		expiry_date, is_active, applicable_type, applicable_products, applicable_categories)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, usage_count, created_at, updated_at`

	updateCouponSQL = `UPDATE coupons SET description = $2, discount_type = $3, discount_value = $4,
		minimum_order_amount = $5, maximum_discount_cap = $6, usage_limit = $7,
		usage_per_customer = $8, start_date = $9, expiry_date = $10, is_active = $11,
		applicable_type = $12, applicable_products = $13, applicable_categories = $14,
		updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	deleteCouponSQL = `DELETE FROM coupons WHERE id = $1`

	setCouponActiveSQL = `UPDATE coupons SET is_active = $2, updated_at = now() WHERE id = $1`

	customerUsageSQL = `SELECT count(*) FROM coupon_usage WHERE coupon_id = $1 AND customer_id = $2`

	sessionUsageSQL = `SELECT count(*) FROM coupon_usage
		WHERE coupon_id = $1 AND customer_id IS NULL AND session_id = $2`

	lockCouponSQL = `SELECT usage_per_customer FROM coupons WHERE id = $1 FOR UPDATE`

	usageForOrderExistsSQL = `SELECT EXISTS (SELECT 1 FROM coupon_usage WHERE coupon_id = $1 AND order_id = $2)`

	insertUsageSQL = `INSERT INTO coupon_usage (coupon_id, customer_id, session_id, order_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ON CONSTRAINT coupon_usage_order_key DO NOTHING`

	deleteUsageSQL = `DELETE FROM coupon_usage WHERE coupon_id = $1 AND order_id = $2`

	incrementUsageSQL = `UPDATE coupons SET usage_count = usage_count + 1
		WHERE id = $1
		RETURNING usage_count, usage_limit`

	incrementUsageBelowLimitSQL = `UPDATE coupons SET usage_count = usage_count + 1
		WHERE id = $1 AND (usage_limit IS NULL OR usage_count < usage_limit)
		RETURNING usage_count`

	getUsageCountSQL = `SELECT usage_count FROM coupons WHERE id = $1`

	decrementUsageSQL = `UPDATE coupons SET usage_count = GREATEST(usage_count - 1, 0) WHERE id = $1`
)

var (
	_ coupon.Store                  = (*CouponRepository)(nil)
	_ coupon.UsageReader            = (*CouponRepository)(nil)
	_ coupon.UsageStore             = (*CouponRepository)(nil)
	_ coupon.ConditionalIncrementer = (*CouponRepository)(nil)
)

// CouponRepository stores coupons and their redemptions in PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by code, case-insensitively. Inactive and
// expired coupons are returned too; the evaluator reports why they fail.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return r.getOne(ctx, getCouponByCodeSQL, code)
}

// Get returns a coupon by id.
func (r *CouponRepository) Get(ctx context.Context, id int64) (*coupon.Coupon, error) {
	return r.getOne(ctx, getCouponByIDSQL, id)
}

func (r *CouponRepository) getOne(ctx context.Context, query string, arg any) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("finding coupon %v: %w", arg, err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon %v: %w", arg, err)
	}
	return &c, nil
}

// List returns all coupons, newest first.
func (r *CouponRepository) List(ctx context.Context) ([]coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, listCouponsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing coupons: %w", err)
	}
	return pgx.CollectRows(rows, scanCoupon)
}

// Create inserts c and fills its generated fields.
func (r *CouponRepository) Create(ctx context.Context, c *coupon.Coupon) error {
	products, categories := coupon.ScopeLists(c.Scope)
	err := r.pool.QueryRow(ctx, createCouponSQL,
		c.Code, c.Description, string(c.DiscountType), c.DiscountValue,
		c.MinimumOrderAmount, c.MaximumDiscountCap, c.UsageLimit, c.UsagePerCustomer,
		c.StartDate, c.ExpiryDate, c.Active, string(c.Scope.Kind()),
		orEmpty(products), orEmpty(categories),
	).Scan(&c.ID, &c.UsageCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "coupons_code_key") {
			return coupon.ErrCodeExists
		}
		return fmt.Errorf("creating coupon %q: %w", c.Code, err)
	}
	return nil
}

// Update writes every mutable field of c. The code and usage count are left
// untouched.
func (r *CouponRepository) Update(ctx context.Context, c *coupon.Coupon) error {
	products, categories := coupon.ScopeLists(c.Scope)
	err := r.pool.QueryRow(ctx, updateCouponSQL,
		c.ID, c.Description, string(c.DiscountType), c.DiscountValue,
		c.MinimumOrderAmount, c.MaximumDiscountCap, c.UsageLimit, c.UsagePerCustomer,
		c.StartDate, c.ExpiryDate, c.Active, string(c.Scope.Kind()),
		orEmpty(products), orEmpty(categories),
	).Scan(&c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return coupon.ErrNotFound
		}
		return fmt.Errorf("updating coupon %d: %w", c.ID, err)
	}
	return nil
}

// Delete removes a coupon and, by cascade, its usage records.
func (r *CouponRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, deleteCouponSQL, id)
	if err != nil {
		return fmt.Errorf("deleting coupon %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

// SetActive switches a coupon on or off.
func (r *CouponRepository) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx, setCouponActiveSQL, id, active)
	if err != nil {
		return fmt.Errorf("setting coupon %d active: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

// CustomerUsage counts earlier redemptions of a coupon by id.
func (r *CouponRepository) CustomerUsage(ctx context.Context, couponID int64, id cart.Identity) (int, error) {
	query, key := usageQuery(id)
	var n int
	if err := r.pool.QueryRow(ctx, query, couponID, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting usage of coupon %d: %w", couponID, err)
	}
	return n, nil
}

func usageQuery(id cart.Identity) (string, string) {
	if id.IsCustomer() {
		return customerUsageSQL, id.CustomerID
	}
	return sessionUsageSQL, id.SessionID
}

// InsertUsageRecord stores a redemption. The coupon row is locked for the
// duration of the transaction so concurrent redemptions by the same identity
// cannot both pass the per-customer check.
func (r *CouponRepository) InsertUsageRecord(ctx context.Context, rec coupon.UsageRecord) (coupon.InsertOutcome, error) {
	var outcome coupon.InsertOutcome
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var perCustomer int
		if err := tx.QueryRow(ctx, lockCouponSQL, rec.CouponID).Scan(&perCustomer); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return coupon.ErrNotFound
			}
			return fmt.Errorf("locking coupon %d: %w", rec.CouponID, err)
		}

		var exists bool
		if err := tx.QueryRow(ctx, usageForOrderExistsSQL, rec.CouponID, rec.OrderID).Scan(&exists); err != nil {
			return fmt.Errorf("checking usage for order %q: %w", rec.OrderID, err)
		}
		if exists {
			outcome = coupon.Duplicate
			return nil
		}

		query, key := usageQuery(rec.Identity)
		var used int
		if err := tx.QueryRow(ctx, query, rec.CouponID, key).Scan(&used); err != nil {
			return fmt.Errorf("counting usage of coupon %d: %w", rec.CouponID, err)
		}
		if used >= perCustomer {
			outcome = coupon.CustomerLimitReached
			return nil
		}

		tag, err := tx.Exec(ctx, insertUsageSQL,
			rec.CouponID, nullString(rec.Identity.CustomerID), nullString(rec.Identity.SessionID), rec.OrderID,
		)
		if err != nil {
			return fmt.Errorf("inserting usage for order %q: %w", rec.OrderID, err)
		}
		if tag.RowsAffected() == 0 {
			outcome = coupon.Duplicate
			return nil
		}
		outcome = coupon.Inserted
		return nil
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

// DeleteUsageRecord removes the redemption of a coupon by an order.
func (r *CouponRepository) DeleteUsageRecord(ctx context.Context, couponID int64, orderID string) error {
	if _, err := r.pool.Exec(ctx, deleteUsageSQL, couponID, orderID); err != nil {
		return fmt.Errorf("deleting usage for order %q: %w", orderID, err)
	}
	return nil
}

// IncrementUsage adds one to usage_count without checking the limit.
func (r *CouponRepository) IncrementUsage(ctx context.Context, couponID int64) (coupon.Counter, error) {
	var (
		count int
		limit *int32
	)
	if err := r.pool.QueryRow(ctx, incrementUsageSQL, couponID).Scan(&count, &limit); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return coupon.Counter{}, coupon.ErrNotFound
		}
		return coupon.Counter{}, fmt.Errorf("incrementing usage of coupon %d: %w", couponID, err)
	}
	c := coupon.Counter{Count: count}
	if limit != nil {
		l := int(*limit)
		c.Limit = &l
	}
	return c, nil
}

// IncrementUsageBelowLimit adds one to usage_count in a single statement that
// refuses once usage_limit is reached.
func (r *CouponRepository) IncrementUsageBelowLimit(ctx context.Context, couponID int64) (int, bool, error) {
	var count int
	err := r.pool.QueryRow(ctx, incrementUsageBelowLimitSQL, couponID).Scan(&count)
	if err == nil {
		return count, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("incrementing usage of coupon %d: %w", couponID, err)
	}

	// No row updated: the limit is reached or the coupon is gone.
	if err := r.pool.QueryRow(ctx, getUsageCountSQL, couponID).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, coupon.ErrNotFound
		}
		return 0, false, fmt.Errorf("reading usage of coupon %d: %w", couponID, err)
	}
	return count, false, nil
}

// DecrementUsage reverses one increment. It never goes below zero.
func (r *CouponRepository) DecrementUsage(ctx context.Context, couponID int64) error {
	if _, err := r.pool.Exec(ctx, decrementUsageSQL, couponID); err != nil {
		return fmt.Errorf("decrementing usage of coupon %d: %w", couponID, err)
	}
	return nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
		capAmount    decimal.NullDecimal
		usageLimit   *int32
		usageCount   int32
		perCustomer  int32
		scopeKind    string
		products     []string
		categories   []string
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.Description, &discountType, &c.DiscountValue, &c.MinimumOrderAmount,
		&capAmount, &usageLimit, &usageCount, &perCustomer, &c.StartDate, &c.ExpiryDate,
		&c.Active, &scopeKind, &products, &categories, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}

	c.DiscountType = coupon.DiscountType(discountType)
	if capAmount.Valid {
		c.MaximumDiscountCap = &capAmount.Decimal
	}
	if usageLimit != nil {
		l := int(*usageLimit)
		c.UsageLimit = &l
	}
	c.UsageCount = int(usageCount)
	c.UsagePerCustomer = int(perCustomer)

	c.Scope, err = coupon.NewScope(coupon.ScopeKind(scopeKind), products, categories)
	return c, err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
