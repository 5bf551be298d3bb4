package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/order"
)

const (
	createOrderSQL = `INSERT INTO orders (id, customer_id, session_id, subtotal, discount, shipping, total,
		coupon_id, coupon_code, discount_forfeited)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`

	forfeitDiscountSQL = `UPDATE orders SET discount = 0, total = $2, discount_forfeited = TRUE WHERE id = $1`
)

var orderItemColumns = []string{"order_id", "line_no", "product_id", "name", "unit_price", "quantity"}

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists an order and its items in one transaction.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, createOrderSQL,
			o.ID, nullString(o.Identity.CustomerID), nullString(o.Identity.SessionID),
			o.Subtotal, o.Discount, o.Shipping, o.Total,
			o.CouponID, o.CouponCode, o.DiscountForfeited,
		).Scan(&o.CreatedAt)
		if err != nil {
			return fmt.Errorf("creating order %q: %w", o.ID, err)
		}

		rows := make([][]any, 0, len(o.Items))
		for i, it := range o.Items {
			rows = append(rows, []any{o.ID, i + 1, it.ProductID, it.Name, it.UnitPrice, it.Quantity})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"order_items"}, orderItemColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("creating items of order %q: %w", o.ID, err)
		}
		return nil
	})
}

// ForfeitDiscount zeroes the discount of a stored order and sets its new total.
func (r *OrderRepository) ForfeitDiscount(ctx context.Context, id string, total decimal.Decimal) error {
	tag, err := r.pool.Exec(ctx, forfeitDiscountSQL, id, total)
	if err != nil {
		return fmt.Errorf("forfeiting discount of order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("forfeiting discount of order %q: %w", id, pgx.ErrNoRows)
	}
	return nil
}
