package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/coupon"
)

const (
	flagDiscrepancySQL = `INSERT INTO coupon_reconciliation (order_id, coupon_id, kind, detail)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	listOpenDiscrepanciesSQL = `SELECT id, order_id, coupon_id, kind, detail, created_at, resolved_at
		FROM coupon_reconciliation WHERE resolved_at IS NULL ORDER BY created_at, id`

	resolveDiscrepancySQL = `UPDATE coupon_reconciliation SET resolved_at = now()
		WHERE id = $1 AND resolved_at IS NULL`

	lockUsageCountSQL = `SELECT usage_count FROM coupons WHERE id = $1 FOR UPDATE`

	recountUsageSQL = `UPDATE coupons
		SET usage_count = (SELECT count(*) FROM coupon_usage WHERE coupon_id = $1), updated_at = now()
		WHERE id = $1
		RETURNING usage_count`
)

var _ coupon.ReconciliationStore = (*ReconciliationRepository)(nil)

// ReconciliationRepository keeps the coupon_reconciliation queue and repairs
// usage counters from the usage table.
type ReconciliationRepository struct {
	pool *pgxpool.Pool
}

// NewReconciliationRepository returns a ReconciliationRepository that uses the given pool.
func NewReconciliationRepository(pool *pgxpool.Pool) *ReconciliationRepository {
	return &ReconciliationRepository{pool: pool}
}

// Flag queues a discrepancy.
func (r *ReconciliationRepository) Flag(ctx context.Context, d coupon.Discrepancy) error {
	err := r.pool.QueryRow(ctx, flagDiscrepancySQL, d.OrderID, d.CouponID, string(d.Kind), d.Detail).
		Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("flagging order %q: %w", d.OrderID, err)
	}
	return nil
}

// ListOpen returns unresolved discrepancies, oldest first.
func (r *ReconciliationRepository) ListOpen(ctx context.Context) ([]coupon.Discrepancy, error) {
	rows, err := r.pool.Query(ctx, listOpenDiscrepanciesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing discrepancies: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (coupon.Discrepancy, error) {
		var (
			d    coupon.Discrepancy
			kind string
		)
		err := row.Scan(&d.ID, &d.OrderID, &d.CouponID, &kind, &d.Detail, &d.CreatedAt, &d.ResolvedAt)
		d.Kind = coupon.DiscrepancyKind(kind)
		return d, err
	})
}

// Resolve marks a discrepancy handled. Resolving twice is a no-op.
func (r *ReconciliationRepository) Resolve(ctx context.Context, id int64) error {
	if _, err := r.pool.Exec(ctx, resolveDiscrepancySQL, id); err != nil {
		return fmt.Errorf("resolving discrepancy %d: %w", id, err)
	}
	return nil
}

// RecountUsage sets usage_count to the number of stored usage records.
func (r *ReconciliationRepository) RecountUsage(ctx context.Context, couponID int64) (before, after int, err error) {
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, lockUsageCountSQL, couponID).Scan(&before); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return coupon.ErrNotFound
			}
			return fmt.Errorf("locking coupon %d: %w", couponID, err)
		}
		if err := tx.QueryRow(ctx, recountUsageSQL, couponID).Scan(&after); err != nil {
			return fmt.Errorf("recounting usage of coupon %d: %w", couponID, err)
		}
		return nil
	})
	return before, after, err
}
