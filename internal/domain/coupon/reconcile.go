package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// DiscrepancyKind classifies a reconciliation entry.
type DiscrepancyKind string

const (
	// DiscrepancyRecordFailed means an order was placed with a discount but
	// the redemption could not be recorded.
	DiscrepancyRecordFailed DiscrepancyKind = "record_failed"
	// DiscrepancyForfeited means an order lost its discount after placement
	// because the coupon ran out.
	DiscrepancyForfeited DiscrepancyKind = "forfeited"
)

// Discrepancy is a business-visible redemption problem awaiting follow-up.
type Discrepancy struct {
	ID         int64
	OrderID    string
	CouponID   int64
	Kind       DiscrepancyKind
	Detail     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Flagger stores discrepancies.
type Flagger interface {
	Flag(ctx context.Context, d Discrepancy) error
}

// ReconciliationStore is the storage used by Reconciler.
type ReconciliationStore interface {
	Flagger
	ListOpen(ctx context.Context) ([]Discrepancy, error)
	Resolve(ctx context.Context, id int64) error
	// RecountUsage sets usage_count to the number of usage records and
	// returns the counts before and after.
	RecountUsage(ctx context.Context, couponID int64) (before, after int, err error)
}

// ReconcileReport summarizes a Reconciler run.
type ReconcileReport struct {
	Open      int
	Recounted int
	Corrected int
	Resolved  int
}

// Reconciler repairs usage counters for flagged redemptions.
type Reconciler struct {
	store ReconciliationStore
}

// NewReconciler creates a Reconciler.
func NewReconciler(store ReconciliationStore) *Reconciler {
	return &Reconciler{store: store}
}

// Run recounts usage for every coupon with open discrepancies. Entries are
// marked resolved only when resolve is set.
func (r *Reconciler) Run(ctx context.Context, resolve bool) (ReconcileReport, error) {
	lg := zctx.From(ctx)

	open, err := r.store.ListOpen(ctx)
	if err != nil {
		return ReconcileReport{}, errors.Wrap(err, "list open discrepancies")
	}
	report := ReconcileReport{Open: len(open)}

	seen := make(map[int64]struct{}, len(open))
	for _, d := range open {
		if _, ok := seen[d.CouponID]; ok {
			continue
		}
		seen[d.CouponID] = struct{}{}

		before, after, err := r.store.RecountUsage(ctx, d.CouponID)
		if errors.Is(err, ErrNotFound) {
			lg.Info("Coupon deleted, nothing to recount", zap.Int64("coupon_id", d.CouponID))
			continue
		}
		if err != nil {
			return report, errors.Wrapf(err, "recount coupon %d", d.CouponID)
		}
		report.Recounted++
		if before != after {
			report.Corrected++
			lg.Warn("Usage count corrected",
				zap.Int64("coupon_id", d.CouponID),
				zap.Int("before", before),
				zap.Int("after", after),
			)
		}
	}

	if !resolve {
		return report, nil
	}
	for _, d := range open {
		if err := r.store.Resolve(ctx, d.ID); err != nil {
			return report, errors.Wrapf(err, "resolve discrepancy %d", d.ID)
		}
		report.Resolved++
	}
	return report, nil
}
