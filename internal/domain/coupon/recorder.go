package coupon

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/cart"
)

// InsertOutcome is the result of inserting a usage record.
type InsertOutcome int

const (
	// Inserted means a new record was written.
	Inserted InsertOutcome = iota
	// Duplicate means a record for the same coupon and order already exists.
	Duplicate
	// CustomerLimitReached means the identity already holds
	// usage_per_customer records for the coupon.
	CustomerLimitReached
)

// Counter is a coupon's usage count right after an increment.
type Counter struct {
	Count int
	Limit *int
}

// UsageStore persists redemptions.
type UsageStore interface {
	InsertUsageRecord(ctx context.Context, rec UsageRecord) (InsertOutcome, error)
	DeleteUsageRecord(ctx context.Context, couponID int64, orderID string) error
	// IncrementUsage unconditionally adds one to usage_count.
	IncrementUsage(ctx context.Context, couponID int64) (Counter, error)
	DecrementUsage(ctx context.Context, couponID int64) error
}

// ConditionalIncrementer is implemented by stores able to increment
// usage_count only while it is below usage_limit, in a single atomic step.
// ok is false when the limit was already reached.
type ConditionalIncrementer interface {
	IncrementUsageBelowLimit(ctx context.Context, couponID int64) (count int, ok bool, err error)
}

// RecordResult describes what Record did.
type RecordResult struct {
	// Success is true when the redemption is counted, including when it had
	// already been counted by an earlier call for the same order.
	Success        bool
	AlreadyApplied bool
	// Forfeited is true when the redemption lost a race for the last use or
	// hit the per-customer limit. The order must then be charged without the
	// discount.
	Forfeited  bool
	Reason     Reason
	UsageCount int
}

// Recorder counts a redemption once an order carrying a coupon is placed.
type Recorder struct {
	store UsageStore
	options
}

// NewRecorder creates a Recorder on top of store.
func NewRecorder(store UsageStore, opts ...Option) *Recorder {
	r := &Recorder{store: store, options: defaultOptions()}
	for _, o := range opts {
		o(&r.options)
	}
	return r
}

// Record inserts the usage record for orderID and increments the coupon's
// usage count. Calling it again for the same coupon and order is a no-op that
// reports AlreadyApplied.
func (r *Recorder) Record(ctx context.Context, couponID int64, id cart.Identity, orderID string) (_ RecordResult, rerr error) {
	ctx, span := r.tracer.Start(ctx, "coupon.Record")
	span.SetAttributes(
		attribute.Int64("coupon.id", couponID),
		attribute.String("order.id", orderID),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, "record failed")
		}
		span.End()
	}()

	res, err := r.record(ctx, couponID, id, orderID)
	if err != nil {
		r.metrics.RecordRedemption(ctx, "error")
		return res, err
	}

	switch {
	case res.AlreadyApplied:
		r.metrics.RecordRedemption(ctx, "duplicate")
	case res.Forfeited:
		r.metrics.RecordRedemption(ctx, "forfeited")
	default:
		r.metrics.RecordRedemption(ctx, "recorded")
	}
	return res, nil
}

func (r *Recorder) record(ctx context.Context, couponID int64, id cart.Identity, orderID string) (RecordResult, error) {
	outcome, err := r.store.InsertUsageRecord(ctx, UsageRecord{
		CouponID: couponID,
		Identity: id,
		OrderID:  orderID,
	})
	if err != nil {
		return RecordResult{}, errors.Wrap(err, "insert usage record")
	}
	switch outcome {
	case Duplicate:
		return RecordResult{Success: true, AlreadyApplied: true, Reason: ReasonAlreadyRecorded}, nil
	case CustomerLimitReached:
		return RecordResult{Forfeited: true, Reason: ReasonCustomerLimit}, nil
	}

	if ci, ok := r.store.(ConditionalIncrementer); ok {
		n, ok, err := ci.IncrementUsageBelowLimit(ctx, couponID)
		if err != nil {
			r.dropRecord(ctx, couponID, orderID)
			return RecordResult{}, errors.Wrap(err, "increment usage")
		}
		if !ok {
			r.dropRecord(ctx, couponID, orderID)
			return RecordResult{Forfeited: true, Reason: ReasonUsageExceeded, UsageCount: n}, nil
		}
		return RecordResult{Success: true, Reason: ReasonApplied, UsageCount: n}, nil
	}

	// Increment first, verify afterwards. Two concurrent redemptions may both
	// pass the limit briefly; the later one is reversed here.
	c, err := r.store.IncrementUsage(ctx, couponID)
	if err != nil {
		r.dropRecord(ctx, couponID, orderID)
		return RecordResult{}, errors.Wrap(err, "increment usage")
	}
	if c.Limit != nil && c.Count > *c.Limit {
		if err := r.store.DecrementUsage(ctx, couponID); err != nil {
			r.dropRecord(ctx, couponID, orderID)
			return RecordResult{}, errors.Wrap(err, "compensate usage overshoot")
		}
		r.dropRecord(ctx, couponID, orderID)
		zctx.From(ctx).Warn("Coupon usage limit overshoot reversed",
			zap.Int64("coupon_id", couponID),
			zap.String("order_id", orderID),
			zap.Int("count", c.Count),
			zap.Int("limit", *c.Limit),
		)
		return RecordResult{Forfeited: true, Reason: ReasonLimitOvershoot, UsageCount: c.Count - 1}, nil
	}
	return RecordResult{Success: true, Reason: ReasonApplied, UsageCount: c.Count}, nil
}

func (r *Recorder) dropRecord(ctx context.Context, couponID int64, orderID string) {
	if err := r.store.DeleteUsageRecord(ctx, couponID, orderID); err != nil {
		zctx.From(ctx).Error("Delete usage record",
			zap.Int64("coupon_id", couponID),
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}
}
