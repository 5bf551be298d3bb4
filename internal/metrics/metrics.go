// Package metrics exposes the coupon engine counters through OpenTelemetry.
package metrics

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/storefront/internal/domain/coupon"
)

const meterName = "storefront/coupon"

var _ coupon.Metrics = (*Metrics)(nil)

// Metrics records coupon outcomes. A nil *Metrics records nothing.
type Metrics struct {
	validations    metric.Int64Counter
	redemptions    metric.Int64Counter
	reconciliation metric.Int64Counter
}

// New registers the coupon instruments on mp.
func New(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	var (
		m   Metrics
		err error
	)
	if m.validations, err = meter.Int64Counter("coupon.validations",
		metric.WithDescription("Coupon validations by outcome reason"),
	); err != nil {
		return nil, errors.Wrap(err, "validations counter")
	}
	if m.redemptions, err = meter.Int64Counter("coupon.redemptions",
		metric.WithDescription("Coupon redemption attempts by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "redemptions counter")
	}
	if m.reconciliation, err = meter.Int64Counter("coupon.reconciliation.corrections",
		metric.WithDescription("Usage counters corrected by reconciliation"),
	); err != nil {
		return nil, errors.Wrap(err, "reconciliation counter")
	}
	return &m, nil
}

// RecordValidation counts one validation ending with reason.
func (m *Metrics) RecordValidation(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.validations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRedemption counts one redemption attempt ending with outcome.
func (m *Metrics) RecordRedemption(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.redemptions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordReconciliation counts usage counters fixed by a reconciliation run.
func (m *Metrics) RecordReconciliation(ctx context.Context, corrected int) {
	if m == nil || corrected == 0 {
		return
	}
	m.reconciliation.Add(ctx, int64(corrected))
}
