package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/cart"
)

// Verdict is the result of validating a code against a cart.
type Verdict struct {
	Valid    bool
	Reason   Reason
	Message  string
	Discount decimal.Decimal
	Coupon   *Coupon
}

func rejected(r Reason, msg string, c *Coupon) Verdict {
	return Verdict{Reason: r, Message: msg, Discount: decimal.Zero, Coupon: c}
}

// UnavailableError reports that a coupon could not be validated because a
// backing store failed. It is never a statement about the coupon itself.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return "could not validate coupon, try again: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Metrics receives validation and redemption outcomes. *metrics.Metrics
// satisfies it.
type Metrics interface {
	RecordValidation(ctx context.Context, reason string)
	RecordRedemption(ctx context.Context, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) RecordValidation(context.Context, string) {}
func (nopMetrics) RecordRedemption(context.Context, string) {}

// Option configures an Engine or a Recorder.
type Option func(*options)

type options struct {
	now     func() time.Time
	metrics Metrics
	tracer  trace.Tracer
}

func defaultOptions() options {
	return options{
		now:     time.Now,
		metrics: nopMetrics{},
		tracer:  noop.NewTracerProvider().Tracer(""),
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics sets the outcome sink.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracerProvider enables tracing of Validate and Record.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp.Tracer("storefront/coupon")
		}
	}
}

// Engine validates coupon codes against carts. It is read-only and safe for
// concurrent use.
type Engine struct {
	finder Finder
	usage  UsageReader
	options
}

// NewEngine creates an Engine reading coupons from finder and per-shopper
// redemption counts from usage.
func NewEngine(finder Finder, usage UsageReader, opts ...Option) *Engine {
	e := &Engine{finder: finder, usage: usage, options: defaultOptions()}
	for _, o := range opts {
		o(&e.options)
	}
	return e
}

// Validate checks code against the cart lines owned by id. Expected rejections
// are reported in the Verdict; the error is non-nil only when a store failed,
// and is then an *UnavailableError.
func (e *Engine) Validate(ctx context.Context, code string, lines []cart.Line, id cart.Identity) (_ Verdict, rerr error) {
	ctx, span := e.tracer.Start(ctx, "coupon.Validate")
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, "unavailable")
		}
		span.End()
	}()

	v, err := e.validate(ctx, NormalizeCode(code), lines, id)
	if err != nil {
		zctx.From(ctx).Error("Coupon validation failed",
			zap.String("code", NormalizeCode(code)),
			zap.Error(err),
		)
		e.metrics.RecordValidation(ctx, "unavailable")
		return Verdict{}, &UnavailableError{Err: err}
	}

	span.SetAttributes(
		attribute.String("coupon.code", NormalizeCode(code)),
		attribute.Bool("coupon.valid", v.Valid),
		attribute.String("coupon.reason", string(v.Reason)),
	)
	e.metrics.RecordValidation(ctx, string(v.Reason))
	return v, nil
}

func (e *Engine) validate(ctx context.Context, code string, lines []cart.Line, id cart.Identity) (Verdict, error) {
	if code == "" {
		return rejected(ReasonMissingCode, ReasonMissingCode.Message(), nil), nil
	}
	if cart.ItemCount(lines) == 0 {
		return rejected(ReasonEmptyCart, ReasonEmptyCart.Message(), nil), nil
	}

	c, err := e.finder.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return rejected(ReasonInvalidCode, ReasonInvalidCode.Message(), nil), nil
		}
		return Verdict{}, errors.Wrap(err, "find coupon")
	}

	prior := PriorUse{Identified: !id.IsZero()}
	if prior.Identified {
		n, err := e.usage.CustomerUsage(ctx, c.ID, id)
		if err != nil {
			return Verdict{}, errors.Wrap(err, "customer usage")
		}
		prior.Count = n
	}

	el := Evaluate(c, lines, e.now(), prior)
	if !el.Eligible {
		return rejected(el.Reason, el.Message, c), nil
	}

	return Verdict{
		Valid:    true,
		Reason:   el.Reason,
		Message:  el.Message,
		Discount: Calculate(c, cart.Subtotal(lines)),
		Coupon:   c,
	}, nil
}
