// Package handler serves the storefront HTTP API with chi and jx.
package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

// Identity headers. A customer id wins over a session id.
const (
	HeaderCustomerID = "X-Customer-ID"
	HeaderSessionID  = "X-Session-ID"
	HeaderAPIKey     = "X-API-Key"
)

const maxBodyBytes = 1 << 20

// OrderService quotes and places orders.
type OrderService interface {
	Quote(ctx context.Context, id cart.Identity, code string) (coupon.Verdict, order.Totals, error)
	PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (*order.Order, error)
}

// CouponAdmin manages coupon definitions.
type CouponAdmin interface {
	Create(ctx context.Context, d coupon.Draft) (*coupon.Coupon, error)
	Get(ctx context.Context, id int64) (*coupon.Coupon, error)
	Update(ctx context.Context, id int64, p coupon.Patch) (*coupon.Coupon, error)
	Delete(ctx context.Context, id int64) error
	SetActive(ctx context.Context, id int64, active bool) error
	List(ctx context.Context, status coupon.Status) ([]coupon.Coupon, error)
	Stats(ctx context.Context) (coupon.Stats, error)
	Options(ctx context.Context) (coupon.Options, error)
}

var (
	_ OrderService = (*order.Service)(nil)
	_ CouponAdmin  = (*coupon.Admin)(nil)
)

// Config holds optional handler settings.
type Config struct {
	// ValidateLimit guards coupon validation against code guessing.
	ValidateLimit httpmiddleware.Middleware
}

// Handler serves the public checkout API and the admin coupon console.
type Handler struct {
	orders        OrderService
	admin         CouponAdmin
	security      *Security
	validateLimit httpmiddleware.Middleware
	now           func() time.Time
}

// New creates a Handler.
func New(cfg Config, orders OrderService, admin CouponAdmin, security *Security) *Handler {
	h := &Handler{
		orders:        orders,
		admin:         admin,
		security:      security,
		validateLimit: cfg.ValidateLimit,
		now:           time.Now,
	}
	if h.validateLimit == nil {
		h.validateLimit = func(next http.Handler) http.Handler { return next }
	}
	return h
}

// Mount registers the API routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.With(h.validateLimit).Post("/coupons/validate", h.ValidateCoupon)
		r.Post("/orders", h.PlaceOrder)

		r.Route("/admin/coupons", func(r chi.Router) {
			r.Use(h.security.Require(auth.ScopeCouponAdmin))

			r.Get("/", h.ListCoupons)
			r.Post("/", h.CreateCoupon)
			r.Get("/stats", h.CouponStats)
			r.Get("/options", h.CouponOptions)
			r.Get("/{id}", h.GetCoupon)
			r.Patch("/{id}", h.UpdateCoupon)
			r.Delete("/{id}", h.DeleteCoupon)
			r.Put("/{id}/active", h.SetCouponActive)
		})
	})
}

// Identity extracts the shopper identity from the request headers.
func Identity(r *http.Request) cart.Identity {
	return cart.NewIdentity(r.Header.Get(HeaderCustomerID), r.Header.Get(HeaderSessionID))
}

// RateLimitKey keys validation limits by shopper, falling back to the
// client address for anonymous callers.
func RateLimitKey(r *http.Request) string {
	if id := Identity(r); !id.IsZero() {
		return id.Key()
	}
	return "ip:" + httpmiddleware.ClientIP(r)
}

// errBadRequest marks malformed input.
var errBadRequest = errors.New("bad request")

func badRequest(err error) error {
	return errors.Wrap(errBadRequest, err.Error())
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, badRequest(errors.Wrap(err, "read body"))
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	var e jx.Encoder
	fn(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// fail maps domain errors to HTTP responses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation  *coupon.ValidationError
		unknown     *coupon.UnknownProductsError
		unavailable *coupon.UnavailableError
		rejected    *order.CouponRejectedError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, func(e *jx.Encoder) {
			e.ObjStart()
			e.FieldStart("code")
			e.Int(http.StatusBadRequest)
			e.FieldStart("message")
			e.Str(validation.Message)
			e.FieldStart("field")
			e.Str(validation.Field)
			e.ObjEnd()
		})
	case errors.As(err, &unknown):
		httpmiddleware.WriteError(w, http.StatusUnprocessableEntity, unknown.Error())
	case errors.As(err, &rejected):
		writeJSON(w, http.StatusUnprocessableEntity, func(e *jx.Encoder) {
			e.ObjStart()
			e.FieldStart("code")
			e.Int(http.StatusUnprocessableEntity)
			e.FieldStart("message")
			e.Str(rejected.Verdict.Message)
			e.FieldStart("reason")
			e.Str(string(rejected.Verdict.Reason))
			e.ObjEnd()
		})
	case errors.As(err, &unavailable):
		zctx.From(r.Context()).Warn("Coupon validation unavailable", zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusServiceUnavailable, "could not validate coupon, try again")
	case errors.Is(err, coupon.ErrCodeExists):
		httpmiddleware.WriteError(w, http.StatusConflict, "coupon code already exists")
	case errors.Is(err, coupon.ErrNotFound):
		httpmiddleware.WriteError(w, http.StatusNotFound, "coupon not found")
	case errors.Is(err, coupon.ErrCodeImmutable),
		errors.Is(err, order.ErrEmptyCart),
		errors.Is(err, order.ErrMissingIdentity):
		httpmiddleware.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errBadRequest):
		httpmiddleware.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
