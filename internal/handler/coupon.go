package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/storefront/internal/domain/coupon"
)

// ValidateCoupon checks a code against the caller's cart without redeeming
// it. Business rejections are 200 responses with valid=false.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	req, err := decodeCodeRequest(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	verdict, totals, err := h.orders.Quote(r.Context(), Identity(r), req.Code)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeVerdict(e, verdict, totals)
	})
}

func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	status, err := coupon.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	coupons, err := h.admin.List(r.Context(), status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	now := h.now()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for i := range coupons {
			encodeCoupon(e, &coupons[i], now)
		}
		e.ArrEnd()
	})
}

func (h *Handler) CouponStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.admin.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeStats(e, stats)
	})
}

func (h *Handler) CouponOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := h.admin.Options(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeOptions(e, opts)
	})
}

func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	in, err := decodeCouponInput(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	draft, err := in.draft()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.admin.Create(r.Context(), draft)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeCoupon(w, http.StatusCreated, c)
}

func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	id, err := couponID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.admin.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeCoupon(w, http.StatusOK, c)
}

func (h *Handler) UpdateCoupon(w http.ResponseWriter, r *http.Request) {
	id, err := couponID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	in, err := decodeCouponInput(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	patch, err := in.patch()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.admin.Update(r.Context(), id, patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeCoupon(w, http.StatusOK, c)
}

func (h *Handler) DeleteCoupon(w http.ResponseWriter, r *http.Request) {
	id, err := couponID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.admin.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SetCouponActive(w http.ResponseWriter, r *http.Request) {
	id, err := couponID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	active, err := decodeActive(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.admin.SetActive(r.Context(), id, active); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.admin.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeCoupon(w, http.StatusOK, c)
}

func (h *Handler) writeCoupon(w http.ResponseWriter, status int, c *coupon.Coupon) {
	now := h.now()
	writeJSON(w, status, func(e *jx.Encoder) {
		encodeCoupon(e, c, now)
	})
}

func couponID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &coupon.ValidationError{Field: "id", Message: "must be a positive integer"}
	}
	return id, nil
}
