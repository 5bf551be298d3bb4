package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/coupon"
)

// columns is the expected CSV header. List columns separate values with "|".
var columns = []string{
	"code",
	"description",
	"discount_type",
	"discount_value",
	"minimum_order_amount",
	"maximum_discount_cap",
	"usage_limit",
	"usage_per_customer",
	"start_date",
	"expiry_date",
	"applicable_type",
	"applicable_products",
	"applicable_categories",
}

// header maps column names to their position in a file.
type header map[string]int

func parseHeader(row []string) (header, error) {
	h := make(header, len(row))
	for i, name := range row {
		h[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"code", "discount_type", "discount_value", "start_date", "expiry_date"} {
		if _, ok := h[required]; !ok {
			return nil, errors.Errorf("missing column %q", required)
		}
	}
	return h, nil
}

func (h header) get(row []string, name string) string {
	i, ok := h[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// parseDraft converts a CSV row into a coupon draft. Validation beyond
// syntax is left to coupon.Admin.
func parseDraft(h header, row []string) (coupon.Draft, error) {
	d := coupon.Draft{
		Code:         coupon.NormalizeCode(h.get(row, "code")),
		Description:  h.get(row, "description"),
		DiscountType: coupon.DiscountType(strings.ToLower(h.get(row, "discount_type"))),
		Active:       true,
	}

	var err error
	if d.DiscountValue, err = decimal.NewFromString(h.get(row, "discount_value")); err != nil {
		return d, errors.Wrap(err, "discount_value")
	}
	if v := h.get(row, "minimum_order_amount"); v != "" {
		if d.MinimumOrderAmount, err = decimal.NewFromString(v); err != nil {
			return d, errors.Wrap(err, "minimum_order_amount")
		}
	}
	if v := h.get(row, "maximum_discount_cap"); v != "" {
		capValue, err := decimal.NewFromString(v)
		if err != nil {
			return d, errors.Wrap(err, "maximum_discount_cap")
		}
		d.MaximumDiscountCap = &capValue
	}
	if v := h.get(row, "usage_limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return d, errors.Wrap(err, "usage_limit")
		}
		d.UsageLimit = &limit
	}
	if v := h.get(row, "usage_per_customer"); v != "" {
		if d.UsagePerCustomer, err = strconv.Atoi(v); err != nil {
			return d, errors.Wrap(err, "usage_per_customer")
		}
	}
	if d.StartDate, err = parseDate(h.get(row, "start_date")); err != nil {
		return d, errors.Wrap(err, "start_date")
	}
	if d.ExpiryDate, err = parseDate(h.get(row, "expiry_date")); err != nil {
		return d, errors.Wrap(err, "expiry_date")
	}

	d.Scope, err = coupon.NewScope(
		coupon.ScopeKind(strings.ToLower(h.get(row, "applicable_type"))),
		splitList(h.get(row, "applicable_products")),
		splitList(h.get(row, "applicable_categories")),
	)
	if err != nil {
		return d, errors.Wrap(err, "applicable_type")
	}
	return d, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, "|") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
