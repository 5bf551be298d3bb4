package handler

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/product"
)

const dateOnly = "2006-01-02"

// couponInput is the admin form payload. Every field is optional at the
// decoding stage so the same type serves create and update.
type couponInput struct {
	Code                 coupon.Field[string]
	Description          coupon.Field[string]
	DiscountType         coupon.Field[coupon.DiscountType]
	DiscountValue        coupon.Field[decimal.Decimal]
	MinimumOrderAmount   coupon.Field[decimal.Decimal]
	MaximumDiscountCap   coupon.Field[*decimal.Decimal]
	UsageLimit           coupon.Field[*int]
	UsagePerCustomer     coupon.Field[int]
	StartDate            coupon.Field[time.Time]
	ExpiryDate           coupon.Field[time.Time]
	Active               coupon.Field[bool]
	ApplicableType       coupon.Field[coupon.ScopeKind]
	ApplicableProducts   []string
	ApplicableCategories []string
}

func decodeCouponInput(raw []byte) (couponInput, error) {
	var in couponInput
	err := jx.DecodeBytes(raw).ObjBytes(func(d *jx.Decoder, key []byte) error {
		field := string(key)
		wrap := func(err error) error {
			if err == nil {
				return nil
			}
			return &coupon.ValidationError{Field: field, Message: "invalid value"}
		}
		switch field {
		case "code":
			s, err := d.Str()
			in.Code = coupon.Value(s)
			return wrap(err)
		case "description":
			if d.Next() == jx.Null {
				in.Description = coupon.Value("")
				return d.Null()
			}
			s, err := d.Str()
			in.Description = coupon.Value(s)
			return wrap(err)
		case "discount_type":
			s, err := d.Str()
			in.DiscountType = coupon.Value(coupon.DiscountType(s))
			return wrap(err)
		case "discount_value":
			v, err := decodeDecimal(d)
			in.DiscountValue = coupon.Value(v)
			return wrap(err)
		case "minimum_order_amount":
			if d.Next() == jx.Null {
				in.MinimumOrderAmount = coupon.Value(decimal.Zero)
				return d.Null()
			}
			v, err := decodeDecimal(d)
			in.MinimumOrderAmount = coupon.Value(v)
			return wrap(err)
		case "maximum_discount_cap":
			if d.Next() == jx.Null {
				in.MaximumDiscountCap = coupon.Value[*decimal.Decimal](nil)
				return d.Null()
			}
			v, err := decodeDecimal(d)
			in.MaximumDiscountCap = coupon.Value(&v)
			return wrap(err)
		case "usage_limit":
			if d.Next() == jx.Null {
				in.UsageLimit = coupon.Value[*int](nil)
				return d.Null()
			}
			v, err := d.Int()
			in.UsageLimit = coupon.Value(&v)
			return wrap(err)
		case "usage_per_customer":
			v, err := d.Int()
			in.UsagePerCustomer = coupon.Value(v)
			return wrap(err)
		case "start_date":
			v, err := decodeDate(d)
			in.StartDate = coupon.Value(v)
			return wrap(err)
		case "expiry_date":
			v, err := decodeDate(d)
			in.ExpiryDate = coupon.Value(v)
			return wrap(err)
		case "is_active":
			v, err := d.Bool()
			in.Active = coupon.Value(v)
			return wrap(err)
		case "applicable_type":
			s, err := d.Str()
			in.ApplicableType = coupon.Value(coupon.ScopeKind(s))
			return wrap(err)
		case "applicable_products":
			v, err := decodeStrings(d)
			in.ApplicableProducts = v
			return wrap(err)
		case "applicable_categories":
			v, err := decodeStrings(d)
			in.ApplicableCategories = v
			return wrap(err)
		default:
			return d.Skip()
		}
	})
	if err != nil {
		var verr *coupon.ValidationError
		if errors.As(err, &verr) {
			return in, verr
		}
		return in, badRequest(errors.Wrap(err, "decode coupon"))
	}
	return in, nil
}

func (in couponInput) scope() (coupon.Scope, error) {
	s, err := coupon.NewScope(in.ApplicableType.Value, in.ApplicableProducts, in.ApplicableCategories)
	if err != nil {
		return nil, &coupon.ValidationError{Field: "applicable_type", Message: "must be one of all, products, categories"}
	}
	return s, nil
}

func (in couponInput) draft() (coupon.Draft, error) {
	s, err := in.scope()
	if err != nil {
		return coupon.Draft{}, err
	}
	d := coupon.Draft{
		Code:               in.Code.Value,
		Description:        in.Description.Value,
		DiscountType:       in.DiscountType.Value,
		DiscountValue:      in.DiscountValue.Value,
		MinimumOrderAmount: in.MinimumOrderAmount.Value,
		MaximumDiscountCap: in.MaximumDiscountCap.Value,
		UsageLimit:         in.UsageLimit.Value,
		UsagePerCustomer:   in.UsagePerCustomer.Value,
		StartDate:          in.StartDate.Value,
		ExpiryDate:         in.ExpiryDate.Value,
		Active:             true,
		Scope:              s,
	}
	if in.Active.Set {
		d.Active = in.Active.Value
	}
	if !in.UsagePerCustomer.Set {
		d.UsagePerCustomer = 1
	}
	return d, nil
}

func (in couponInput) patch() (coupon.Patch, error) {
	p := coupon.Patch{
		Code:               in.Code,
		Description:        in.Description,
		DiscountType:       in.DiscountType,
		DiscountValue:      in.DiscountValue,
		MinimumOrderAmount: in.MinimumOrderAmount,
		MaximumDiscountCap: in.MaximumDiscountCap,
		UsageLimit:         in.UsageLimit,
		UsagePerCustomer:   in.UsagePerCustomer,
		StartDate:          in.StartDate,
		ExpiryDate:         in.ExpiryDate,
		Active:             in.Active,
	}
	if in.ApplicableType.Set {
		s, err := in.scope()
		if err != nil {
			return p, err
		}
		p.Scope = coupon.Value(s)
	}
	return p, nil
}

// decodeDecimal accepts a JSON number or a numeric string.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(strings.TrimSpace(s))
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(string(n))
	default:
		return decimal.Decimal{}, errors.New("expected number")
	}
}

// decodeDate accepts RFC 3339 timestamps or plain dates, which are read as
// midnight UTC.
func decodeDate(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(dateOnly, s)
}

func decodeStrings(d *jx.Decoder) ([]string, error) {
	out := []string{}
	if d.Next() == jx.Null {
		return out, d.Null()
	}
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		if err != nil {
			return err
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
		return nil
	})
	return out, err
}

// validateRequest is the body of POST /api/coupons/validate.
type validateRequest struct {
	Code string
}

func decodeCodeRequest(raw []byte) (validateRequest, error) {
	var req validateRequest
	if len(raw) == 0 {
		return req, nil
	}
	err := jx.DecodeBytes(raw).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "code", "coupon_code":
			if d.Next() == jx.Null {
				return d.Null()
			}
			s, err := d.Str()
			req.Code = s
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return req, badRequest(errors.Wrap(err, "decode request"))
	}
	return req, nil
}

func decodeActive(raw []byte) (bool, error) {
	var (
		active bool
		found  bool
	)
	err := jx.DecodeBytes(raw).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "active" && string(key) != "is_active" {
			return d.Skip()
		}
		v, err := d.Bool()
		active, found = v, true
		return err
	})
	if err != nil {
		return false, badRequest(errors.Wrap(err, "decode request"))
	}
	if !found {
		return false, &coupon.ValidationError{Field: "active", Message: "is required"}
	}
	return active, nil
}

func money(e *jx.Encoder, d decimal.Decimal) {
	e.Str(d.StringFixed(2))
}

func encodeStrings(e *jx.Encoder, s []string) {
	e.ArrStart()
	for _, v := range s {
		e.Str(v)
	}
	e.ArrEnd()
}

func couponStatus(c *coupon.Coupon, now time.Time) coupon.Status {
	switch {
	case c.Expired(now):
		return coupon.StatusExpired
	case c.Active:
		return coupon.StatusActive
	default:
		return coupon.StatusInactive
	}
}

func encodeCoupon(e *jx.Encoder, c *coupon.Coupon, now time.Time) {
	products, categories := coupon.ScopeLists(c.Scope)
	kind := coupon.ScopeAll
	if c.Scope != nil {
		kind = c.Scope.Kind()
	}

	e.ObjStart()
	e.FieldStart("id")
	e.Int64(c.ID)
	e.FieldStart("code")
	e.Str(c.Code)
	e.FieldStart("description")
	e.Str(c.Description)
	e.FieldStart("discount_type")
	e.Str(string(c.DiscountType))
	e.FieldStart("discount_value")
	money(e, c.DiscountValue)
	e.FieldStart("minimum_order_amount")
	money(e, c.MinimumOrderAmount)
	e.FieldStart("maximum_discount_cap")
	if c.MaximumDiscountCap != nil {
		money(e, *c.MaximumDiscountCap)
	} else {
		e.Null()
	}
	e.FieldStart("usage_limit")
	if c.UsageLimit != nil {
		e.Int(*c.UsageLimit)
	} else {
		e.Null()
	}
	e.FieldStart("usage_count")
	e.Int(c.UsageCount)
	e.FieldStart("usage_per_customer")
	e.Int(c.UsagePerCustomer)
	e.FieldStart("start_date")
	e.Str(c.StartDate.UTC().Format(time.RFC3339))
	e.FieldStart("expiry_date")
	e.Str(c.ExpiryDate.UTC().Format(time.RFC3339))
	e.FieldStart("is_active")
	e.Bool(c.Active)
	e.FieldStart("status")
	e.Str(string(couponStatus(c, now)))
	e.FieldStart("applicable_type")
	e.Str(string(kind))
	e.FieldStart("applicable_products")
	encodeStrings(e, products)
	e.FieldStart("applicable_categories")
	encodeStrings(e, categories)
	if !c.CreatedAt.IsZero() {
		e.FieldStart("created_at")
		e.Str(c.CreatedAt.UTC().Format(time.RFC3339))
		e.FieldStart("updated_at")
		e.Str(c.UpdatedAt.UTC().Format(time.RFC3339))
	}
	e.ObjEnd()
}

func encodeVerdict(e *jx.Encoder, v coupon.Verdict, t order.Totals) {
	e.ObjStart()
	e.FieldStart("valid")
	e.Bool(v.Valid)
	e.FieldStart("reason")
	e.Str(string(v.Reason))
	e.FieldStart("message")
	e.Str(v.Message)
	e.FieldStart("discount_amount")
	money(e, v.Discount)
	e.FieldStart("discount_display")
	e.Str(coupon.FormatMoney(v.Discount))
	if v.Valid && v.Coupon != nil {
		e.FieldStart("coupon")
		e.ObjStart()
		e.FieldStart("code")
		e.Str(v.Coupon.Code)
		e.FieldStart("description")
		e.Str(v.Coupon.Description)
		e.FieldStart("discount_type")
		e.Str(string(v.Coupon.DiscountType))
		e.FieldStart("discount_value")
		money(e, v.Coupon.DiscountValue)
		e.ObjEnd()
	}
	encodeTotals(e, t)
	e.ObjEnd()
}

// encodeTotals writes the checkout breakdown fields into an open object.
func encodeTotals(e *jx.Encoder, t order.Totals) {
	e.FieldStart("subtotal")
	money(e, t.Subtotal)
	e.FieldStart("shipping")
	money(e, t.Shipping)
	e.FieldStart("total")
	money(e, t.Total)
	e.FieldStart("display")
	e.ObjStart()
	e.FieldStart("subtotal")
	e.Str(coupon.FormatMoney(t.Subtotal))
	e.FieldStart("discount")
	e.Str(coupon.FormatMoney(t.Discount))
	e.FieldStart("shipping")
	e.Str(coupon.FormatMoney(t.Shipping))
	e.FieldStart("total")
	e.Str(coupon.FormatMoney(t.Total))
	e.ObjEnd()
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range o.Items {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(it.ProductID)
		e.FieldStart("name")
		e.Str(it.Name)
		e.FieldStart("unit_price")
		money(e, it.UnitPrice)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.FieldStart("total")
		money(e, it.Total())
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("coupon_code")
	if o.CouponCode != "" {
		e.Str(o.CouponCode)
	} else {
		e.Null()
	}
	e.FieldStart("discount")
	money(e, o.Discount)
	e.FieldStart("discount_forfeited")
	e.Bool(o.DiscountForfeited)
	encodeTotals(e, order.Totals{
		Subtotal: o.Subtotal,
		Discount: o.Discount,
		Shipping: o.Shipping,
		Total:    o.Total,
	})
	e.FieldStart("created_at")
	e.Str(o.CreatedAt.UTC().Format(time.RFC3339))
	e.ObjEnd()
}

func encodeStats(e *jx.Encoder, s coupon.Stats) {
	e.ObjStart()
	e.FieldStart("total")
	e.Int(s.Total)
	e.FieldStart("active")
	e.Int(s.Active)
	e.FieldStart("expired")
	e.Int(s.Expired)
	e.ObjEnd()
}

func encodeProduct(e *jx.Encoder, p product.Product) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(p.ID)
	e.FieldStart("name")
	e.Str(p.Name)
	e.FieldStart("price")
	money(e, p.Price)
	e.FieldStart("category")
	e.Str(p.Category)
	e.ObjEnd()
}

func encodeOptions(e *jx.Encoder, o coupon.Options) {
	e.ObjStart()
	e.FieldStart("products")
	e.ArrStart()
	for _, p := range o.Products {
		encodeProduct(e, p)
	}
	e.ArrEnd()
	e.FieldStart("categories")
	encodeStrings(e, o.Categories)
	e.ObjEnd()
}
