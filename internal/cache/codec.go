package cache

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/coupon"
)

func encodeCoupon(c *coupon.Coupon) []byte {
	products, categories := coupon.ScopeLists(c.Scope)

	var e jx.Encoder
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
	e.Str(c.DiscountValue.String())
	e.FieldStart("minimum_order_amount")
	e.Str(c.MinimumOrderAmount.String())
	e.FieldStart("maximum_discount_cap")
	if c.MaximumDiscountCap != nil {
		e.Str(c.MaximumDiscountCap.String())
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
	e.Str(c.StartDate.Format(time.RFC3339Nano))
	e.FieldStart("expiry_date")
	e.Str(c.ExpiryDate.Format(time.RFC3339Nano))
	e.FieldStart("is_active")
	e.Bool(c.Active)
	e.FieldStart("applicable_type")
	e.Str(string(c.Scope.Kind()))
	e.FieldStart("applicable_products")
	encodeStrings(&e, products)
	e.FieldStart("applicable_categories")
	encodeStrings(&e, categories)
	e.FieldStart("created_at")
	e.Str(c.CreatedAt.Format(time.RFC3339Nano))
	e.FieldStart("updated_at")
	e.Str(c.UpdatedAt.Format(time.RFC3339Nano))
	e.ObjEnd()
	return e.Bytes()
}

func encodeStrings(e *jx.Encoder, s []string) {
	e.ArrStart()
	for _, v := range s {
		e.Str(v)
	}
	e.ArrEnd()
}

func decodeCoupon(raw []byte) (*coupon.Coupon, error) {
	var (
		c          coupon.Coupon
		kind       string
		products   []string
		categories []string
	)
	err := jx.DecodeBytes(raw).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			c.ID, err = d.Int64()
		case "code":
			c.Code, err = d.Str()
		case "description":
			c.Description, err = d.Str()
		case "discount_type":
			var s string
			s, err = d.Str()
			c.DiscountType = coupon.DiscountType(s)
		case "discount_value":
			c.DiscountValue, err = decodeDecimal(d)
		case "minimum_order_amount":
			c.MinimumOrderAmount, err = decodeDecimal(d)
		case "maximum_discount_cap":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var v decimal.Decimal
			v, err = decodeDecimal(d)
			c.MaximumDiscountCap = &v
		case "usage_limit":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var v int
			v, err = d.Int()
			c.UsageLimit = &v
		case "usage_count":
			c.UsageCount, err = d.Int()
		case "usage_per_customer":
			c.UsagePerCustomer, err = d.Int()
		case "start_date":
			c.StartDate, err = decodeTime(d)
		case "expiry_date":
			c.ExpiryDate, err = decodeTime(d)
		case "is_active":
			c.Active, err = d.Bool()
		case "applicable_type":
			kind, err = d.Str()
		case "applicable_products":
			products, err = decodeStrings(d)
		case "applicable_categories":
			categories, err = decodeStrings(d)
		case "created_at":
			c.CreatedAt, err = decodeTime(d)
		case "updated_at":
			c.UpdatedAt, err = decodeTime(d)
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode coupon")
	}

	c.Scope, err = coupon.NewScope(coupon.ScopeKind(kind), products, categories)
	if err != nil {
		return nil, errors.Wrap(err, "decode coupon scope")
	}
	return &c, nil
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	s, err := d.Str()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(s)
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}

func decodeStrings(d *jx.Decoder) ([]string, error) {
	var out []string
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}
