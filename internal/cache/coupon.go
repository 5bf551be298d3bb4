package cache

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/coupon"
)

const (
	couponKeyPrefix = "storefront:coupon:"
	couponGenPrefix = "storefront:coupon-gen:"

	// generationTTL outlives any in-flight read-through by far.
	generationTTL = 24 * time.Hour
)

// notFoundMarker is cached for codes that do not exist.
var notFoundMarker = []byte("null")

// errGenerationMoved aborts a cache fill that raced an invalidation.
var errGenerationMoved = errors.New("coupon generation moved")

var (
	_ coupon.Finder      = (*CouponFinder)(nil)
	_ coupon.Invalidator = (*CouponFinder)(nil)
)

// CouponFinder is a read-through Redis cache in front of a coupon.Finder.
// Unknown codes are cached too. Any Redis failure falls back to the wrapped
// finder.
//
// Every code has a generation counter bumped by Invalidate. A fill only
// lands if the generation is unchanged since before the backing read, so a
// lookup that raced an admin edit cannot re-cache the old row.
type CouponFinder struct {
	client *redis.Client
	next   coupon.Finder
	ttl    time.Duration
}

// NewCouponFinder caches lookups from next for ttl.
func NewCouponFinder(client *redis.Client, next coupon.Finder, ttl time.Duration) *CouponFinder {
	return &CouponFinder{client: client, next: next, ttl: ttl}
}

func couponKey(code string) string {
	return couponKeyPrefix + coupon.NormalizeCode(code)
}

func generationKey(code string) string {
	return couponGenPrefix + coupon.NormalizeCode(code)
}

// FindByCode implements coupon.Finder.
func (f *CouponFinder) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	key := couponKey(code)
	lg := zctx.From(ctx)

	raw, err := f.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if string(raw) == string(notFoundMarker) {
			return nil, coupon.ErrNotFound
		}
		c, decodeErr := decodeCoupon(raw)
		if decodeErr == nil {
			return c, nil
		}
		lg.Warn("Drop undecodable cached coupon", zap.String("key", key), zap.Error(decodeErr))
	case errors.Is(err, redis.Nil):
	default:
		lg.Warn("Coupon cache read failed", zap.String("key", key), zap.Error(err))
		return f.next.FindByCode(ctx, code)
	}

	genKey := generationKey(code)
	gen, err := f.generation(ctx, f.client, genKey)
	if err != nil {
		lg.Warn("Coupon generation read failed", zap.String("key", genKey), zap.Error(err))
		return f.next.FindByCode(ctx, code)
	}

	c, err := f.next.FindByCode(ctx, code)
	switch {
	case errors.Is(err, coupon.ErrNotFound):
		f.store(ctx, key, genKey, gen, notFoundMarker)
		return nil, err
	case err != nil:
		return nil, err
	}
	f.store(ctx, key, genKey, gen, encodeCoupon(c))
	return c, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (f *CouponFinder) generation(ctx context.Context, c getter, genKey string) (int64, error) {
	gen, err := c.Get(ctx, genKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// store writes value under key unless genKey moved past gen.
func (f *CouponFinder) store(ctx context.Context, key, genKey string, gen int64, value []byte) {
	err := f.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := f.generation(ctx, tx, genKey)
		if err != nil {
			return err
		}
		if cur != gen {
			return errGenerationMoved
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, value, f.ttl)
			return nil
		})
		return err
	}, genKey)
	switch {
	case err == nil:
	case errors.Is(err, errGenerationMoved), errors.Is(err, redis.TxFailedErr):
		zctx.From(ctx).Debug("Skip stale coupon cache fill", zap.String("key", key))
	default:
		zctx.From(ctx).Warn("Coupon cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate drops the cached entry for code and bumps its generation so
// that in-flight fills are discarded.
func (f *CouponFinder) Invalidate(ctx context.Context, code string) error {
	genKey := generationKey(code)
	if _, err := f.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, genKey)
		p.Expire(ctx, genKey, generationTTL)
		p.Del(ctx, couponKey(code))
		return nil
	}); err != nil {
		return errors.Wrap(err, "delete cached coupon")
	}
	return nil
}
