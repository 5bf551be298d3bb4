//go:build integration

package repository

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/product"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "store",
				"POSTGRES_PASSWORD": "store",
				"POSTGRES_DB":       "store",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(pg); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := pg.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://store:store@%s:%s/store?sslmode=disable", host, port.Port())
	testPool, err = NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer testPool.Close()

	if err := RunMigrations(ctx, testPool); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	// A second run is a no-op.
	if err := RunMigrations(ctx, testPool); err != nil {
		log.Fatalf("migrate again: %v", err)
	}

	return m.Run()
}

func resetDB(t *testing.T) {
	t.Helper()
	_, err := testPool.Exec(context.Background(), `TRUNCATE products, cart_items, coupons, coupon_usage,
		orders, order_items, coupon_reconciliation, api_keys RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func intPtr(n int) *int { return &n }

func newCoupon(code string) *coupon.Coupon {
	now := time.Now().UTC().Truncate(time.Second)
	return &coupon.Coupon{
		Code:               code,
		DiscountType:       coupon.DiscountPercentage,
		DiscountValue:      dec("20"),
		MinimumOrderAmount: dec("0"),
		UsagePerCustomer:   1,
		StartDate:          now.Add(-time.Hour),
		ExpiryDate:         now.Add(24 * time.Hour),
		Active:             true,
		Scope:              coupon.AllItems{},
	}
}

func TestCouponRepository_CRUD(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	repo := NewCouponRepository(testPool)

	capAmount := dec("100")
	c := newCoupon("BIGSALE")
	c.MaximumDiscountCap = &capAmount
	c.UsageLimit = intPtr(10)
	c.Scope = coupon.Categories{Names: []string{"Shirts", "Jackets"}}
	require.NoError(t, repo.Create(ctx, c))
	assert.NotZero(t, c.ID)
	assert.False(t, c.CreatedAt.IsZero())

	t.Run("duplicate code", func(t *testing.T) {
		err := repo.Create(ctx, newCoupon("BIGSALE"))
		require.ErrorIs(t, err, coupon.ErrCodeExists)
	})

	t.Run("find is case insensitive", func(t *testing.T) {
		got, err := repo.FindByCode(ctx, "bigsale")
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.ID)
		require.NotNil(t, got.MaximumDiscountCap)
		assert.True(t, capAmount.Equal(*got.MaximumDiscountCap))
		require.NotNil(t, got.UsageLimit)
		assert.Equal(t, 10, *got.UsageLimit)
		assert.Equal(t, coupon.Categories{Names: []string{"Shirts", "Jackets"}}, got.Scope)
	})

	t.Run("unknown code", func(t *testing.T) {
		_, err := repo.FindByCode(ctx, "NOPE")
		require.ErrorIs(t, err, coupon.ErrNotFound)
	})

	t.Run("update clears nullable fields", func(t *testing.T) {
		c.MaximumDiscountCap = nil
		c.UsageLimit = nil
		c.Scope = coupon.AllItems{}
		c.Description = "Everything half off"
		require.NoError(t, repo.Update(ctx, c))

		got, err := repo.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Nil(t, got.MaximumDiscountCap)
		assert.Nil(t, got.UsageLimit)
		assert.Equal(t, coupon.AllItems{}, got.Scope)
		assert.Equal(t, "Everything half off", got.Description)
	})

	t.Run("set active", func(t *testing.T) {
		require.NoError(t, repo.SetActive(ctx, c.ID, false))
		got, err := repo.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.False(t, got.Active)
	})

	t.Run("list newest first", func(t *testing.T) {
		second := newCoupon("SAVE50")
		require.NoError(t, repo.Create(ctx, second))

		list, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "SAVE50", list[0].Code)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, c.ID))
		require.ErrorIs(t, repo.Delete(ctx, c.ID), coupon.ErrNotFound)
		_, err := repo.Get(ctx, c.ID)
		require.ErrorIs(t, err, coupon.ErrNotFound)
	})
}

func TestCouponRepository_UsageRecords(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	repo := NewCouponRepository(testPool)

	c := newCoupon("TWICE")
	c.UsagePerCustomer = 2
	require.NoError(t, repo.Create(ctx, c))

	alice := cart.NewIdentity("alice", "")
	insert := func(orderID string) coupon.InsertOutcome {
		t.Helper()
		out, err := repo.InsertUsageRecord(ctx, coupon.UsageRecord{CouponID: c.ID, Identity: alice, OrderID: orderID})
		require.NoError(t, err)
		return out
	}

	assert.Equal(t, coupon.Inserted, insert("o-1"))
	assert.Equal(t, coupon.Duplicate, insert("o-1"))
	assert.Equal(t, coupon.Inserted, insert("o-2"))
	assert.Equal(t, coupon.CustomerLimitReached, insert("o-3"))

	n, err := repo.CustomerUsage(ctx, c.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = repo.CustomerUsage(ctx, c.ID, cart.NewIdentity("", "sess-1"))
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, repo.DeleteUsageRecord(ctx, c.ID, "o-2"))
	assert.Equal(t, coupon.Inserted, insert("o-3"))

	_, err = repo.InsertUsageRecord(ctx, coupon.UsageRecord{CouponID: 9999, Identity: alice, OrderID: "o-x"})
	require.ErrorIs(t, err, coupon.ErrNotFound)
}

func TestCouponRepository_Counters(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	repo := NewCouponRepository(testPool)

	c := newCoupon("ONCE")
	c.UsageLimit = intPtr(1)
	require.NoError(t, repo.Create(ctx, c))

	n, ok, err := repo.IncrementUsageBelowLimit(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, n)

	n, ok, err = repo.IncrementUsageBelowLimit(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, n)

	counter, err := repo.IncrementUsage(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counter.Count)
	require.NotNil(t, counter.Limit)
	assert.Equal(t, 1, *counter.Limit)

	require.NoError(t, repo.DecrementUsage(ctx, c.ID))
	require.NoError(t, repo.DecrementUsage(ctx, c.ID))
	require.NoError(t, repo.DecrementUsage(ctx, c.ID))
	got, err := repo.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, got.UsageCount)

	_, _, err = repo.IncrementUsageBelowLimit(ctx, 9999)
	require.ErrorIs(t, err, coupon.ErrNotFound)
}

func TestRecorder_ConcurrentRedemptions(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	repo := NewCouponRepository(testPool)

	const limit = 3
	c := newCoupon("FLASH")
	c.UsageLimit = intPtr(limit)
	require.NoError(t, repo.Create(ctx, c))

	rec := coupon.NewRecorder(repo)

	const shoppers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		success   int
		forfeited int
	)
	for i := range shoppers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := cart.NewIdentity("", fmt.Sprintf("sess-%d", i))
			res, err := rec.Record(ctx, c.ID, id, fmt.Sprintf("order-%d", i))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Success {
				success++
			}
			if res.Forfeited {
				forfeited++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, success)
	assert.Equal(t, shoppers-limit, forfeited)

	got, err := repo.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, limit, got.UsageCount)

	var records int
	require.NoError(t, testPool.QueryRow(ctx, `SELECT count(*) FROM coupon_usage WHERE coupon_id = $1`, c.ID).Scan(&records))
	assert.Equal(t, limit, records)
}

func TestRecorder_SameCustomerConcurrently(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	repo := NewCouponRepository(testPool)

	c := newCoupon("WELCOME")
	require.NoError(t, repo.Create(ctx, c))

	rec := coupon.NewRecorder(repo)
	bob := cart.NewIdentity("bob", "")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := rec.Record(ctx, c.ID, bob, fmt.Sprintf("order-%d", i))
			if !assert.NoError(t, err) {
				return
			}
			if res.Success {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	n, err := repo.CustomerUsage(ctx, c.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProductAndCartRepositories(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	products := NewProductRepository(testPool)
	carts := NewCartRepository(testPool)

	require.NoError(t, products.Upsert(ctx, []product.Product{
		{ID: "p1", Name: "Oxford Shirt", Price: dec("1200.50"), Category: "Shirts"},
		{ID: "p2", Name: "Denim Jacket", Price: dec("3500"), Category: "Jackets"},
		{ID: "p3", Name: "Linen Shirt", Price: dec("900"), Category: "Shirts"},
	}))

	categories, err := products.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Jackets", "Shirts"}, categories)

	found, err := products.GetByIDs(ctx, []string{"p1", "missing"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.True(t, dec("1200.50").Equal(found[0].Price))

	shopper := cart.NewIdentity("", "sess-9")
	require.NoError(t, carts.Add(ctx, shopper, "p1", 2))
	require.NoError(t, carts.Add(ctx, shopper, "gone", 1))
	require.NoError(t, carts.Add(ctx, cart.NewIdentity("carol", ""), "p2", 1))

	lines, err := carts.Lines(ctx, shopper)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "Shirts", lines[0].Category)
	assert.False(t, lines[0].Orphaned)
	assert.True(t, lines[1].Orphaned)
	assert.True(t, dec("2401").Equal(cart.Subtotal(lines)))

	require.NoError(t, carts.Clear(ctx, shopper))
	lines, err = carts.Lines(ctx, shopper)
	require.NoError(t, err)
	assert.Empty(t, lines)

	lines, err = carts.Lines(ctx, cart.NewIdentity("carol", ""))
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestOrderRepository(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	repo := NewOrderRepository(testPool)

	o := &order.Order{
		ID:       "order-1",
		Identity: cart.NewIdentity("dave", ""),
		Items: []order.Item{
			{ProductID: "p1", Name: "Oxford Shirt", UnitPrice: dec("1000"), Quantity: 1},
			{ProductID: "p2", Name: "Belt", UnitPrice: dec("250"), Quantity: 2},
		},
		Subtotal: dec("1500"),
		Discount: dec("300"),
		Shipping: dec("60"),
		Total:    dec("1260"),
	}
	require.NoError(t, repo.Create(ctx, o))
	assert.False(t, o.CreatedAt.IsZero())

	var items int
	require.NoError(t, testPool.QueryRow(ctx, `SELECT count(*) FROM order_items WHERE order_id = $1`, o.ID).Scan(&items))
	assert.Equal(t, 2, items)

	require.NoError(t, repo.ForfeitDiscount(ctx, o.ID, dec("1560")))

	var (
		discount, total decimal.Decimal
		forfeited       bool
	)
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT discount, total, discount_forfeited FROM orders WHERE id = $1`, o.ID,
	).Scan(&discount, &total, &forfeited))
	assert.True(t, discount.IsZero())
	assert.True(t, dec("1560").Equal(total))
	assert.True(t, forfeited)

	require.Error(t, repo.ForfeitDiscount(ctx, "missing", dec("1")))
}

func TestReconciliationRepository(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	coupons := NewCouponRepository(testPool)
	repo := NewReconciliationRepository(testPool)

	c := newCoupon("DRIFT")
	require.NoError(t, coupons.Create(ctx, c))
	_, err := coupons.InsertUsageRecord(ctx, coupon.UsageRecord{
		CouponID: c.ID, Identity: cart.NewIdentity("erin", ""), OrderID: "o-1",
	})
	require.NoError(t, err)
	_, err = testPool.Exec(ctx, `UPDATE coupons SET usage_count = 5 WHERE id = $1`, c.ID)
	require.NoError(t, err)

	require.NoError(t, repo.Flag(ctx, coupon.Discrepancy{
		OrderID: "o-1", CouponID: c.ID, Kind: coupon.DiscrepancyRecordFailed, Detail: "timeout",
	}))

	report, err := coupon.NewReconciler(repo).Run(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, coupon.ReconcileReport{Open: 1, Recounted: 1, Corrected: 1, Resolved: 1}, report)

	got, err := coupons.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)

	open, err := repo.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestAPIKeyRepository(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	repo := NewAPIKeyRepository(testPool)

	hash := auth.HashKey([]byte("pepper"), "secret")
	require.NoError(t, repo.Create(ctx, &auth.APIKey{
		ID: "admin", KeyHash: hash, Name: "Admin", Scopes: []string{auth.ScopeCouponAdmin},
	}))

	key, err := repo.FindByHash(ctx, hash)
	require.NoError(t, err)
	assert.True(t, key.Allows(auth.ScopeCouponAdmin))

	_, err = repo.FindByHash(ctx, "nope")
	require.ErrorIs(t, err, auth.ErrKeyNotFound)
}
