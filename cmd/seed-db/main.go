package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront/db"
	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/product"
	"github.com/xenking/storefront/internal/repository"
)

type productJSON struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Category string          `json:"category"`
	Image    struct {
		Thumbnail string `json:"thumbnail"`
		Mobile    string `json:"mobile"`
		Tablet    string `json:"tablet"`
		Desktop   string `json:"desktop"`
	} `json:"image"`
}

func main() {
	var (
		databaseURL  string
		productsFile string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "", "path to products JSON file (embedded catalog when empty)")
	flag.StringVar(&apiKey, "api-key", "", "admin API key to seed (or STORE_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or STORE_API_KEY_PEPPER env)")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if apiKey == "" {
		apiKey = os.Getenv("STORE_SEED_API_KEY")
	}
	if apiKey == "" {
		lg.Fatal("API key is required: set --api-key or STORE_SEED_API_KEY")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("STORE_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx = zctx.Base(ctx, lg)

	if err := run(ctx, lg, databaseURL, productsFile, apiKey, apiKeyPepper); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}

	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, productsFile, apiKey, pepper string) error {
	lg.Info("Connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	products := repository.NewProductRepository(pool)

	if err := seedProducts(ctx, lg, products, productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}

	admin := coupon.NewAdmin(repository.NewCouponRepository(pool), products, nil)
	if err := seedCoupons(ctx, lg, admin, time.Now()); err != nil {
		return errors.Wrap(err, "seed coupons")
	}

	if err := seedAPIKey(ctx, lg, pool, apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

func seedProducts(ctx context.Context, lg *zap.Logger, repo *repository.ProductRepository, productsFile string) error {
	data := db.Products
	if productsFile != "" {
		lg.Info("Reading products file", zap.String("path", productsFile))

		var err error
		if data, err = os.ReadFile(productsFile); err != nil {
			return errors.Wrap(err, "read products file")
		}
	}

	var raw []productJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "parse products JSON")
	}

	products := make([]product.Product, 0, len(raw))
	for _, p := range raw {
		products = append(products, product.Product{
			ID:       p.ID,
			Name:     p.Name,
			Price:    p.Price,
			Category: p.Category,
			Image: product.Image{
				Thumbnail: p.Image.Thumbnail,
				Mobile:    p.Image.Mobile,
				Tablet:    p.Image.Tablet,
				Desktop:   p.Image.Desktop,
			},
		})
	}

	if err := repo.Upsert(ctx, products); err != nil {
		return err
	}

	lg.Info("Upserted products", zap.Int("count", len(products)))
	return nil
}

// sampleCoupons returns the demo coupons, valid for a year from now.
func sampleCoupons(now time.Time) []coupon.Draft {
	start := now.UTC().Truncate(24 * time.Hour)
	end := start.AddDate(1, 0, 0)
	bigSaleCap := decimal.NewFromInt(100)

	return []coupon.Draft{
		{
			Code:             "SUMMER20",
			Description:      "Summer sale: 20% off your order",
			DiscountType:     coupon.DiscountPercentage,
			DiscountValue:    decimal.NewFromInt(20),
			UsagePerCustomer: 1,
			StartDate:        start,
			ExpiryDate:       end,
			Active:           true,
			Scope:            coupon.AllItems{},
		},
		{
			Code:             "SAVE50",
			Description:      "৳50 off your order",
			DiscountType:     coupon.DiscountFixed,
			DiscountValue:    decimal.NewFromInt(50),
			UsagePerCustomer: 1,
			StartDate:        start,
			ExpiryDate:       end,
			Active:           true,
			Scope:            coupon.AllItems{},
		},
		{
			Code:               "BIGSALE",
			Description:        "Half price, up to ৳100 off",
			DiscountType:       coupon.DiscountPercentage,
			DiscountValue:      decimal.NewFromInt(50),
			MaximumDiscountCap: &bigSaleCap,
			UsagePerCustomer:   1,
			StartDate:          start,
			ExpiryDate:         end,
			Active:             true,
			Scope:              coupon.AllItems{},
		},
	}
}

func seedCoupons(ctx context.Context, lg *zap.Logger, admin *coupon.Admin, now time.Time) error {
	for _, d := range sampleCoupons(now) {
		c, err := admin.Create(ctx, d)
		if errors.Is(err, coupon.ErrCodeExists) {
			lg.Info("Coupon already exists", zap.String("code", d.Code))
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "create coupon %s", d.Code)
		}

		lg.Info("Created coupon", zap.String("code", c.Code), zap.Int64("id", c.ID))
	}

	return nil
}

func seedAPIKey(ctx context.Context, lg *zap.Logger, pool *pgxpool.Pool, apiKey, pepper string) error {
	key := &auth.APIKey{
		ID:      "default",
		KeyHash: auth.HashKey([]byte(pepper), apiKey),
		Name:    "Default admin key",
		Scopes:  []string{auth.ScopeCouponAdmin},
	}
	if err := repository.NewAPIKeyRepository(pool).Create(ctx, key); err != nil {
		return errors.Wrap(err, "upsert default API key")
	}

	lg.Info("Upserted API key", zap.String("id", key.ID), zap.String("name", key.Name))
	return nil
}
