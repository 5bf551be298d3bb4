package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/cache"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/metrics"
	"github.com/xenking/storefront/internal/repository"
)

const (
	lockKey = "coupon-reconcile"
	lockTTL = 10 * time.Minute
)

func main() {
	var (
		databaseURL string
		redisURL    string
		resolve     bool
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&redisURL, "redis-url", "", "Redis URL used to hold the run lock (or REDIS_URL env)")
	flag.BoolVar(&resolve, "resolve", false, "mark reconciled entries as resolved")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if redisURL == "" {
		redisURL = os.Getenv("REDIS_URL")
	}

	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		if databaseURL == "" {
			return errors.New("database URL is required: set --database-url or DATABASE_URL")
		}
		return run(ctx, lg, m, databaseURL, redisURL, resolve)
	})
}

func run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, databaseURL, redisURL string, resolve bool) error {
	if redisURL != "" {
		rdb, err := cache.NewClient(ctx, redisURL)
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = rdb.Close() }()

		release, err := cache.NewLocker(rdb).Acquire(ctx, lockKey, lockTTL)
		if errors.Is(err, cache.ErrLocked) {
			lg.Info("Another reconciliation is running, exiting")
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "acquire lock")
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				lg.Warn("Release lock", zap.Error(err))
			}
		}()
	} else {
		lg.Warn("Redis URL not set, running without a lock")
	}

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	mtr, err := metrics.New(m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create metrics")
	}

	report, err := coupon.NewReconciler(repository.NewReconciliationRepository(pool)).Run(ctx, resolve)
	if err != nil {
		return errors.Wrap(err, "reconcile")
	}
	mtr.RecordReconciliation(ctx, report.Corrected)

	lg.Info("Reconciliation completed",
		zap.Int("open", report.Open),
		zap.Int("recounted", report.Recounted),
		zap.Int("corrected", report.Corrected),
		zap.Int("resolved", report.Resolved),
		zap.Bool("resolve", resolve),
	)
	return nil
}
