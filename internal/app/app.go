package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/cache"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/handler"
	"github.com/xenking/storefront/internal/metrics"
	"github.com/xenking/storefront/internal/repository"
	"github.com/xenking/storefront/pkg/health"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	shipping, err := cfg.Checkout.Shipping()
	if err != nil {
		return err
	}

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.Register(health.Check{
		Name: "postgres", Kind: health.Readiness, Timeout: 5 * time.Second,
		Func: health.PingCheck(pool),
	})
	healthSvc.Register(health.Check{
		Name: "goroutines", Kind: health.Liveness, Timeout: time.Second,
		Func: health.GoroutineCountCheck(10000),
	})
	healthSvc.Register(health.Check{
		Name: "gc", Kind: health.Liveness, Timeout: time.Second,
		Func: health.GCMaxPauseCheck(time.Second),
	})

	// Optional Redis for the coupon cache and validation limits.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = cache.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = rdb.Close() }()

		healthSvc.Register(health.Check{
			Name: "redis", Kind: health.Readiness, Timeout: 2 * time.Second,
			Func: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	} else {
		lg.Warn("Redis URL not set, coupon cache disabled")
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	mtr, err := metrics.New(m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create metrics")
	}

	// Repositories.
	productRepo := repository.NewProductRepository(pool)
	couponRepo := repository.NewCouponRepository(pool)
	cartRepo := repository.NewCartRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	reconRepo := repository.NewReconciliationRepository(pool)
	apikeyRepo := repository.NewAPIKeyRepository(pool)

	var (
		finder      coupon.Finder = couponRepo
		invalidator coupon.Invalidator
	)
	if rdb != nil {
		cached := cache.NewCouponFinder(rdb, couponRepo, cfg.CouponCache.TTL)
		finder, invalidator = cached, cached
	}

	// Domain services.
	opts := []coupon.Option{
		coupon.WithMetrics(mtr),
		coupon.WithTracerProvider(m.TracerProvider()),
	}
	engine := coupon.NewEngine(finder, couponRepo, opts...)
	recorder := coupon.NewRecorder(couponRepo, opts...)
	admin := coupon.NewAdmin(couponRepo, productRepo, invalidator)
	orderService := order.NewService(cartRepo, engine, recorder, orderRepo, reconRepo, invalidator, shipping)

	// Validation is limited per shopper with a shared Redis bucket when
	// available, otherwise per process.
	var validateLimiter httpmiddleware.Limiter
	if rdb != nil {
		validateLimiter, err = cache.NewTokenBucket(rdb, cfg.ValidateRateLimit.Rate, cfg.ValidateRateLimit.Burst)
		if err != nil {
			return errors.Wrap(err, "create validate limiter")
		}
	} else {
		window := time.Duration(float64(cfg.ValidateRateLimit.Burst) / cfg.ValidateRateLimit.Rate * float64(time.Second))
		wl := httpmiddleware.NewWindowLimiter(cfg.ValidateRateLimit.Burst, window)
		wl.StartCleanup(ctx)
		validateLimiter = wl
	}

	// HTTP handlers.
	h := handler.New(
		handler.Config{ValidateLimit: httpmiddleware.RateLimit(validateLimiter, handler.RateLimitKey)},
		orderService,
		admin,
		handler.NewSecurity(apikeyRepo, []byte(cfg.APIKeyPepper)),
	)

	// Router: health endpoints + API routes on one server. Route-aware
	// middlewares run inside chi so the matched pattern is available.
	router := chi.NewRouter()
	router.Use(httpmiddleware.LogRequests(), httpmiddleware.Labeler())
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	h.Mount(router)
	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httpmiddleware.WriteError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httpmiddleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	globalLimiter := httpmiddleware.NewWindowLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window)
	globalLimiter.StartCleanup(ctx)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins: cfg.CORS.Origins,
				AllowHeaders: []string{
					"Content-Type",
					handler.HeaderAPIKey,
					handler.HeaderCustomerID,
					handler.HeaderSessionID,
				},
				ExposeHeaders:    []string{httpmiddleware.HeaderRequestID},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimit(globalLimiter, httpmiddleware.ClientIP),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.RequestID(),
			httpmiddleware.Instrument("storefront-api", m),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
