package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/order"
)

// Config holds the complete application configuration, loadable from
// environment variables (STORE_ prefix), a local .env file, flags, or YAML
// config files.
type Config struct {
	Addr              string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL       string `usage:"PostgreSQL connection URL (STORE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisURL          string `usage:"Redis URL for the coupon cache and rate limits (STORE_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	APIKeyPepper      string `usage:"HMAC pepper for API key hashing (STORE_API_KEY_PEPPER)" flag:"api-key-pepper"`
	Checkout          CheckoutConfig
	CouponCache       CouponCacheConfig
	RateLimit         RateLimitConfig
	ValidateRateLimit ValidateRateLimitConfig
	CORS              CORSConfig
	Graceful          GracefulConfig
}

// CheckoutConfig controls shipping charges.
type CheckoutConfig struct {
	FreeShippingThreshold string `default:"2000" usage:"Pre-discount subtotal from which shipping is free" flag:"free-shipping-threshold"`
	ShippingFee           string `default:"60" usage:"Flat shipping fee below the threshold" flag:"shipping-fee"`
}

// CouponCacheConfig controls the Redis coupon lookup cache.
type CouponCacheConfig struct {
	TTL time.Duration `default:"30s" usage:"Coupon lookup cache TTL" flag:"coupon-cache-ttl"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// ValidateRateLimitConfig guards coupon validation against code guessing.
type ValidateRateLimitConfig struct {
	Rate  float64 `default:"0.5" usage:"Coupon validations refilled per second" flag:"validate-rate"`
	Burst int     `default:"10"  usage:"Coupon validation burst" flag:"validate-burst"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// Shipping parses the checkout section into a shipping policy.
func (c CheckoutConfig) Shipping() (order.ShippingPolicy, error) {
	threshold, err := decimal.NewFromString(c.FreeShippingThreshold)
	if err != nil {
		return order.ShippingPolicy{}, errors.Wrap(err, "parse free shipping threshold")
	}
	fee, err := decimal.NewFromString(c.ShippingFee)
	if err != nil {
		return order.ShippingPolicy{}, errors.Wrap(err, "parse shipping fee")
	}
	if threshold.IsNegative() || fee.IsNegative() {
		return order.ShippingPolicy{}, errors.New("shipping threshold and fee must not be negative")
	}
	return order.ShippingPolicy{FreeThreshold: threshold, Fee: fee}, nil
}

// LoadConfig loads configuration from a local .env file, environment
// variables and YAML config files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "STORE",
		Files:     []string{"config.yaml", "/etc/storefront/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set STORE_DATABASE_URL or DATABASE_URL")
	}
	if _, err := cfg.Checkout.Shipping(); err != nil {
		return nil, err
	}
	if cfg.ValidateRateLimit.Rate <= 0 || cfg.ValidateRateLimit.Burst <= 0 {
		return nil, errors.New("validate rate limit rate and burst must be positive")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's STORE_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.RedisURL == "" {
		if v := os.Getenv("REDIS_URL"); v != "" {
			c.RedisURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
