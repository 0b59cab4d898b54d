package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/xenking/checkout-engine/internal/domain/checkout"
	"github.com/xenking/checkout-engine/internal/events"
	"github.com/xenking/checkout-engine/internal/reaper"
)

// Config holds the complete application configuration, loadable from
// environment variables (CHECKOUT_ prefix), a .env file, flags, or YAML
// config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (CHECKOUT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Redis       RedisConfig
	Kafka       events.Config
	Reservation ReservationConfig
	Reaper      reaper.Config
	Fees        FeesConfig
	RateLimit   RateLimitConfig
	Graceful    GracefulConfig
}

// RedisConfig configures the promotion rule cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string        `default:"" usage:"Redis address; empty disables the rule cache"`
	Password string        `default:"" usage:"Redis password"`
	DB       int           `default:"0" usage:"Redis database"`
	RuleTTL  time.Duration `default:"1m" usage:"Promotion rule cache TTL" flag:"rule-ttl"`
}

// ReservationConfig controls hold lifetime and optimistic retry.
type ReservationConfig struct {
	HoldTTL        time.Duration `default:"15m" usage:"Lifetime of holds taken by price" flag:"hold-ttl"`
	MaxAttempts    int           `default:"4" usage:"Version conflict retries per ledger write" flag:"max-attempts"`
	BackoffInitial time.Duration `default:"10ms" usage:"First retry delay"`
	BackoffMax     time.Duration `default:"200ms" usage:"Retry delay cap"`
	// VoucherIndexFP is the false positive rate of the voucher code index.
	VoucherIndexFP float64 `default:"0.001" usage:"Voucher code index false positive rate"`
	// VoucherIndexRefresh is how often the index is rebuilt from the voucher table.
	VoucherIndexRefresh time.Duration `default:"1m" usage:"Voucher code index rebuild interval"`
}

// FeesConfig is the shipping and tax schedule. Amounts are decimal strings.
type FeesConfig struct {
	Standard              string `default:"30000" usage:"Standard shipping fee"`
	Express               string `default:"50000" usage:"Express shipping fee"`
	FreeShippingThreshold string `default:"500000" usage:"Discounted subtotal waiving shipping; empty disables"`
	TaxRate               string `default:"0" usage:"Tax rate as a fraction, e.g. 0.1"`
}

// Schedule parses the configured amounts.
func (c FeesConfig) Schedule() (checkout.FeeSchedule, error) {
	var (
		f   checkout.FeeSchedule
		err error
	)
	if f.Standard, err = decimal.NewFromString(c.Standard); err != nil {
		return f, errors.Wrap(err, "standard fee")
	}
	if f.Express, err = decimal.NewFromString(c.Express); err != nil {
		return f, errors.Wrap(err, "express fee")
	}
	if c.TaxRate == "" {
		f.TaxRate = decimal.Zero
	} else if f.TaxRate, err = decimal.NewFromString(c.TaxRate); err != nil {
		return f, errors.Wrap(err, "tax rate")
	}
	if c.FreeShippingThreshold != "" {
		v, err := decimal.NewFromString(c.FreeShippingThreshold)
		if err != nil {
			return f, errors.Wrap(err, "free shipping threshold")
		}
		f.FreeShippingThreshold = decimal.NewNullDecimal(v)
	}
	if f.Standard.IsNegative() || f.Express.IsNegative() || f.TaxRate.IsNegative() {
		return f, errors.New("fees must not be negative")
	}
	return f, nil
}

// RateLimitConfig controls the per-user sliding window rate limiter on
// checkout routes.
type RateLimitConfig struct {
	Max    int           `default:"30" usage:"Max checkout requests per user per window"`
	Window time.Duration `default:"1m" usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s" usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from .env, environment variables and YAML
// config files, then applies platform defaults.
func LoadConfig() (*Config, error) {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CHECKOUT",
		Files:     []string{"config.yaml", "/etc/checkout/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set CHECKOUT_DATABASE_URL or DATABASE_URL")
	}
	if _, err := cfg.Fees.Schedule(); err != nil {
		return nil, errors.Wrap(err, "fees")
	}
	return &cfg, nil
}

// applyPlatformDefaults maps the conventional DATABASE_URL and PORT variables
// onto the CHECKOUT_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
