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
	"golang.org/x/sync/errgroup"

	"github.com/xenking/checkout-engine/internal/domain/checkout"
	"github.com/xenking/checkout-engine/internal/domain/discount"
	"github.com/xenking/checkout-engine/internal/domain/ledger"
	"github.com/xenking/checkout-engine/internal/events"
	"github.com/xenking/checkout-engine/internal/handler"
	"github.com/xenking/checkout-engine/internal/reaper"
	"github.com/xenking/checkout-engine/internal/storage/cache"
	"github.com/xenking/checkout-engine/internal/storage/postgres"
	"github.com/xenking/checkout-engine/pkg/health"
	"github.com/xenking/checkout-engine/pkg/httpmiddleware"
)

const serviceName = "checkout-engine"

// Run creates all dependencies, starts the HTTP server and the reaper, and
// handles graceful shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	fees, err := cfg.Fees.Schedule()
	if err != nil {
		return errors.Wrap(err, "fees")
	}

	// PostgreSQL pool + migrations.
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	// Storage.
	ledgers := postgres.NewLedgerStore(pool)
	products := postgres.NewProductRepository(pool)
	vouchers := postgres.NewVoucherRepository(pool)

	var rules discount.RuleSource = postgres.NewRuleRepository(pool)
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		rules = cache.NewRuleCache(rdb, rules, cfg.Redis.RuleTTL, lg.Named("rules"))
	}

	// Vouchers created after startup become visible on the next rebuild.
	codeIndex := discount.NewCodeIndex(1024, cfg.Reservation.VoucherIndexFP)
	codes, err := codeIndex.Refresh(ctx, vouchers)
	if err != nil {
		return err
	}
	lg.Info("Voucher index loaded", zap.Int("codes", codes))

	// Domain services.
	ledgerOpts := []ledger.Option{
		ledger.WithMaxAttempts(cfg.Reservation.MaxAttempts),
		ledger.WithBackoff(cfg.Reservation.BackoffInitial, cfg.Reservation.BackoffMax),
		ledger.WithMeter(m.MeterProvider().Meter(serviceName + "/ledger")),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		pub := events.NewPublisher(events.NewWriter(cfg.Kafka), cfg.Kafka, lg.Named("events"))
		defer func() {
			if err := pub.Close(); err != nil {
				lg.Warn("Close event publisher", zap.Error(err))
			}
		}()
		ledgerOpts = append(ledgerOpts, ledger.WithPublisher(pub))
	} else {
		lg.Info("Kafka brokers not configured, reservation events disabled")
	}
	ledgerSvc := ledger.NewService(ledgers, lg.Named("ledger"), ledgerOpts...)

	validator := discount.NewVoucherValidator(vouchers, ledgers, discount.WithCodeIndex(codeIndex))
	checkoutSvc := checkout.NewService(ledgerSvc, ledgers, products, rules, validator,
		checkout.WithHoldTTL(cfg.Reservation.HoldTTL),
		checkout.WithFees(fees),
		checkout.WithLogger(lg.Named("checkout")),
		checkout.WithTracer(m.TracerProvider().Tracer(serviceName+"/checkout")),
	)

	rp := reaper.New(ledgers, ledgerSvc, lg.Named("reaper"),
		reaper.WithConfig(cfg.Reaper),
		reaper.WithMeter(m.MeterProvider().Meter(serviceName+"/reaper")),
	)

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck("postgres", pool))
	if rdb != nil {
		// The rule cache falls back to postgres, so a flapping redis only
		// marks the pod unready after repeated failures.
		healthSvc.AddReadinessCheck("redis", 2*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}, health.WithFailureThreshold(5))
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("reaper", time.Second, rp.Fresh(3*reclaimInterval(cfg.Reaper)))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Router.
	r := chi.NewRouter()
	r.Use(
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.LogRequests(),
	)
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	handler.New(checkoutSvc, rp).Register(r)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(r,
			httpmiddleware.Recovery(),
			httpmiddleware.Instrument(serviceName, m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.Max,
				Window:  cfg.RateLimit.Window,
				KeyFunc: httpmiddleware.HeaderKey(handler.UserIDHeader),
			}),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rp.Run(gctx)
	})
	g.Go(func() error {
		return codeIndex.Run(gctx, vouchers, indexRefresh(cfg.Reservation), lg.Named("vouchers"))
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		if ctx.Err() != nil {
			lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	return g.Wait()
}

func indexRefresh(c ReservationConfig) time.Duration {
	if c.VoucherIndexRefresh > 0 {
		return c.VoucherIndexRefresh
	}
	return time.Minute
}

func reclaimInterval(c reaper.Config) time.Duration {
	if c.ReclaimInterval > 0 {
		return c.ReclaimInterval
	}
	return reaper.DefaultReclaimInterval
}
