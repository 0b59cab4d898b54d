// Package reaper reclaims expired holds and purges old released reservations.
//
// Reclaim and Purge are plain methods driven by an injected clock; Run only
// owns the two tickers that call them.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/checkout-engine/internal/domain/ledger"
)

// Default cadence.
const (
	DefaultReclaimInterval = 5 * time.Minute
	DefaultPurgeInterval   = 24 * time.Hour
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultBatchSize       = 500
)

// Store is the part of ledger.Store the reaper reads and purges.
type Store interface {
	FindExpired(ctx context.Context, before time.Time, limit int) ([]ledger.Reservation, error)
	PurgeTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Releaser releases a single reservation and reports whether the call moved
// it out of RESERVED. ledger.Service implements it.
type Releaser interface {
	Release(ctx context.Context, reservationID string, reason ledger.ReleaseReason) (bool, error)
}

// Config controls the reaper cadence.
type Config struct {
	ReclaimInterval time.Duration `default:"5m" yaml:"reclaim_interval"`
	PurgeInterval   time.Duration `default:"24h" yaml:"purge_interval"`
	Retention       time.Duration `default:"168h" yaml:"retention"`
	BatchSize       int           `default:"500" yaml:"batch_size"`
}

func (c Config) withDefaults() Config {
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = DefaultReclaimInterval
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = DefaultPurgeInterval
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Result summarizes one reclaim pass.
type Result struct {
	Scanned   int
	Reclaimed int
	// Skipped counts holds that were no longer RESERVED when released,
	// typically because an overlapping pass or a Confirm got there first.
	Skipped int
	Failed  int
}

// Stats are the cumulative operational counters.
type Stats struct {
	Reclaimed       int64     `json:"reclaimed"`
	ReclaimFailures int64     `json:"reclaim_failures"`
	Purged          int64     `json:"purged"`
	LastReclaimAt   time.Time `json:"last_reclaim_at"`
	LastPurgeAt     time.Time `json:"last_purge_at"`
}

type metrics struct {
	reclaimed metric.Int64Counter
	failures  metric.Int64Counter
	purged    metric.Int64Counter
}

func newMetrics(m metric.Meter) (metrics, error) {
	var (
		out metrics
		err error
	)
	if out.reclaimed, err = m.Int64Counter("reaper.reclaimed",
		metric.WithDescription("Expired holds released by the reaper"),
	); err != nil {
		return out, errors.Wrap(err, "reclaimed counter")
	}
	if out.failures, err = m.Int64Counter("reaper.reclaim_failures",
		metric.WithDescription("Expired holds the reaper failed to release"),
	); err != nil {
		return out, errors.Wrap(err, "failures counter")
	}
	if out.purged, err = m.Int64Counter("reaper.purged",
		metric.WithDescription("Released reservations deleted after retention"),
	); err != nil {
		return out, errors.Wrap(err, "purged counter")
	}
	return out, nil
}

// Reaper reclaims expired holds and purges released records.
type Reaper struct {
	store    Store
	releaser Releaser
	cfg      Config
	now      func() time.Time
	lg       *zap.Logger
	metrics  metrics

	mu    sync.Mutex
	stats Stats
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// WithConfig overrides cadence and batch settings.
func WithConfig(cfg Config) Option {
	return func(r *Reaper) { r.cfg = cfg.withDefaults() }
}

// WithMeter records counters on the given meter.
func WithMeter(m metric.Meter) Option {
	return func(r *Reaper) {
		if mt, err := newMetrics(m); err == nil {
			r.metrics = mt
		} else {
			r.lg.Warn("Reaper metrics disabled", zap.Error(err))
		}
	}
}

// New creates a Reaper.
func New(store Store, releaser Releaser, lg *zap.Logger, opts ...Option) *Reaper {
	mt, _ := newMetrics(noop.NewMeterProvider().Meter("reaper"))
	r := &Reaper{
		store:    store,
		releaser: releaser,
		cfg:      Config{}.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
		lg:       lg,
		metrics:  mt,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reclaim releases every hold that expired before now. A failing record is
// logged and counted; it never aborts the pass. Overlapping passes are safe
// because releasing a terminal reservation is a no-op, counted as skipped.
func (r *Reaper) Reclaim(ctx context.Context) (Result, error) {
	now := r.now()
	var res Result

	for {
		batch, err := r.store.FindExpired(ctx, now, r.cfg.BatchSize)
		if err != nil {
			return res, errors.Wrap(err, "find expired")
		}
		res.Scanned += len(batch)

		moved := 0
		for _, rv := range batch {
			if err := ctx.Err(); err != nil {
				r.finishReclaim(ctx, now, res)
				return res, err
			}
			released, err := r.releaser.Release(ctx, rv.ID, ledger.ReleaseExpired)
			if err != nil {
				res.Failed++
				r.lg.Error("Reclaim failed",
					zap.String("reservation_id", rv.ID),
					zap.String("resource_id", rv.ResourceID),
					zap.Error(err),
				)
				continue
			}
			moved++
			if released {
				res.Reclaimed++
			} else {
				res.Skipped++
			}
		}

		// A full batch may have more behind it, unless nothing moved.
		if len(batch) < r.cfg.BatchSize || moved == 0 {
			break
		}
	}

	r.finishReclaim(ctx, now, res)
	if res.Scanned > 0 {
		r.lg.Info("Reclaim pass",
			zap.Int("scanned", res.Scanned),
			zap.Int("reclaimed", res.Reclaimed),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}

func (r *Reaper) finishReclaim(ctx context.Context, now time.Time, res Result) {
	r.metrics.reclaimed.Add(ctx, int64(res.Reclaimed))
	r.metrics.failures.Add(ctx, int64(res.Failed))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Reclaimed += int64(res.Reclaimed)
	r.stats.ReclaimFailures += int64(res.Failed)
	r.stats.LastReclaimAt = now
}

// Purge deletes released reservations older than the retention window.
func (r *Reaper) Purge(ctx context.Context) (int, error) {
	now := r.now()
	n, err := r.store.PurgeTerminalOlderThan(ctx, now.Add(-r.cfg.Retention))
	if err != nil {
		return 0, errors.Wrap(err, "purge")
	}
	r.metrics.purged.Add(ctx, int64(n))

	r.mu.Lock()
	r.stats.Purged += int64(n)
	r.stats.LastPurgeAt = now
	r.mu.Unlock()

	r.lg.Info("Purge pass", zap.Int("purged", n), zap.Duration("retention", r.cfg.Retention))
	return n, nil
}

// Stats returns a snapshot of the counters.
func (r *Reaper) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Run drives Reclaim and Purge on independent tickers until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	reclaim := time.NewTicker(r.cfg.ReclaimInterval)
	defer reclaim.Stop()
	purge := time.NewTicker(r.cfg.PurgeInterval)
	defer purge.Stop()

	r.lg.Info("Reaper started",
		zap.Duration("reclaim_interval", r.cfg.ReclaimInterval),
		zap.Duration("purge_interval", r.cfg.PurgeInterval),
	)
	for {
		select {
		case <-ctx.Done():
			r.lg.Info("Reaper stopped")
			return nil
		case <-reclaim.C:
			if _, err := r.Reclaim(ctx); err != nil && ctx.Err() == nil {
				r.lg.Error("Reclaim pass failed", zap.Error(err))
			}
		case <-purge.C:
			if _, err := r.Purge(ctx); err != nil && ctx.Err() == nil {
				r.lg.Error("Purge pass failed", zap.Error(err))
			}
		}
	}
}

// Fresh reports an error when no reclaim pass completed within maxAge.
// Used as a liveness check.
func (r *Reaper) Fresh(maxAge time.Duration) func(context.Context) error {
	started := r.now()
	return func(context.Context) error {
		last := r.Stats().LastReclaimAt
		if last.IsZero() {
			last = started
		}
		if age := r.now().Sub(last); age > maxAge {
			return errors.Errorf("last reclaim pass %s ago", age.Round(time.Second))
		}
		return nil
	}
}
