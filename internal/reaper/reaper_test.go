package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/checkout-engine/internal/domain/failure"
	"github.com/xenking/checkout-engine/internal/domain/ledger"
	"github.com/xenking/checkout-engine/internal/storage/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyReleaser fails for selected reservation IDs and delegates the rest.
type flakyReleaser struct {
	next Releaser
	fail map[string]bool
}

func (f *flakyReleaser) Release(ctx context.Context, id string, reason ledger.ReleaseReason) (bool, error) {
	if f.fail[id] {
		return false, errors.New("boom")
	}
	return f.next.Release(ctx, id, reason)
}

// overlappingReleaser lets a competing pass release each hold first.
type overlappingReleaser struct {
	other Releaser
	next  Releaser
}

func (o *overlappingReleaser) Release(ctx context.Context, id string, reason ledger.ReleaseReason) (bool, error) {
	if _, err := o.other.Release(ctx, id, reason); err != nil {
		return false, err
	}
	return o.next.Release(ctx, id, reason)
}

type fixture struct {
	store  *memory.Store
	ledger *ledger.Service
	clock  *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: t0}
	store := memory.NewStore()
	store.PutLedger(ledger.NewLedger("stock:v1", 100, t0))
	return &fixture{
		store:  store,
		ledger: ledger.NewService(store, zap.NewNop(), ledger.WithClock(c.Now)),
		clock:  c,
	}
}

func (f *fixture) hold(t *testing.T, qty int, ttl time.Duration) ledger.Reservation {
	t.Helper()
	r, err := f.ledger.Hold(context.Background(), ledger.HoldRequest{
		ResourceID:   "stock:v1",
		Quantity:     qty,
		OwnerOrderID: "o1",
		TTL:          ttl,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) held(t *testing.T) int {
	t.Helper()
	l, err := f.store.GetLedger(context.Background(), "stock:v1")
	require.NoError(t, err)
	return l.Held
}

func TestReclaim_ReleasesExpiredOnly(t *testing.T) {
	f := newFixture(t)
	expired := f.hold(t, 3, 15*time.Minute)
	f.hold(t, 2, time.Hour)
	f.hold(t, 1, 0)

	f.clock.Advance(20 * time.Minute)
	rp := New(f.store, f.ledger, zap.NewNop(), WithClock(f.clock.Now))

	res, err := rp.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Reclaimed: 1}, res)
	assert.Equal(t, 3, f.held(t))

	got, err := f.store.GetReservation(context.Background(), expired.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateReleased, got.State)
	assert.Equal(t, ledger.ReleaseExpired, got.ReleaseReason)
	require.ErrorIs(t, f.ledger.Commit(context.Background(), expired.ID), failure.ErrReservationExpired)

	stats := rp.Stats()
	assert.Equal(t, int64(1), stats.Reclaimed)
	assert.Equal(t, f.clock.Now(), stats.LastReclaimAt)
}

func TestReclaim_ExactlyOnceAcrossPasses(t *testing.T) {
	f := newFixture(t)
	for range 10 {
		f.hold(t, 2, time.Minute)
	}
	f.clock.Advance(2 * time.Minute)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		reclaimed int
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rp := New(f.store, ledger.NewService(f.store, zap.NewNop(),
				ledger.WithClock(f.clock.Now),
				ledger.WithMaxAttempts(100),
				ledger.WithBackoff(time.Microsecond, time.Millisecond),
			), zap.NewNop(), WithClock(f.clock.Now))
			res, err := rp.Reclaim(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			reclaimed += res.Reclaimed
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, f.held(t))
	assert.Equal(t, 10, reclaimed)

	rp := New(f.store, f.ledger, zap.NewNop(), WithClock(f.clock.Now))
	res, err := rp.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned)
	assert.Equal(t, 0, f.held(t))
}

func TestReclaim_CountsOnlyOwnTransitions(t *testing.T) {
	f := newFixture(t)
	f.hold(t, 1, time.Minute)
	f.hold(t, 1, time.Minute)
	f.clock.Advance(time.Hour)

	rel := &overlappingReleaser{other: f.ledger, next: f.ledger}
	rp := New(f.store, rel, zap.NewNop(), WithClock(f.clock.Now))

	res, err := rp.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 2, Skipped: 2}, res)
	assert.Equal(t, int64(0), rp.Stats().Reclaimed)
	assert.Equal(t, 0, f.held(t))
}

func TestReclaim_ContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	bad := f.hold(t, 1, time.Minute)
	f.hold(t, 1, time.Minute)
	f.hold(t, 1, time.Minute)
	f.clock.Advance(time.Hour)

	rel := &flakyReleaser{next: f.ledger, fail: map[string]bool{bad.ID: true}}
	rp := New(f.store, rel, zap.NewNop(), WithClock(f.clock.Now))

	res, err := rp.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Reclaimed)
	assert.GreaterOrEqual(t, res.Failed, 1)
	assert.Equal(t, 1, f.held(t))
	assert.Equal(t, int64(res.Failed), rp.Stats().ReclaimFailures)
}

func TestReclaim_Batches(t *testing.T) {
	f := newFixture(t)
	for range 7 {
		f.hold(t, 1, time.Minute)
	}
	f.clock.Advance(time.Hour)

	rp := New(f.store, f.ledger, zap.NewNop(),
		WithClock(f.clock.Now),
		WithConfig(Config{BatchSize: 3}),
	)
	res, err := rp.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, res.Reclaimed)
	assert.Equal(t, 0, f.held(t))
}

func TestPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.hold(t, 1, time.Minute)
	_, err := f.ledger.Release(ctx, old.ID, ledger.ReleaseCancelled)
	require.NoError(t, err)
	f.hold(t, 1, time.Minute)

	f.clock.Advance(8 * 24 * time.Hour)
	recent := f.hold(t, 1, time.Minute)
	_, err = f.ledger.Release(ctx, recent.ID, ledger.ReleaseCancelled)
	require.NoError(t, err)

	rp := New(f.store, f.ledger, zap.NewNop(), WithClock(f.clock.Now))
	n, err := rp.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.GetReservation(ctx, old.ID)
	require.ErrorIs(t, err, ledger.ErrReservationNotFound)
	_, err = f.store.GetReservation(ctx, recent.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(1), rp.Stats().Purged)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.hold(t, 1, time.Second)
	f.clock.Advance(time.Minute)

	rp := New(f.store, f.ledger, zap.NewNop(),
		WithClock(f.clock.Now),
		WithConfig(Config{
			ReclaimInterval: 5 * time.Millisecond,
			PurgeInterval:   time.Hour,
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rp.Run(ctx) }()

	require.Eventually(t, func() bool { return rp.Stats().Reclaimed == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestFresh(t *testing.T) {
	f := newFixture(t)
	rp := New(f.store, f.ledger, zap.NewNop(), WithClock(f.clock.Now))
	check := rp.Fresh(10 * time.Minute)

	require.NoError(t, check(context.Background()))
	f.clock.Advance(11 * time.Minute)
	require.Error(t, check(context.Background()))

	_, err := rp.Reclaim(context.Background())
	require.NoError(t, err)
	require.NoError(t, check(context.Background()))
}
