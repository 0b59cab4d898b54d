package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passing(context.Context) error { return nil }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func serve(fn http.HandlerFunc) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	fn(w, httptest.NewRequest(http.MethodGet, "/", nil))
	return w
}

func TestLiveEndpoint(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, passing)
	h.AddLivenessCheck("reaper", time.Second, failing("last reclaim pass 20m0s ago"))

	w := serve(h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"goroutines":"ok","reaper":"ok"}}`, w.Body.String())

	for range DefaultFailureThreshold {
		h.liveness[1].run(context.Background())
	}
	w = serve(h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{
		"status": "unhealthy",
		"checks": {"goroutines": "ok", "reaper": "last reclaim pass 20m0s ago"}
	}`, w.Body.String())
}

func TestLiveEndpoint_NoChecks(t *testing.T) {
	w := serve(New().LiveEndpoint)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{}}`, w.Body.String())
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passing)

	w := serve(h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{
		"status": "unhealthy",
		"checks": {"postgres": "ok", "_readiness": "service is not ready"}
	}`, w.Body.String())
	assert.False(t, h.IsReady())

	h.SetReady(true)
	assert.Equal(t, http.StatusOK, serve(h.ReadyEndpoint).Code)
	assert.True(t, h.IsReady())

	h.SetReady(false)
	assert.Equal(t, http.StatusServiceUnavailable, serve(h.ReadyEndpoint).Code)
}

func TestThresholds(t *testing.T) {
	var fail atomic.Bool
	fn := func(context.Context) error {
		if fail.Load() {
			return errors.New("redis: connection refused")
		}
		return nil
	}

	h := New()
	h.AddReadinessCheck("redis", time.Second, fn, WithFailureThreshold(2), WithSuccessThreshold(2))
	h.SetReady(true)
	c := h.readiness[0]
	ctx := context.Background()

	fail.Store(true)
	c.run(ctx)
	assert.True(t, h.IsReady(), "one failure is below threshold")
	c.run(ctx)
	assert.False(t, h.IsReady())

	fail.Store(false)
	c.run(ctx)
	assert.False(t, h.IsReady(), "one success is below threshold")
	c.run(ctx)
	assert.True(t, h.IsReady())
}

func TestThresholds_IgnoreNonPositive(t *testing.T) {
	c := newCheck("x", time.Second, passing, []CheckOption{WithFailureThreshold(0), WithSuccessThreshold(-1)})
	assert.Equal(t, DefaultFailureThreshold, c.failureThreshold)
	assert.Equal(t, DefaultSuccessThreshold, c.successThreshold)
}

func TestCheckTimeout(t *testing.T) {
	h := New()
	h.AddLivenessCheck("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithFailureThreshold(1))

	h.liveness[0].run(context.Background())
	w := serve(h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "deadline exceeded")
}

func TestStartStop(t *testing.T) {
	var calls atomic.Int32
	h := New()
	h.AddLivenessCheck("counter", time.Second, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	h.Start(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	h.Stop()
	h.Stop()

	time.Sleep(20 * time.Millisecond)
	n := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, calls.Load())
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestPingCheck(t *testing.T) {
	require.NoError(t, PingCheck("postgres", pinger{})(context.Background()))

	err := PingCheck("postgres", pinger{err: errors.New("refused")})(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping postgres")
}

func TestGoroutineCountCheck(t *testing.T) {
	require.NoError(t, GoroutineCountCheck(1_000_000)(context.Background()))
	require.Error(t, GoroutineCountCheck(0)(context.Background()))
}
