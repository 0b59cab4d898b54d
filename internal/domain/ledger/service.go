package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/checkout-engine/internal/domain/failure"
)

const (
	defaultMaxAttempts    = 4
	defaultInitialBackoff = 10 * time.Millisecond
	defaultMaxBackoff     = 200 * time.Millisecond
)

// errNoop short-circuits a transition that has nothing to write.
var errNoop = errors.New("no-op transition")

// Service exposes the atomic hold, commit and release operations over a Store.
// Every mutation is a version-guarded compare-and-swap retried with jittered
// exponential backoff.
type Service struct {
	store       Store
	lg          *zap.Logger
	now         func() time.Time
	newID       func() string
	publisher   Publisher
	maxAttempts int
	initialWait time.Duration
	maxWait     time.Duration

	ops metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxAttempts bounds the CAS attempts of a single operation.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoff sets the initial and maximum wait between CAS attempts.
func WithBackoff(initial, max time.Duration) Option {
	return func(s *Service) {
		if initial > 0 {
			s.initialWait = initial
		}
		if max > 0 {
			s.maxWait = max
		}
	}
}

// WithPublisher attaches a lifecycle event publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMeter records operation outcomes on the given meter.
func WithMeter(m metric.Meter) Option {
	return func(s *Service) {
		if m == nil {
			return
		}
		if c, err := m.Int64Counter("ledger.operations",
			metric.WithDescription("Ledger operations by type and outcome"),
		); err == nil {
			s.ops = c
		}
	}
}

// WithIDGenerator overrides reservation ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService creates a ledger Service backed by store.
func NewService(store Store, lg *zap.Logger, opts ...Option) *Service {
	ops, _ := noop.NewMeterProvider().Meter("ledger").Int64Counter("ledger.operations")
	s := &Service{
		store:       store,
		lg:          lg,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		maxAttempts: defaultMaxAttempts,
		initialWait: defaultInitialBackoff,
		maxWait:     defaultMaxBackoff,
		ops:         ops,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hold reserves req.Quantity units of req.ResourceID. It never oversells:
// the capacity check and the increment are one CAS step. A failed Hold has
// no side effect.
func (s *Service) Hold(ctx context.Context, req HoldRequest) (Reservation, error) {
	if req.Quantity <= 0 {
		return Reservation{}, failure.InvalidInput("quantity must be greater than 0")
	}
	if req.ResourceID == "" {
		return Reservation{}, failure.InvalidInput("resource id is required")
	}

	var (
		held Reservation
		cur  Ledger
	)
	err := s.retry(ctx, req.ResourceID, func() error {
		l, err := s.store.GetLedger(ctx, req.ResourceID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if avail := l.Available(); avail < req.Quantity {
			return backoff.Permanent(failure.InsufficientCapacity(req.ResourceID, req.Quantity, avail))
		}

		now := s.now()
		r := NewReservation(s.newID(), req, now)
		next := l
		next.Held += req.Quantity
		next.Version = l.Version + 1
		next.UpdatedAt = now

		if err := s.store.ApplyHold(ctx, l.Version, next, r); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		held, cur = r, next
		return nil
	})
	s.record(ctx, "hold", err)
	if err != nil {
		return Reservation{}, err
	}

	s.lg.Debug("Hold applied",
		zap.String("resource_id", held.ResourceID),
		zap.String("reservation_id", held.ID),
		zap.String("order_id", held.OwnerOrderID),
		zap.Int("quantity", held.Quantity),
		zap.Int("available", cur.Available()),
	)
	s.publish(ctx, EventHeld, held, cur)
	return held, nil
}

// Commit moves a RESERVED, unexpired reservation to CONFIRMED and converts its
// held units into consumed units. Committing a CONFIRMED reservation is a
// no-op; committing one the reaper released reports ReservationExpired.
// Voucher reservations also record the owner's redemption.
func (s *Service) Commit(ctx context.Context, reservationID string) error {
	r, l, err := s.transition(ctx, reservationID, commitOne)
	s.record(ctx, "commit", err)
	if errors.Is(err, errNoop) {
		return nil
	}
	if err != nil {
		return err
	}
	s.publish(ctx, EventCommitted, r, l)
	return nil
}

// CommitAll commits every reservation in ids as one write unit: either all of
// them end CONFIRMED or none changes. Reservations already CONFIRMED are
// skipped. Any other reservation that cannot be committed fails the whole
// call with the same error Commit would report for it.
func (s *Service) CommitAll(ctx context.Context, ids []string) error {
	type applied struct {
		r Reservation
		l Ledger
	}
	var done []applied

	err := s.retry(ctx, strings.Join(ids, ","), func() error {
		done = done[:0]
		now := s.now()

		ledgers := make(map[string]Ledger)
		versions := make(map[string]int64)
		var b TransitionBatch
		for _, id := range ids {
			r, err := s.store.GetReservation(ctx, id)
			if err != nil {
				if errors.Is(err, ErrReservationNotFound) {
					return backoff.Permanent(failure.ReservationNotActive(id, "reservation not found"))
				}
				return backoff.Permanent(err)
			}
			l, ok := ledgers[r.ResourceID]
			if !ok {
				if l, err = s.store.GetLedger(ctx, r.ResourceID); err != nil {
					return backoff.Permanent(err)
				}
				versions[r.ResourceID] = l.Version
			}

			next, nr, red, err := commitOne(now, l, r)
			if errors.Is(err, errNoop) {
				continue
			}
			if err != nil {
				return backoff.Permanent(err)
			}
			ledgers[r.ResourceID] = next
			b.Reservations = append(b.Reservations, nr)
			if red != nil {
				b.Redemptions = append(b.Redemptions, *red)
			}
		}
		if len(b.Reservations) == 0 {
			return nil
		}

		for id, l := range ledgers {
			l.Version = versions[id] + 1
			l.UpdatedAt = now
			ledgers[id] = l
			b.Ledgers = append(b.Ledgers, LedgerWrite{ExpectedVersion: versions[id], Next: l})
		}
		if err := s.store.ApplyTransitions(ctx, b); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		for _, r := range b.Reservations {
			done = append(done, applied{r: r, l: ledgers[r.ResourceID]})
		}
		return nil
	})
	s.record(ctx, "commit_all", err)
	if err != nil {
		return err
	}
	for _, a := range done {
		s.publish(ctx, EventCommitted, a.r, a.l)
	}
	return nil
}

func commitOne(now time.Time, l Ledger, r Reservation) (Ledger, Reservation, *Redemption, error) {
	switch {
	case r.State == StateConfirmed:
		return l, r, nil, errNoop
	case r.State == StateReleased && r.ReleaseReason == ReleaseExpired:
		return l, r, nil, failure.ReservationExpired(r.ID, "reservation was reclaimed after expiry")
	case r.State != StateReserved:
		return l, r, nil, failure.ReservationNotActive(r.ID, "reservation is "+string(r.State))
	case r.Expired(now):
		return l, r, nil, failure.ReservationExpired(r.ID, "hold expired at "+r.ExpiresAt.Format(time.RFC3339))
	}
	if l.Held < r.Quantity {
		return l, r, nil, errors.Errorf("ledger %s holds %d, reservation %s needs %d", l.ResourceID, l.Held, r.ID, r.Quantity)
	}

	l.Held -= r.Quantity
	l.Consumed += r.Quantity
	r.State = StateConfirmed
	r.ConfirmedAt = now

	var red *Redemption
	if code, ok := VoucherCode(r.ResourceID); ok && r.OwnerUserID != "" {
		red = &Redemption{UserID: r.OwnerUserID, Code: code, OrderID: r.OwnerOrderID, UsedAt: now}
	}
	return l, r, red, nil
}

// Release returns a RESERVED reservation's units to the ledger, expired or
// not. It reports whether this call made the transition: releasing an
// unknown or terminal reservation is a no-op that returns false.
func (s *Service) Release(ctx context.Context, reservationID string, reason ReleaseReason) (bool, error) {
	r, l, err := s.transition(ctx, reservationID, func(now time.Time, l Ledger, r Reservation) (Ledger, Reservation, *Redemption, error) {
		if r.State != StateReserved {
			return l, r, nil, errNoop
		}
		if l.Held < r.Quantity {
			return l, r, nil, errors.Errorf("ledger %s holds %d, reservation %s needs %d", l.ResourceID, l.Held, r.ID, r.Quantity)
		}
		l.Held -= r.Quantity
		r.State = StateReleased
		r.ReleasedAt = now
		r.ReleaseReason = reason
		return l, r, nil, nil
	})
	s.record(ctx, "release", err)
	if errors.Is(err, errNoop) || failure.KindOf(err) == failure.KindReservationNotActive {
		s.lg.Debug("Release skipped: reservation not active", zap.String("reservation_id", reservationID))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.publish(ctx, EventReleased, r, l)
	return true, nil
}

// MakePermanent clears the expiry of an active reservation so the reaper never
// reclaims it. The hold then ends only by Commit or Release.
func (s *Service) MakePermanent(ctx context.Context, reservationID string) error {
	_, _, err := s.transition(ctx, reservationID, func(now time.Time, l Ledger, r Reservation) (Ledger, Reservation, *Redemption, error) {
		switch {
		case r.State != StateReserved:
			return l, r, nil, failure.ReservationNotActive(r.ID, "reservation is "+string(r.State))
		case r.Expired(now):
			return l, r, nil, failure.ReservationExpired(r.ID, "hold expired at "+r.ExpiresAt.Format(time.RFC3339))
		case r.Permanent():
			return l, r, nil, errNoop
		}
		r.ExpiresAt = time.Time{}
		return l, r, nil, nil
	})
	s.record(ctx, "extend", err)
	if errors.Is(err, errNoop) {
		return nil
	}
	return err
}

// Available returns the units of resourceID not consumed or held. The value
// is advisory: only Hold re-validates it atomically.
func (s *Service) Available(ctx context.Context, resourceID string) (int, error) {
	l, err := s.store.GetLedger(ctx, resourceID)
	if err != nil {
		return 0, err
	}
	return l.Available(), nil
}

type transitionFunc func(now time.Time, l Ledger, r Reservation) (Ledger, Reservation, *Redemption, error)

// transition reads a reservation and its ledger, applies fn and writes the
// result with a CAS, retrying on conflicts.
func (s *Service) transition(ctx context.Context, reservationID string, fn transitionFunc) (Reservation, Ledger, error) {
	var (
		outR Reservation
		outL Ledger
	)
	err := s.retry(ctx, reservationID, func() error {
		r, err := s.store.GetReservation(ctx, reservationID)
		if err != nil {
			if errors.Is(err, ErrReservationNotFound) {
				return backoff.Permanent(failure.ReservationNotActive(reservationID, "reservation not found"))
			}
			return backoff.Permanent(err)
		}
		l, err := s.store.GetLedger(ctx, r.ResourceID)
		if err != nil {
			return backoff.Permanent(err)
		}

		now := s.now()
		next, nr, red, err := fn(now, l, r)
		if err != nil {
			return backoff.Permanent(err)
		}
		next.Version = l.Version + 1
		next.UpdatedAt = now

		if err := s.store.ApplyTransition(ctx, l.Version, next, nr, red); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		outR, outL = nr, next
		return nil
	})
	return outR, outL, err
}

// retry runs op until it succeeds, fails permanently or the attempt budget is
// spent. An exhausted budget is reported as ConcurrencyExhausted.
func (s *Service) retry(ctx context.Context, key string, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.initialWait
	eb.MaxInterval = s.maxWait
	eb.RandomizationFactor = 0.5
	eb.MaxElapsedTime = 0

	attempts := 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.maxAttempts-1)), ctx)
	err := backoff.Retry(func() error {
		attempts++
		return op()
	}, b)
	if errors.Is(err, ErrVersionConflict) {
		s.lg.Warn("CAS retries exhausted", zap.String("key", key), zap.Int("attempts", attempts))
		return failure.ConcurrencyExhausted(key, attempts)
	}
	return err
}

func (s *Service) publish(ctx context.Context, typ EventType, r Reservation, l Ledger) {
	if s.publisher == nil {
		return
	}
	ev := Event{Type: typ, Reservation: r, Ledger: l, At: s.now()}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.lg.Warn("Publish reservation event",
			zap.String("type", string(typ)),
			zap.String("reservation_id", r.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) record(ctx context.Context, op string, err error) {
	outcome := "ok"
	switch {
	case err == nil, errors.Is(err, errNoop):
	case failure.KindOf(err) != "":
		outcome = string(failure.KindOf(err))
	default:
		outcome = "error"
	}
	s.ops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}
