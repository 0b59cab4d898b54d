package postgres

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/checkout-engine/internal/domain/failure"
	"github.com/xenking/checkout-engine/internal/domain/ledger"
)

const activeVoucherOwnerIndex = "reservations_active_voucher_owner_idx"

const reservationColumns = `id, resource_id, kind, owner_order_id, owner_user_id, attempt_id, quantity, state,
	reserved_at, expires_at, confirmed_at, released_at, release_reason`

var _ ledger.Store = (*LedgerStore)(nil)

// LedgerStore implements ledger.Store. Every write is one transaction: the
// version-guarded ledger update and the reservation change commit together.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore returns a LedgerStore that uses the given pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// PutLedger creates a ledger or resets its capacity. Counters and version of
// an existing ledger are kept.
func (s *LedgerStore) PutLedger(ctx context.Context, l ledger.Ledger) error {
	const query = `
INSERT INTO ledgers (resource_id, kind, total_capacity, consumed, held, version, updated_at)
VALUES ($1, $2, $3, 0, 0, 0, $4)
ON CONFLICT (resource_id) DO UPDATE
SET total_capacity = EXCLUDED.total_capacity,
    version = ledgers.version + 1,
    updated_at = EXCLUDED.updated_at`

	kind := l.Kind
	if kind == "" {
		kind = ledger.KindOf(l.ResourceID)
	}
	if _, err := connFrom(ctx, s.pool).Exec(ctx, query, l.ResourceID, string(kind), l.TotalCapacity, l.UpdatedAt); err != nil {
		if pgCode(err) == codeCheckViolation {
			return failure.InvalidInput("capacity below consumed and held units of " + l.ResourceID)
		}
		return errors.Wrapf(err, "put ledger %s", l.ResourceID)
	}
	return nil
}

func (s *LedgerStore) GetLedger(ctx context.Context, resourceID string) (ledger.Ledger, error) {
	const query = `
SELECT resource_id, kind, total_capacity, consumed, held, version, updated_at
FROM ledgers
WHERE resource_id = $1`

	var (
		l    ledger.Ledger
		kind string
	)
	err := connFrom(ctx, s.pool).QueryRow(ctx, query, resourceID).
		Scan(&l.ResourceID, &kind, &l.TotalCapacity, &l.Consumed, &l.Held, &l.Version, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Ledger{}, failure.NotFound(resourceID, "ledger not found")
		}
		return ledger.Ledger{}, errors.Wrapf(err, "get ledger %s", resourceID)
	}
	l.Kind = ledger.Kind(kind)
	return l, nil
}

func (s *LedgerStore) ApplyHold(ctx context.Context, expectedVersion int64, next ledger.Ledger, r ledger.Reservation) error {
	if err := next.Check(); err != nil {
		return err
	}
	return withTx(ctx, s.pool, func(ctx context.Context) error {
		if err := s.casLedger(ctx, expectedVersion, next); err != nil {
			return err
		}

		if code, isVoucher := ledger.VoucherCode(r.ResourceID); isVoucher && r.OwnerUserID != "" {
			used, err := s.HasRedemption(ctx, r.OwnerUserID, code)
			if err != nil {
				return err
			}
			if used {
				return failure.VoucherInvalid(code, failure.VoucherAlreadyUsedByUser, "You have already used this voucher")
			}
		}

		const query = `
INSERT INTO reservations (` + reservationColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

		_, err := connFrom(ctx, s.pool).Exec(ctx, query,
			r.ID, r.ResourceID, string(r.Kind), r.OwnerOrderID, r.OwnerUserID, r.AttemptID, r.Quantity, string(r.State),
			r.ReservedAt, nullTime(r.ExpiresAt), nullTime(r.ConfirmedAt), nullTime(r.ReleasedAt), string(r.ReleaseReason),
		)
		if err != nil {
			if isUniqueViolation(err, activeVoucherOwnerIndex) {
				code, _ := ledger.VoucherCode(r.ResourceID)
				return failure.VoucherInvalid(code, failure.VoucherAlreadyUsedByUser, "You have already used this voucher")
			}
			return errors.Wrapf(err, "insert reservation %s", r.ID)
		}
		return nil
	})
}

func (s *LedgerStore) GetReservation(ctx context.Context, id string) (ledger.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`

	r, err := scanReservation(connFrom(ctx, s.pool).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Reservation{}, ledger.ErrReservationNotFound
		}
		return ledger.Reservation{}, errors.Wrapf(err, "get reservation %s", id)
	}
	return r, nil
}

func (s *LedgerStore) ApplyTransition(ctx context.Context, expectedVersion int64, next ledger.Ledger, r ledger.Reservation, red *ledger.Redemption) error {
	b := ledger.TransitionBatch{
		Ledgers:      []ledger.LedgerWrite{{ExpectedVersion: expectedVersion, Next: next}},
		Reservations: []ledger.Reservation{r},
	}
	if red != nil {
		b.Redemptions = []ledger.Redemption{*red}
	}
	return s.ApplyTransitions(ctx, b)
}

// ApplyTransitions runs the whole batch in one transaction. Ledger rows are
// locked in resource ID order so concurrent batches cannot deadlock.
func (s *LedgerStore) ApplyTransitions(ctx context.Context, b ledger.TransitionBatch) error {
	writes := slices.Clone(b.Ledgers)
	slices.SortFunc(writes, func(x, y ledger.LedgerWrite) int {
		return strings.Compare(x.Next.ResourceID, y.Next.ResourceID)
	})
	for _, w := range writes {
		if err := w.Next.Check(); err != nil {
			return err
		}
	}

	return withTx(ctx, s.pool, func(ctx context.Context) error {
		for _, w := range writes {
			if err := s.casLedger(ctx, w.ExpectedVersion, w.Next); err != nil {
				return err
			}
		}
		for _, r := range b.Reservations {
			if err := s.updateReserved(ctx, r); err != nil {
				return err
			}
		}

		const insertRedemption = `
INSERT INTO redemptions (user_id, code, order_id, used_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, code) DO NOTHING`

		for _, red := range b.Redemptions {
			if _, err := connFrom(ctx, s.pool).Exec(ctx, insertRedemption, red.UserID, red.Code, red.OrderID, red.UsedAt); err != nil {
				return errors.Wrapf(err, "insert redemption %s/%s", red.UserID, red.Code)
			}
		}
		return nil
	})
}

// updateReserved replaces a reservation that is still RESERVED.
func (s *LedgerStore) updateReserved(ctx context.Context, r ledger.Reservation) error {
	const query = `
UPDATE reservations
SET state = $2, expires_at = $3, confirmed_at = $4, released_at = $5, release_reason = $6
WHERE id = $1 AND state = 'RESERVED'`

	tag, err := connFrom(ctx, s.pool).Exec(ctx, query,
		r.ID, string(r.State), nullTime(r.ExpiresAt), nullTime(r.ConfirmedAt), nullTime(r.ReleasedAt), string(r.ReleaseReason),
	)
	if err != nil {
		return errors.Wrapf(err, "update reservation %s", r.ID)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetReservation(ctx, r.ID); err != nil {
			return err
		}
		return ledger.ErrVersionConflict
	}
	return nil
}

func (s *LedgerStore) FindActiveByOwner(ctx context.Context, orderID string, now time.Time) ([]ledger.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
FROM reservations
WHERE owner_order_id = $1 AND state = 'RESERVED' AND (expires_at IS NULL OR expires_at > $2)
ORDER BY reserved_at, id`

	return s.queryReservations(ctx, "find active by owner", query, orderID, now)
}

func (s *LedgerStore) FindByOwner(ctx context.Context, orderID string) ([]ledger.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
FROM reservations
WHERE owner_order_id = $1
ORDER BY reserved_at, id`

	return s.queryReservations(ctx, "find by owner", query, orderID)
}

func (s *LedgerStore) FindByResource(ctx context.Context, resourceID string) ([]ledger.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
FROM reservations
WHERE resource_id = $1
ORDER BY reserved_at, id`

	return s.queryReservations(ctx, "find by resource", query, resourceID)
}

func (s *LedgerStore) FindExpired(ctx context.Context, before time.Time, limit int) ([]ledger.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
FROM reservations
WHERE state = 'RESERVED' AND expires_at IS NOT NULL AND expires_at < $1
ORDER BY expires_at, id
LIMIT $2`

	// LIMIT NULL is no limit.
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	return s.queryReservations(ctx, "find expired", query, before, lim)
}

func (s *LedgerStore) PurgeTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	const query = `DELETE FROM reservations WHERE state = 'RELEASED' AND released_at < $1`

	tag, err := connFrom(ctx, s.pool).Exec(ctx, query, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "purge released reservations")
	}
	return int(tag.RowsAffected()), nil
}

func (s *LedgerStore) HasRedemption(ctx context.Context, userID, code string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM redemptions WHERE user_id = $1 AND code = $2)`

	var ok bool
	if err := connFrom(ctx, s.pool).QueryRow(ctx, query, userID, code).Scan(&ok); err != nil {
		return false, errors.Wrap(err, "check redemption")
	}
	return ok, nil
}

// casLedger writes the counters of next when the stored version still equals
// expectedVersion. The row lock it takes serializes writers of one ledger
// until the surrounding transaction ends.
func (s *LedgerStore) casLedger(ctx context.Context, expectedVersion int64, next ledger.Ledger) error {
	const query = `
UPDATE ledgers
SET consumed = $3, held = $4, version = $5, updated_at = $6
WHERE resource_id = $1 AND version = $2`

	tag, err := connFrom(ctx, s.pool).Exec(ctx, query,
		next.ResourceID, expectedVersion, next.Consumed, next.Held, next.Version, next.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == codeCheckViolation {
			return errors.Errorf("ledger %s: counter constraint violated", next.ResourceID)
		}
		return errors.Wrapf(err, "update ledger %s", next.ResourceID)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrVersionConflict
	}
	return nil
}

func (s *LedgerStore) queryReservations(ctx context.Context, op, query string, args ...any) ([]ledger.Reservation, error) {
	rows, err := connFrom(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	defer rows.Close()

	var out []ledger.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: scan", op)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, op)
	}
	return out, nil
}

func scanReservation(row pgx.Row) (ledger.Reservation, error) {
	var (
		r                                ledger.Reservation
		kind, state, reason              string
		expiresAt, confirmedAt, released *time.Time
	)
	err := row.Scan(&r.ID, &r.ResourceID, &kind, &r.OwnerOrderID, &r.OwnerUserID, &r.AttemptID, &r.Quantity, &state,
		&r.ReservedAt, &expiresAt, &confirmedAt, &released, &reason)
	if err != nil {
		return ledger.Reservation{}, err
	}
	r.Kind = ledger.Kind(kind)
	r.State = ledger.State(state)
	r.ReleaseReason = ledger.ReleaseReason(reason)
	r.ExpiresAt = derefTime(expiresAt)
	r.ConfirmedAt = derefTime(confirmedAt)
	r.ReleasedAt = derefTime(released)
	return r, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
