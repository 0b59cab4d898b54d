// Package memory implements ledger.Store in process memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xenking/checkout-engine/internal/domain/failure"
	"github.com/xenking/checkout-engine/internal/domain/ledger"
)

type redemptionKey struct {
	userID string
	code   string
}

type holdKey struct {
	userID     string
	resourceID string
}

// Store is an in-memory ledger.Store. Each write method is one critical
// section, so a ledger update and its reservation change are always applied
// together.
type Store struct {
	mu           sync.RWMutex
	ledgers      map[string]ledger.Ledger
	reservations map[string]ledger.Reservation
	redemptions  map[redemptionKey]ledger.Redemption
	// activeVoucherHolds indexes RESERVED voucher holds by owner.
	activeVoucherHolds map[holdKey]string
}

var _ ledger.Store = (*Store)(nil)

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		ledgers:            make(map[string]ledger.Ledger),
		reservations:       make(map[string]ledger.Reservation),
		redemptions:        make(map[redemptionKey]ledger.Redemption),
		activeVoucherHolds: make(map[holdKey]string),
	}
}

// PutLedger creates or replaces a ledger. Used for seeding and by inventory
// adjustments outside the engine.
func (s *Store) PutLedger(l ledger.Ledger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l.Kind == "" {
		l.Kind = ledger.KindOf(l.ResourceID)
	}
	s.ledgers[l.ResourceID] = l
}

// PutRedemption records a historical redemption.
func (s *Store) PutRedemption(red ledger.Redemption) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.redemptions[redemptionKey{userID: red.UserID, code: red.Code}] = red
}

func (s *Store) GetLedger(_ context.Context, resourceID string) (ledger.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.ledgers[resourceID]
	if !ok {
		return ledger.Ledger{}, failure.NotFound(resourceID, "ledger not found")
	}
	return l, nil
}

func (s *Store) ApplyHold(_ context.Context, expectedVersion int64, next ledger.Ledger, r ledger.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.ledgers[next.ResourceID]
	if !ok {
		return failure.NotFound(next.ResourceID, "ledger not found")
	}
	if cur.Version != expectedVersion {
		return ledger.ErrVersionConflict
	}
	if err := next.Check(); err != nil {
		return err
	}

	if code, isVoucher := ledger.VoucherCode(r.ResourceID); isVoucher && r.OwnerUserID != "" {
		if _, used := s.redemptions[redemptionKey{userID: r.OwnerUserID, code: code}]; used {
			return failure.VoucherInvalid(code, failure.VoucherAlreadyUsedByUser, "You have already used this voucher")
		}
		k := holdKey{userID: r.OwnerUserID, resourceID: r.ResourceID}
		if _, held := s.activeVoucherHolds[k]; held {
			return failure.VoucherInvalid(code, failure.VoucherAlreadyUsedByUser, "You have already used this voucher")
		}
		s.activeVoucherHolds[k] = r.ID
	}

	s.ledgers[next.ResourceID] = next
	s.reservations[r.ID] = r
	return nil
}

func (s *Store) GetReservation(_ context.Context, id string) (ledger.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return ledger.Reservation{}, ledger.ErrReservationNotFound
	}
	return r, nil
}

func (s *Store) ApplyTransition(_ context.Context, expectedVersion int64, next ledger.Ledger, r ledger.Reservation, red *ledger.Redemption) error {
	b := ledger.TransitionBatch{
		Ledgers:      []ledger.LedgerWrite{{ExpectedVersion: expectedVersion, Next: next}},
		Reservations: []ledger.Reservation{r},
	}
	if red != nil {
		b.Redemptions = []ledger.Redemption{*red}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(b)
}

func (s *Store) ApplyTransitions(_ context.Context, b ledger.TransitionBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(b)
}

// applyLocked validates the whole batch before writing any of it.
func (s *Store) applyLocked(b ledger.TransitionBatch) error {
	for _, r := range b.Reservations {
		stored, ok := s.reservations[r.ID]
		if !ok {
			return ledger.ErrReservationNotFound
		}
		if stored.State != ledger.StateReserved {
			return ledger.ErrVersionConflict
		}
	}
	for _, w := range b.Ledgers {
		cur, ok := s.ledgers[w.Next.ResourceID]
		if !ok {
			return failure.NotFound(w.Next.ResourceID, "ledger not found")
		}
		if cur.Version != w.ExpectedVersion {
			return ledger.ErrVersionConflict
		}
		if err := w.Next.Check(); err != nil {
			return err
		}
	}

	for _, w := range b.Ledgers {
		s.ledgers[w.Next.ResourceID] = w.Next
	}
	for _, r := range b.Reservations {
		s.reservations[r.ID] = r
		if r.State != ledger.StateReserved && r.OwnerUserID != "" {
			delete(s.activeVoucherHolds, holdKey{userID: r.OwnerUserID, resourceID: r.ResourceID})
		}
	}
	for _, red := range b.Redemptions {
		s.redemptions[redemptionKey{userID: red.UserID, code: red.Code}] = red
	}
	return nil
}

func (s *Store) FindActiveByOwner(_ context.Context, orderID string, now time.Time) ([]ledger.Reservation, error) {
	return s.filter(func(r ledger.Reservation) bool {
		return r.OwnerOrderID == orderID && r.Active(now)
	}), nil
}

func (s *Store) FindByOwner(_ context.Context, orderID string) ([]ledger.Reservation, error) {
	return s.filter(func(r ledger.Reservation) bool {
		return r.OwnerOrderID == orderID
	}), nil
}

func (s *Store) FindByResource(_ context.Context, resourceID string) ([]ledger.Reservation, error) {
	return s.filter(func(r ledger.Reservation) bool {
		return r.ResourceID == resourceID
	}), nil
}

func (s *Store) FindExpired(_ context.Context, before time.Time, limit int) ([]ledger.Reservation, error) {
	out := s.filter(func(r ledger.Reservation) bool {
		return r.State == ledger.StateReserved && !r.Permanent() && r.ExpiresAt.Before(before)
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PurgeTerminalOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.reservations {
		if r.State == ledger.StateReleased && r.ReleasedAt.Before(cutoff) {
			delete(s.reservations, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) HasRedemption(_ context.Context, userID, code string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.redemptions[redemptionKey{userID: userID, code: code}]
	return ok, nil
}

// filter returns matching reservations ordered by ReservedAt, then ID.
func (s *Store) filter(match func(ledger.Reservation) bool) []ledger.Reservation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Reservation
	for _, r := range s.reservations {
		if match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReservedAt.Equal(out[j].ReservedAt) {
			return out[i].ReservedAt.Before(out[j].ReservedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
