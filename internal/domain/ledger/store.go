package ledger

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrVersionConflict is returned by Store writes when the ledger version (or
// the reservation state) changed since it was read. Service retries on it.
var ErrVersionConflict = errors.New("ledger version conflict")

// ErrReservationNotFound is returned by Store.GetReservation for unknown IDs.
var ErrReservationNotFound = errors.New("reservation not found")

// Store persists ledgers, reservations and redemptions.
//
// ApplyHold, ApplyTransition and ApplyTransitions are single atomic write
// units: the ledger rows and the reservation rows change together or not at
// all.
type Store interface {
	// GetLedger returns the ledger of resourceID, or a failure.KindNotFound error.
	GetLedger(ctx context.Context, resourceID string) (Ledger, error)

	// ApplyHold writes next if the stored version equals expectedVersion and
	// inserts r. Voucher holds are refused with a VoucherInvalid failure when
	// the owner already holds or redeemed the same voucher.
	ApplyHold(ctx context.Context, expectedVersion int64, next Ledger, r Reservation) error

	// GetReservation returns the reservation or ErrReservationNotFound.
	GetReservation(ctx context.Context, id string) (Reservation, error)

	// ApplyTransition writes next if the stored version equals
	// expectedVersion and the stored reservation is still RESERVED, then
	// replaces the reservation with r. A non-nil redemption is inserted in the
	// same unit.
	ApplyTransition(ctx context.Context, expectedVersion int64, next Ledger, r Reservation, red *Redemption) error

	// ApplyTransitions applies every write of b or none of them. It fails with
	// ErrVersionConflict if any ledger version moved or any reservation is no
	// longer RESERVED.
	ApplyTransitions(ctx context.Context, b TransitionBatch) error

	// FindActiveByOwner returns RESERVED, unexpired reservations of an order.
	FindActiveByOwner(ctx context.Context, orderID string, now time.Time) ([]Reservation, error)
	// FindByOwner returns every reservation of an order regardless of state.
	FindByOwner(ctx context.Context, orderID string) ([]Reservation, error)
	// FindByResource returns every reservation held against a ledger.
	FindByResource(ctx context.Context, resourceID string) ([]Reservation, error)
	// FindExpired returns RESERVED reservations with ExpiresAt before the
	// given instant, oldest first. Permanent holds are never returned.
	// A limit <= 0 means no limit.
	FindExpired(ctx context.Context, before time.Time, limit int) ([]Reservation, error)
	// PurgeTerminalOlderThan deletes RELEASED reservations released before
	// cutoff. RESERVED and CONFIRMED records are never deleted.
	PurgeTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// HasRedemption reports whether userID already redeemed the voucher code.
	HasRedemption(ctx context.Context, userID, code string) (bool, error)
}

// LedgerWrite is a version-guarded ledger update.
type LedgerWrite struct {
	ExpectedVersion int64
	Next            Ledger
}

// TransitionBatch moves several RESERVED reservations, possibly spread over
// several ledgers, in one write unit. A ledger appears at most once.
type TransitionBatch struct {
	Ledgers      []LedgerWrite
	Reservations []Reservation
	Redemptions  []Redemption
}

// EventType names a reservation lifecycle event.
type EventType string

const (
	EventHeld      EventType = "reservation.held"
	EventCommitted EventType = "reservation.committed"
	EventReleased  EventType = "reservation.released"
)

// Event is emitted after a reservation write has been applied.
type Event struct {
	Type        EventType
	Reservation Reservation
	Ledger      Ledger
	At          time.Time
}

// Publisher receives lifecycle events. Publishing is best effort: it runs
// after the atomic write and its errors never fail the operation.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
