// Package ledger implements the resource ledger: per-resource capacity
// counters (stock units of a variant, usage slots of a voucher) and the
// reservations that hold them.
package ledger

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// Kind distinguishes stock ledgers from voucher ledgers.
type Kind string

const (
	KindStock   Kind = "stock"
	KindVoucher Kind = "voucher"
)

const (
	stockPrefix   = "stock:"
	voucherPrefix = "voucher:"
)

// StockResource returns the ledger resource ID of a product variant.
func StockResource(variantID string) string {
	return stockPrefix + variantID
}

// VoucherResource returns the ledger resource ID of a voucher code.
// Codes are case-insensitive.
func VoucherResource(code string) string {
	return voucherPrefix + strings.ToUpper(strings.TrimSpace(code))
}

// VoucherCode extracts the voucher code from a voucher resource ID.
func VoucherCode(resourceID string) (string, bool) {
	return strings.CutPrefix(resourceID, voucherPrefix)
}

// KindOf infers the ledger kind from a resource ID.
func KindOf(resourceID string) Kind {
	if strings.HasPrefix(resourceID, voucherPrefix) {
		return KindVoucher
	}
	return KindStock
}

// Ledger holds the capacity counters of one resource.
type Ledger struct {
	ResourceID    string
	Kind          Kind
	TotalCapacity int
	Consumed      int
	Held          int
	// Version is bumped on every successful mutation and guards
	// compare-and-swap writes.
	Version   int64
	UpdatedAt time.Time
}

// Available returns TotalCapacity - Consumed - Held, floored at zero.
func (l Ledger) Available() int {
	if a := l.TotalCapacity - l.Consumed - l.Held; a > 0 {
		return a
	}
	return 0
}

// HasUsageLeft reports whether at least one more unit can be held.
func (l Ledger) HasUsageLeft() bool {
	return l.Consumed+l.Held < l.TotalCapacity
}

// Check verifies the counter invariants.
func (l Ledger) Check() error {
	switch {
	case l.Held < 0:
		return errors.Errorf("ledger %s: held %d is negative", l.ResourceID, l.Held)
	case l.Consumed < 0:
		return errors.Errorf("ledger %s: consumed %d is negative", l.ResourceID, l.Consumed)
	case l.Consumed+l.Held > l.TotalCapacity:
		return errors.Errorf("ledger %s: consumed %d + held %d exceeds capacity %d",
			l.ResourceID, l.Consumed, l.Held, l.TotalCapacity)
	}
	return nil
}

// NewLedger returns an empty ledger with the given capacity.
func NewLedger(resourceID string, capacity int, now time.Time) Ledger {
	return Ledger{
		ResourceID:    resourceID,
		Kind:          KindOf(resourceID),
		TotalCapacity: capacity,
		UpdatedAt:     now,
	}
}

// State is the lifecycle state of a reservation.
type State string

const (
	StateReserved  State = "RESERVED"
	StateConfirmed State = "CONFIRMED"
	StateReleased  State = "RELEASED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateReleased
}

// ReleaseReason records why a reservation was released.
type ReleaseReason string

const (
	ReleaseCancelled ReleaseReason = "cancelled"
	ReleaseExpired   ReleaseReason = "expired"
	ReleaseRollback  ReleaseReason = "rollback"
	// ReleaseSuperseded marks holds dropped because the order was priced again.
	ReleaseSuperseded ReleaseReason = "superseded"
)

// Reservation is a single hold against a ledger.
type Reservation struct {
	ID           string
	ResourceID   string
	Kind         Kind
	OwnerOrderID string
	// OwnerUserID is set on voucher holds and drives the one-use-per-user guard.
	OwnerUserID string
	// AttemptID groups the holds taken by one pricing of the order.
	AttemptID  string
	Quantity   int
	State      State
	ReservedAt time.Time
	// ExpiresAt is zero for permanent holds, which the reaper never reclaims.
	ExpiresAt     time.Time
	ReleasedAt    time.Time
	ConfirmedAt   time.Time
	ReleaseReason ReleaseReason
}

// Permanent reports whether the hold has no expiry.
func (r Reservation) Permanent() bool {
	return r.ExpiresAt.IsZero()
}

// Expired reports whether the hold's expiry is at or before now.
func (r Reservation) Expired(now time.Time) bool {
	return !r.Permanent() && !now.Before(r.ExpiresAt)
}

// Active reports whether the reservation still holds capacity at now.
func (r Reservation) Active(now time.Time) bool {
	return r.State == StateReserved && !r.Expired(now)
}

// HoldRequest describes a hold attempt.
type HoldRequest struct {
	ResourceID   string
	Quantity     int
	OwnerOrderID string
	OwnerUserID  string
	AttemptID    string
	// TTL of the hold. Zero or negative creates a permanent hold.
	TTL time.Duration
}

// NewReservation stamps a RESERVED reservation for req at now.
func NewReservation(id string, req HoldRequest, now time.Time) Reservation {
	r := Reservation{
		ID:           id,
		ResourceID:   req.ResourceID,
		Kind:         KindOf(req.ResourceID),
		OwnerOrderID: req.OwnerOrderID,
		OwnerUserID:  req.OwnerUserID,
		AttemptID:    req.AttemptID,
		Quantity:     req.Quantity,
		State:        StateReserved,
		ReservedAt:   now,
	}
	if req.TTL > 0 {
		r.ExpiresAt = now.Add(req.TTL)
	}
	return r
}

// Redemption records that a user consumed a voucher on an order.
type Redemption struct {
	UserID  string
	Code    string
	OrderID string
	UsedAt  time.Time
}
