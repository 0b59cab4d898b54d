// Package failure defines the single tagged error type shared by the ledger,
// discount and checkout packages.
//
// Callers dispatch on Kind (errors.Is against the Err* sentinels) and read the
// structured fields through errors.As.
package failure

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

// Kind enumerates the failure categories of the engine.
type Kind string

const (
	// KindInsufficientCapacity means a hold would exceed the available units.
	KindInsufficientCapacity Kind = "insufficient_capacity"
	// KindConcurrencyExhausted means optimistic retries ran out under contention.
	KindConcurrencyExhausted Kind = "concurrency_exhausted"
	// KindVoucherInvalid means the voucher was rejected; Reason says why.
	KindVoucherInvalid Kind = "voucher_invalid"
	// KindReservationExpired means the hold lapsed (or was reclaimed) before confirm.
	KindReservationExpired Kind = "reservation_expired"
	// KindReservationNotActive means the reservation is unknown or already terminal.
	KindReservationNotActive Kind = "reservation_not_active"
	// KindInvalidInput means the request itself is malformed.
	KindInvalidInput Kind = "invalid_input"
	// KindNotFound means a referenced resource does not exist.
	KindNotFound Kind = "not_found"
)

// VoucherReason is the reason attached to a KindVoucherInvalid failure.
type VoucherReason string

const (
	VoucherNotFound           VoucherReason = "NotFound"
	VoucherExpired            VoucherReason = "Expired"
	VoucherUsageLimitReached  VoucherReason = "UsageLimitReached"
	VoucherAlreadyUsedByUser  VoucherReason = "AlreadyUsedByUser"
	VoucherBelowMinimumAmount VoucherReason = "BelowMinimumOrderAmount"
)

// Error is the structured failure returned by engine operations.
type Error struct {
	Kind          Kind
	ResourceID    string
	ReservationID string
	Reason        VoucherReason
	Detail        string
}

// Sentinels for errors.Is dispatch. Only Kind is compared.
var (
	ErrInsufficientCapacity = &Error{Kind: KindInsufficientCapacity}
	ErrConcurrencyExhausted = &Error{Kind: KindConcurrencyExhausted}
	ErrVoucherInvalid       = &Error{Kind: KindVoucherInvalid}
	ErrReservationExpired   = &Error{Kind: KindReservationExpired}
	ErrReservationNotActive = &Error{Kind: KindReservationNotActive}
	ErrInvalidInput         = &Error{Kind: KindInvalidInput}
	ErrNotFound             = &Error{Kind: KindNotFound}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.ResourceID != "" {
		fmt.Fprintf(&b, " resource=%s", e.ResourceID)
	}
	if e.ReservationID != "" {
		fmt.Fprintf(&b, " reservation=%s", e.ReservationID)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " reason=%s", e.Reason)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind carried by err, or "" when err is not a failure.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// InsufficientCapacity builds a KindInsufficientCapacity failure.
func InsufficientCapacity(resourceID string, requested, available int) *Error {
	return &Error{
		Kind:       KindInsufficientCapacity,
		ResourceID: resourceID,
		Detail:     fmt.Sprintf("requested %d, available %d", requested, available),
	}
}

// ConcurrencyExhausted builds a KindConcurrencyExhausted failure.
func ConcurrencyExhausted(resourceID string, attempts int) *Error {
	return &Error{
		Kind:       KindConcurrencyExhausted,
		ResourceID: resourceID,
		Detail:     fmt.Sprintf("version conflict after %d attempts", attempts),
	}
}

// VoucherInvalid builds a KindVoucherInvalid failure with a user-facing message.
func VoucherInvalid(code string, reason VoucherReason, msg string) *Error {
	return &Error{
		Kind:       KindVoucherInvalid,
		ResourceID: code,
		Reason:     reason,
		Detail:     msg,
	}
}

// ReservationExpired builds a KindReservationExpired failure.
func ReservationExpired(reservationID, detail string) *Error {
	return &Error{Kind: KindReservationExpired, ReservationID: reservationID, Detail: detail}
}

// ReservationNotActive builds a KindReservationNotActive failure.
func ReservationNotActive(reservationID, detail string) *Error {
	return &Error{Kind: KindReservationNotActive, ReservationID: reservationID, Detail: detail}
}

// InvalidInput builds a KindInvalidInput failure.
func InvalidInput(detail string) *Error {
	return &Error{Kind: KindInvalidInput, Detail: detail}
}

// NotFound builds a KindNotFound failure for the given resource.
func NotFound(resourceID, detail string) *Error {
	return &Error{Kind: KindNotFound, ResourceID: resourceID, Detail: detail}
}
