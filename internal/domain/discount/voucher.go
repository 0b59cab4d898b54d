package discount

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/checkout-engine/internal/domain/failure"
	"github.com/xenking/checkout-engine/internal/domain/ledger"
)

// VoucherKind enumerates order-level voucher strategies.
type VoucherKind string

const (
	VoucherPercentage  VoucherKind = "PERCENTAGE"
	VoucherFixedAmount VoucherKind = "FIXED_AMOUNT"
)

// User-facing rejection messages.
const (
	msgVoucherNotFound   = "Voucher not found or expired"
	msgVoucherExpired    = "Voucher has expired"
	msgVoucherExhausted  = "Voucher usage limit exceeded"
	msgVoucherUsedByUser = "You have already used this voucher"
)

// Voucher is an order-level discount definition. Its usage counters live in
// the voucher's ledger.
type Voucher struct {
	Code           string
	Kind           VoucherKind
	Value          decimal.Decimal
	MinOrderAmount decimal.Decimal
	UsageLimit     int
	ValidFrom      time.Time
	ValidUntil     time.Time
	DeletedAt      time.Time
	Description    string
}

// NormalizeCode returns the canonical form of a voucher code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Deleted reports whether the voucher was soft-deleted.
func (v *Voucher) Deleted() bool {
	return !v.DeletedAt.IsZero()
}

// Active reports whether now falls in [ValidFrom, ValidUntil].
func (v *Voucher) Active(now time.Time) bool {
	return !now.Before(v.ValidFrom) && !now.After(v.ValidUntil)
}

// CheckDefinition validates a voucher definition before it is stored.
func (v *Voucher) CheckDefinition() error {
	switch {
	case NormalizeCode(v.Code) == "":
		return failure.InvalidInput("voucher code is required")
	case !v.ValidUntil.After(v.ValidFrom):
		return failure.InvalidInput(fmt.Sprintf("voucher %s: valid until must be after valid from", v.Code))
	case v.UsageLimit <= 0:
		return failure.InvalidInput(fmt.Sprintf("voucher %s: usage limit must be greater than 0", v.Code))
	case v.MinOrderAmount.IsNegative():
		return failure.InvalidInput(fmt.Sprintf("voucher %s: minimum order amount must not be negative", v.Code))
	}
	switch v.Kind {
	case VoucherPercentage:
		if v.Value.LessThan(decimal.NewFromInt(1)) || v.Value.GreaterThan(hundred) {
			return failure.InvalidInput(fmt.Sprintf("voucher %s: percentage must be between 1 and 100", v.Code))
		}
	case VoucherFixedAmount:
		if !v.Value.IsPositive() {
			return failure.InvalidInput(fmt.Sprintf("voucher %s: fixed amount must be greater than 0", v.Code))
		}
	default:
		return failure.InvalidInput(fmt.Sprintf("voucher %s: unknown kind %q", v.Code, v.Kind))
	}
	return nil
}

// VoucherCheck carries everything ValidateVoucher needs. Voucher is nil when
// the code is unknown.
type VoucherCheck struct {
	Code            string
	Voucher         *Voucher
	Usage           ledger.Ledger
	AlreadyRedeemed bool
	OrderAmount     decimal.Decimal
}

// ValidateVoucher applies the voucher checks in order and returns the first
// failure as a failure.KindVoucherInvalid error.
func ValidateVoucher(now time.Time, c VoucherCheck) error {
	v := c.Voucher
	code := c.Code
	if v != nil {
		code = v.Code
	}

	switch {
	case v == nil || v.Deleted():
		return failure.VoucherInvalid(code, failure.VoucherNotFound, msgVoucherNotFound)
	case !v.Active(now):
		return failure.VoucherInvalid(code, failure.VoucherExpired, msgVoucherExpired)
	case !c.Usage.HasUsageLeft():
		return failure.VoucherInvalid(code, failure.VoucherUsageLimitReached, msgVoucherExhausted)
	case c.AlreadyRedeemed:
		return failure.VoucherInvalid(code, failure.VoucherAlreadyUsedByUser, msgVoucherUsedByUser)
	case c.OrderAmount.LessThan(v.MinOrderAmount):
		return failure.VoucherInvalid(code, failure.VoucherBelowMinimumAmount,
			"Order amount must be at least $"+v.MinOrderAmount.StringFixed(2))
	}
	return nil
}
