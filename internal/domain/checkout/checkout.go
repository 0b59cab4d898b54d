// Package checkout prices an order draft against live capacity: it holds
// stock and voucher slots, applies discounts and later confirms or cancels
// the holds.
package checkout

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/checkout-engine/internal/domain/ledger"
)

// Stage is the pricing state of one checkout attempt.
type Stage string

const (
	StageStart          Stage = "START"
	StageHoldingStock   Stage = "HOLDING_STOCK"
	StageHoldingVoucher Stage = "HOLDING_VOUCHER"
	StagePriced         Stage = "PRICED"
	StageConfirmed      Stage = "CONFIRMED"
	StageReleased       Stage = "RELEASED"
)

// Item is a requested order line.
type Item struct {
	VariantID string
	Quantity  int
}

// Draft is the input of Price.
type Draft struct {
	// OrderID is owned by the caller. A fresh one is generated when empty.
	OrderID        string
	UserID         string
	Items          []Item
	VoucherCode    string
	ShippingMethod string
}

// Line is a priced order line.
type Line struct {
	VariantID string
	Quantity  int
	UnitPrice decimal.Decimal
	Subtotal  decimal.Decimal
	Discount  decimal.Decimal
	// AppliedRuleID is zero when no promotion applied.
	AppliedRuleID int64
	ReservationID string
}

// Total returns Subtotal - Discount.
func (l Line) Total() decimal.Decimal {
	return l.Subtotal.Sub(l.Discount)
}

// PricedOrder is the result of a successful Price. Its holds stay active
// until Confirm, Cancel or expiry.
type PricedOrder struct {
	OrderID         string
	Stage           Stage
	Lines           []Line
	Subtotal        decimal.Decimal
	ItemDiscount    decimal.Decimal
	VoucherCode     string
	VoucherDiscount decimal.Decimal
	ShippingMethod  string
	ShippingFee     decimal.Decimal
	TaxAmount       decimal.Decimal
	FinalAmount     decimal.Decimal
	Reservations    []ledger.Reservation
	ExpiresAt       time.Time
}

// Shipping methods.
const (
	ShippingStandard = "STANDARD"
	ShippingExpress  = "EXPRESS"
)

// FeeSchedule prices shipping and tax.
type FeeSchedule struct {
	Standard decimal.Decimal
	Express  decimal.Decimal
	// FreeShippingThreshold waives shipping when the discounted subtotal
	// reaches it. Disabled when not valid.
	FreeShippingThreshold decimal.NullDecimal
	// TaxRate is a fraction, e.g. 0.1 for 10%.
	TaxRate decimal.Decimal
}

// DefaultFees returns the standard schedule: 30000 standard, 50000 express,
// free shipping from 500000 and no tax.
func DefaultFees() FeeSchedule {
	return FeeSchedule{
		Standard:              decimal.NewFromInt(30000),
		Express:               decimal.NewFromInt(50000),
		FreeShippingThreshold: decimal.NewNullDecimal(decimal.NewFromInt(500000)),
		TaxRate:               decimal.Zero,
	}
}

// Shipping returns the fee for method on an order worth amount. Unknown
// methods are charged as standard.
func (f FeeSchedule) Shipping(method string, amount decimal.Decimal) decimal.Decimal {
	if f.FreeShippingThreshold.Valid && amount.GreaterThanOrEqual(f.FreeShippingThreshold.Decimal) {
		return decimal.Zero
	}
	if strings.EqualFold(method, ShippingExpress) {
		return f.Express
	}
	return f.Standard
}

// Tax returns base * TaxRate rounded to 2 places, never negative.
func (f FeeSchedule) Tax(base decimal.Decimal) decimal.Decimal {
	if !base.IsPositive() || f.TaxRate.IsZero() {
		return decimal.Zero
	}
	return base.Mul(f.TaxRate).Round(2)
}
