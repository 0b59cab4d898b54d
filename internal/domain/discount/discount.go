// Package discount computes promotion and voucher discounts.
//
// Everything here is pure: callers pass the current time and the rule
// snapshot, and nothing is persisted.
package discount

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// RuleKind enumerates promotion discount strategies.
type RuleKind string

const (
	// RulePercentage takes Value percent off the line amount.
	RulePercentage RuleKind = "PERCENTAGE"
	// RuleFixed takes Value off every unit of the line.
	RuleFixed RuleKind = "FIXED"
)

// Window is an active period. Zero bounds are open.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether Start <= t <= End.
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && t.After(w.End) {
		return false
	}
	return true
}

// Rule is a per-item promotion inherited from a campaign.
type Rule struct {
	ID              int64
	CampaignID      int64
	TargetVariantID string
	Kind            RuleKind
	Value           decimal.Decimal
	MinQuantity     int
	MinOrderAmount  decimal.Decimal
	// MaxDiscountAmount caps the line discount when valid.
	MaxDiscountAmount decimal.NullDecimal
	Window            Window
}

// ItemInput is one order line to price.
type ItemInput struct {
	VariantID string
	UnitPrice decimal.Decimal
	Quantity  int
	// OrderAmount replaces the line amount in the MinOrderAmount check when valid.
	OrderAmount decimal.NullDecimal
}

// LineAmount returns UnitPrice * Quantity.
func (in ItemInput) LineAmount() decimal.Decimal {
	return in.UnitPrice.Mul(decimal.NewFromInt(int64(in.Quantity)))
}

// ItemDiscount is the result of ComputeItemDiscount. Rule is nil when no
// promotion applied.
type ItemDiscount struct {
	Amount decimal.Decimal
	Rule   *Rule
}

// ComputeItemDiscount selects the promotion giving the largest discount on
// the line. Ties go to the lowest rule ID, so the result depends only on the
// inputs.
func ComputeItemDiscount(now time.Time, in ItemInput, rules []Rule) ItemDiscount {
	line := in.LineAmount()
	threshold := line
	if in.OrderAmount.Valid {
		threshold = in.OrderAmount.Decimal
	}

	best := ItemDiscount{Amount: decimal.Zero}
	for i := range rules {
		r := &rules[i]
		if !eligible(now, in, threshold, r) {
			continue
		}
		amount := ruleAmount(r, in, line)
		switch {
		case best.Rule == nil,
			amount.GreaterThan(best.Amount),
			amount.Equal(best.Amount) && r.ID < best.Rule.ID:
			best = ItemDiscount{Amount: amount, Rule: r}
		}
	}
	return best
}

func eligible(now time.Time, in ItemInput, threshold decimal.Decimal, r *Rule) bool {
	return r.TargetVariantID == in.VariantID &&
		r.Window.Contains(now) &&
		r.MinQuantity <= in.Quantity &&
		r.MinOrderAmount.LessThanOrEqual(threshold)
}

func ruleAmount(r *Rule, in ItemInput, line decimal.Decimal) decimal.Decimal {
	var amount decimal.Decimal
	switch r.Kind {
	case RulePercentage:
		amount = line.Mul(r.Value).Div(hundred).Round(2)
	case RuleFixed:
		amount = r.Value.Mul(decimal.NewFromInt(int64(in.Quantity)))
	default:
		return decimal.Zero
	}
	if r.MaxDiscountAmount.Valid {
		amount = decimal.Min(amount, r.MaxDiscountAmount.Decimal)
	}
	return floorAtZero(decimal.Min(amount, line))
}

// ComputeVoucherDiscount returns the voucher discount on orderAmount, never
// more than orderAmount itself.
func ComputeVoucherDiscount(v *Voucher, orderAmount decimal.Decimal) decimal.Decimal {
	if v == nil || !orderAmount.IsPositive() {
		return decimal.Zero
	}
	var amount decimal.Decimal
	switch v.Kind {
	case VoucherPercentage:
		amount = orderAmount.Mul(v.Value).Div(hundred).Round(2)
	case VoucherFixedAmount:
		amount = v.Value
	default:
		return decimal.Zero
	}
	return floorAtZero(decimal.Min(amount, orderAmount))
}

func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
