package discount

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func capAt(v string) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(v))
}

func TestComputeItemDiscount(t *testing.T) {
	openWindow := Window{Start: now.Add(-time.Hour), End: now.Add(time.Hour)}

	tests := []struct {
		name       string
		in         ItemInput
		rules      []Rule
		wantAmount decimal.Decimal
		wantRule   int64
	}{
		{
			name: "fixed beats percentage",
			in:   ItemInput{VariantID: "v1", UnitPrice: d("20"), Quantity: 2},
			rules: []Rule{
				{ID: 1, TargetVariantID: "v1", Kind: RulePercentage, Value: d("10"), MinQuantity: 2, Window: openWindow},
				{ID: 2, TargetVariantID: "v1", Kind: RuleFixed, Value: d("2.5"), Window: openWindow},
			},
			wantAmount: d("5"),
			wantRule:   2,
		},
		{
			name:       "no rules",
			in:         ItemInput{VariantID: "v1", UnitPrice: d("20"), Quantity: 2},
			wantAmount: decimal.Zero,
		},
		{
			name: "other variant ignored",
			in:   ItemInput{VariantID: "v1", UnitPrice: d("20"), Quantity: 2},
			rules: []Rule{
				{ID: 1, TargetVariantID: "v2", Kind: RuleFixed, Value: d("1"), Window: openWindow},
			},
			wantAmount: decimal.Zero,
		},
		{
			name: "min quantity not met",
			in:   ItemInput{VariantID: "v1", UnitPrice: d("20"), Quantity: 1},
			rules: []Rule{
				{ID: 1, TargetVariantID: "v1", Kind: RulePercentage, Value: d("10"), MinQuantity: 2, Window: openWindow},
			},
			wantAmount: decimal.Zero,
		},
		{
			name: "window not started",
			in:   ItemInput{VariantID: "v1", UnitPrice: d("20"), Quantity: 1},
			rules: []Rule{
				{ID: 1, TargetVariantID: "v1", Kind: RuleFixed, Value: d("1"), Window: Window{Start: now.Add(time.Minute)}},
			},
			wantAmount: decimal.Zero,
		},
		{
			name: "window ended",
			in:   ItemInput{VariantID: "v1", UnitPrice: d("20"), Quantity: 1},
			rules: []Rule{
				{ID: 1, TargetVariantID: "v1", Kind: RuleFixed, Value: d("1"), Window: Window{End: now.Add(-time.Second)}},
			},
			wantAmount: decimal.Zero,
		},
		{
			name: "window bounds are inclusive",
			in:   ItemInput{VariantID: "v1", UnitPrice: d("20"), Quantity: 1},
			rules: []Rule{
				{ID: 1, TargetVariantID: "v1", Kind: RuleFixed, Value: d("1"), Window: Window{Start: now, End: now}},
			},
			wantAmount: d("1"),
			wantRule:   1,
		},
		{
			name: "min order amount checked against line",
			in:   ItemInput{VariantID: "v1", UnitPrice: d("20"), Quantity: 2},
			rules: []Rule{
				{ID: 1, TargetVariantID: "v1", Kind: RuleFixed, Value: d("1"), MinOrderAmount: d("50"), Window: openWindow},
			},
			wantAmount: decimal.Zero,
		},
		{
			name: "min order amount checked against caller amount",
			in: ItemInput{
				VariantID:   "v1",
				UnitPrice:   d("20"),
				Quantity:    2,
				OrderAmount: decimal.NewNullDecimal(d("100")),
			},
			rules: []Rule{
				{ID: 1, TargetVariantID: "v1", Kind: RuleFixed, Value: d("1"), MinOrderAmount: d("50"), Window: openWindow},
			},
			wantAmount: d("2"),
			wantRule:   1,
		},
		{
			name: "percentage rounds half up per line",
			in:   ItemInput{VariantID: "v1", UnitPrice: d("0.15"), Quantity: 1},
			rules: []Rule{
				{ID: 1, TargetVariantID: "v1", Kind: RulePercentage, Value: d("10"), Window: openWindow},
			},
			wantAmount: d("0.02"),
			wantRule:   1,
		},
		{
			name: "max discount caps",
			in:   ItemInput{VariantID: "v1", UnitPrice: d("100"), Quantity: 3},
			rules: []Rule{
				{ID: 1, TargetVariantID: "v1", Kind: RulePercentage, Value: d("50"), MaxDiscountAmount: capAt("40"), Window: openWindow},
			},
			wantAmount: d("40"),
			wantRule:   1,
		},
		{
			name: "fixed never exceeds line amount",
			in:   ItemInput{VariantID: "v1", UnitPrice: d("3"), Quantity: 2},
			rules: []Rule{
				{ID: 1, TargetVariantID: "v1", Kind: RuleFixed, Value: d("5"), Window: openWindow},
			},
			wantAmount: d("6"),
			wantRule:   1,
		},
		{
			name: "tie goes to lowest id",
			in:   ItemInput{VariantID: "v1", UnitPrice: d("10"), Quantity: 2},
			rules: []Rule{
				{ID: 9, TargetVariantID: "v1", Kind: RuleFixed, Value: d("1"), Window: openWindow},
				{ID: 4, TargetVariantID: "v1", Kind: RulePercentage, Value: d("10"), Window: openWindow},
				{ID: 7, TargetVariantID: "v1", Kind: RuleFixed, Value: d("1"), Window: openWindow},
			},
			wantAmount: d("2"),
			wantRule:   4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeItemDiscount(now, tt.in, tt.rules)

			assert.True(t, tt.wantAmount.Equal(got.Amount), "amount: want %s, got %s", tt.wantAmount, got.Amount)
			if tt.wantRule == 0 {
				assert.Nil(t, got.Rule)
				return
			}
			require.NotNil(t, got.Rule)
			assert.Equal(t, tt.wantRule, got.Rule.ID)
		})
	}
}

func TestComputeItemDiscount_Deterministic(t *testing.T) {
	rules := []Rule{
		{ID: 3, TargetVariantID: "v1", Kind: RuleFixed, Value: d("2")},
		{ID: 1, TargetVariantID: "v1", Kind: RulePercentage, Value: d("20")},
		{ID: 2, TargetVariantID: "v1", Kind: RuleFixed, Value: d("2")},
	}
	in := ItemInput{VariantID: "v1", UnitPrice: d("10"), Quantity: 2}

	first := ComputeItemDiscount(now, in, rules)
	for range 10 {
		got := ComputeItemDiscount(now, in, rules)
		assert.True(t, first.Amount.Equal(got.Amount))
		assert.Equal(t, first.Rule.ID, got.Rule.ID)
	}
	assert.Equal(t, int64(1), first.Rule.ID)
}

func TestComputeVoucherDiscount(t *testing.T) {
	tests := []struct {
		name  string
		v     *Voucher
		order decimal.Decimal
		want  decimal.Decimal
	}{
		{"percentage", &Voucher{Kind: VoucherPercentage, Value: d("15")}, d("200"), d("30")},
		{"percentage rounds half up", &Voucher{Kind: VoucherPercentage, Value: d("10")}, d("0.25"), d("0.03")},
		{"fixed", &Voucher{Kind: VoucherFixedAmount, Value: d("50")}, d("200"), d("50")},
		{"fixed capped at order", &Voucher{Kind: VoucherFixedAmount, Value: d("50")}, d("20"), d("20")},
		{"zero order", &Voucher{Kind: VoucherFixedAmount, Value: d("50")}, decimal.Zero, decimal.Zero},
		{"nil voucher", nil, d("20"), decimal.Zero},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeVoucherDiscount(tt.v, tt.order)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}
