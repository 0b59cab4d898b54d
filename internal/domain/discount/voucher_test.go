package discount

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/checkout-engine/internal/domain/failure"
	"github.com/xenking/checkout-engine/internal/domain/ledger"
)

func activeVoucher() *Voucher {
	return &Voucher{
		Code:           "SAVE10",
		Kind:           VoucherPercentage,
		Value:          d("10"),
		MinOrderAmount: d("100"),
		UsageLimit:     5,
		ValidFrom:      now.Add(-24 * time.Hour),
		ValidUntil:     now.Add(24 * time.Hour),
	}
}

func usage(capacity, consumed, held int) ledger.Ledger {
	return ledger.Ledger{
		ResourceID:    ledger.VoucherResource("SAVE10"),
		Kind:          ledger.KindVoucher,
		TotalCapacity: capacity,
		Consumed:      consumed,
		Held:          held,
	}
}

func TestValidateVoucher(t *testing.T) {
	deleted := activeVoucher()
	deleted.DeletedAt = now.Add(-time.Hour)

	expired := activeVoucher()
	expired.ValidUntil = now.Add(-time.Second)

	notStarted := activeVoucher()
	notStarted.ValidFrom = now.Add(time.Second)

	tests := []struct {
		name       string
		check      VoucherCheck
		wantReason failure.VoucherReason
		wantMsg    string
	}{
		{
			name:       "unknown code",
			check:      VoucherCheck{Code: "NOPE", OrderAmount: d("500")},
			wantReason: failure.VoucherNotFound,
			wantMsg:    "Voucher not found or expired",
		},
		{
			name:       "deleted",
			check:      VoucherCheck{Voucher: deleted, Usage: usage(5, 0, 0), OrderAmount: d("500")},
			wantReason: failure.VoucherNotFound,
		},
		{
			name:       "expired",
			check:      VoucherCheck{Voucher: expired, Usage: usage(5, 0, 0), OrderAmount: d("500")},
			wantReason: failure.VoucherExpired,
			wantMsg:    "Voucher has expired",
		},
		{
			name:       "not started",
			check:      VoucherCheck{Voucher: notStarted, Usage: usage(5, 0, 0), OrderAmount: d("500")},
			wantReason: failure.VoucherExpired,
		},
		{
			name:       "usage exhausted by holds",
			check:      VoucherCheck{Voucher: activeVoucher(), Usage: usage(5, 3, 2), OrderAmount: d("500")},
			wantReason: failure.VoucherUsageLimitReached,
			wantMsg:    "Voucher usage limit exceeded",
		},
		{
			name: "already used",
			check: VoucherCheck{
				Voucher:         activeVoucher(),
				Usage:           usage(5, 1, 0),
				AlreadyRedeemed: true,
				OrderAmount:     d("500"),
			},
			wantReason: failure.VoucherAlreadyUsedByUser,
			wantMsg:    "You have already used this voucher",
		},
		{
			name:       "below minimum",
			check:      VoucherCheck{Voucher: activeVoucher(), Usage: usage(5, 0, 0), OrderAmount: d("99.99")},
			wantReason: failure.VoucherBelowMinimumAmount,
			wantMsg:    "Order amount must be at least $100.00",
		},
		{
			name: "expiry is reported before usage",
			check: VoucherCheck{
				Voucher:         expired,
				Usage:           usage(5, 5, 0),
				AlreadyRedeemed: true,
				OrderAmount:     d("1"),
			},
			wantReason: failure.VoucherExpired,
		},
		{
			name:  "valid at exact minimum",
			check: VoucherCheck{Voucher: activeVoucher(), Usage: usage(5, 4, 0), OrderAmount: d("100")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVoucher(now, tt.check)
			if tt.wantReason == "" {
				require.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, failure.ErrVoucherInvalid)
			var fe *failure.Error
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.wantReason, fe.Reason)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, fe.Detail)
			}
		})
	}
}

func TestVoucher_CheckDefinition(t *testing.T) {
	mutate := func(fn func(v *Voucher)) *Voucher {
		v := activeVoucher()
		fn(v)
		return v
	}

	tests := []struct {
		name    string
		v       *Voucher
		wantErr bool
	}{
		{"valid percentage", activeVoucher(), false},
		{"valid fixed", mutate(func(v *Voucher) { v.Kind = VoucherFixedAmount; v.Value = d("25") }), false},
		{"empty code", mutate(func(v *Voucher) { v.Code = "  " }), true},
		{"window inverted", mutate(func(v *Voucher) { v.ValidUntil = v.ValidFrom }), true},
		{"zero usage limit", mutate(func(v *Voucher) { v.UsageLimit = 0 }), true},
		{"percentage over 100", mutate(func(v *Voucher) { v.Value = d("101") }), true},
		{"percentage under 1", mutate(func(v *Voucher) { v.Value = d("0.5") }), true},
		{"fixed zero", mutate(func(v *Voucher) { v.Kind = VoucherFixedAmount; v.Value = decimal.Zero }), true},
		{"unknown kind", mutate(func(v *Voucher) { v.Kind = "BOGO" }), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.v.CheckDefinition()
			if tt.wantErr {
				require.ErrorIs(t, err, failure.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
		})
	}
}

// --- Mock implementations ---

type mockVoucherRepo struct {
	byCode map[string]*Voucher
	err    error
	calls  int
}

func (m *mockVoucherRepo) FindByCode(_ context.Context, code string) (*Voucher, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.byCode[code]
	if !ok {
		return nil, ErrVoucherNotFound
	}
	return v, nil
}

type mockUsage struct {
	ledgers  map[string]ledger.Ledger
	redeemed map[string]bool
}

func (m *mockUsage) GetLedger(_ context.Context, resourceID string) (ledger.Ledger, error) {
	l, ok := m.ledgers[resourceID]
	if !ok {
		return ledger.Ledger{}, failure.NotFound(resourceID, "ledger not found")
	}
	return l, nil
}

func (m *mockUsage) HasRedemption(_ context.Context, userID, code string) (bool, error) {
	return m.redeemed[userID+"/"+code], nil
}

func newValidator(repo *mockVoucherRepo, u *mockUsage, opts ...ValidatorOption) *VoucherValidator {
	opts = append([]ValidatorOption{WithValidatorClock(func() time.Time { return now })}, opts...)
	return NewVoucherValidator(repo, u, opts...)
}

func TestVoucherValidator_Validate(t *testing.T) {
	repo := &mockVoucherRepo{byCode: map[string]*Voucher{"SAVE10": activeVoucher()}}
	u := &mockUsage{
		ledgers:  map[string]ledger.Ledger{ledger.VoucherResource("SAVE10"): usage(5, 0, 0)},
		redeemed: map[string]bool{"u2/SAVE10": true},
	}
	v := newValidator(repo, u)
	ctx := context.Background()

	got, err := v.Validate(ctx, " save10 ", "u1", d("150"))
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", got.Code)

	_, err = v.Validate(ctx, "SAVE10", "u2", d("150"))
	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, failure.VoucherAlreadyUsedByUser, fe.Reason)

	_, err = v.Validate(ctx, "UNKNOWN", "u1", d("150"))
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, failure.VoucherNotFound, fe.Reason)
	assert.Equal(t, "UNKNOWN", fe.ResourceID)
}

func TestVoucherValidator_MissingLedgerIsNotFound(t *testing.T) {
	repo := &mockVoucherRepo{byCode: map[string]*Voucher{"SAVE10": activeVoucher()}}
	v := newValidator(repo, &mockUsage{})

	_, err := v.Validate(context.Background(), "SAVE10", "u1", d("150"))
	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, failure.VoucherNotFound, fe.Reason)
}

func TestVoucherValidator_RepositoryError(t *testing.T) {
	repo := &mockVoucherRepo{err: errors.New("connection refused")}
	v := newValidator(repo, &mockUsage{})

	_, err := v.Validate(context.Background(), "SAVE10", "u1", d("150"))
	require.Error(t, err)
	assert.Empty(t, failure.KindOf(err))
}

func TestVoucherValidator_CodeIndexShortCircuits(t *testing.T) {
	idx := NewCodeIndex(100, 0.001)
	idx.Add("save10")

	repo := &mockVoucherRepo{byCode: map[string]*Voucher{"SAVE10": activeVoucher()}}
	u := &mockUsage{ledgers: map[string]ledger.Ledger{ledger.VoucherResource("SAVE10"): usage(5, 0, 0)}}
	v := newValidator(repo, u, WithCodeIndex(idx))
	ctx := context.Background()

	_, err := v.Validate(ctx, "SAVE10", "u1", d("150"))
	require.NoError(t, err)
	assert.Equal(t, 1, repo.calls)

	_, err = v.Validate(ctx, "DEFINITELY-NOT-A-CODE", "u1", d("150"))
	require.ErrorIs(t, err, failure.ErrVoucherInvalid)
	assert.Equal(t, 1, repo.calls)
}

type codeList struct {
	mu    sync.Mutex
	codes []string
	err   error
}

func (c *codeList) ListCodes(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.codes), c.err
}

func (c *codeList) add(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes = append(c.codes, code)
}

func TestCodeIndex_RefreshPicksUpNewCodes(t *testing.T) {
	ctx := context.Background()
	src := &codeList{codes: []string{"OLD"}}
	idx := NewCodeIndex(16, 0.001)
	n, err := idx.Refresh(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	newTen := activeVoucher()
	newTen.Code = "NEW10"
	repo := &mockVoucherRepo{byCode: map[string]*Voucher{"NEW10": newTen}}
	u := &mockUsage{ledgers: map[string]ledger.Ledger{ledger.VoucherResource("NEW10"): usage(5, 0, 0)}}
	v := newValidator(repo, u, WithCodeIndex(idx))

	// Created after the index was built.
	src.add("new10")
	_, err = idx.Refresh(ctx, src)
	require.NoError(t, err)

	got, err := v.Validate(ctx, "NEW10", "u1", d("150"))
	require.NoError(t, err)
	assert.Equal(t, "NEW10", got.Code)
	assert.True(t, idx.MayContain("old"))
}

func TestCodeIndex_RefreshErrorKeepsContent(t *testing.T) {
	ctx := context.Background()
	src := &codeList{codes: []string{"SAVE10"}}
	idx := NewCodeIndex(16, 0.001)
	_, err := idx.Refresh(ctx, src)
	require.NoError(t, err)

	src.err = errors.New("connection refused")
	_, err = idx.Refresh(ctx, src)
	require.Error(t, err)
	assert.True(t, idx.MayContain("SAVE10"))
}

func TestCodeIndex_RunRebuildsPeriodically(t *testing.T) {
	src := &codeList{}
	idx := NewCodeIndex(16, 0.001)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- idx.Run(ctx, src, 5*time.Millisecond, zap.NewNop()) }()

	src.add("LATE")
	require.Eventually(t, func() bool { return idx.MayContain("LATE") }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
