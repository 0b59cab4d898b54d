package discount

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/checkout-engine/internal/domain/failure"
	"github.com/xenking/checkout-engine/internal/domain/ledger"
)

// ErrVoucherNotFound is returned by VoucherRepository for unknown codes.
var ErrVoucherNotFound = errors.New("voucher not found")

// VoucherRepository looks voucher definitions up by code.
type VoucherRepository interface {
	FindByCode(ctx context.Context, code string) (*Voucher, error)
}

// RuleSource supplies the promotions currently defined for a set of variants.
type RuleSource interface {
	RulesForVariants(ctx context.Context, variantIDs []string) ([]Rule, error)
}

// UsageReader reads voucher usage counters and redemption history.
type UsageReader interface {
	GetLedger(ctx context.Context, resourceID string) (ledger.Ledger, error)
	HasRedemption(ctx context.Context, userID, code string) (bool, error)
}

// VoucherValidator resolves a voucher code and applies ValidateVoucher.
type VoucherValidator struct {
	vouchers VoucherRepository
	usage    UsageReader
	index    *CodeIndex
	now      func() time.Time
}

// ValidatorOption configures a VoucherValidator.
type ValidatorOption func(*VoucherValidator)

// WithCodeIndex short-circuits codes the index has never seen.
func WithCodeIndex(idx *CodeIndex) ValidatorOption {
	return func(v *VoucherValidator) { v.index = idx }
}

// WithValidatorClock overrides the time source.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *VoucherValidator) { v.now = now }
}

// NewVoucherValidator creates a VoucherValidator.
func NewVoucherValidator(vouchers VoucherRepository, usage UsageReader, opts ...ValidatorOption) *VoucherValidator {
	v := &VoucherValidator{
		vouchers: vouchers,
		usage:    usage,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks code for userID against orderAmount and returns the
// voucher when it can be applied.
func (v *VoucherValidator) Validate(ctx context.Context, code, userID string, orderAmount decimal.Decimal) (*Voucher, error) {
	code = NormalizeCode(code)
	check := VoucherCheck{Code: code, OrderAmount: orderAmount}
	now := v.now()

	if v.index != nil && !v.index.MayContain(code) {
		return nil, ValidateVoucher(now, check)
	}

	voucher, err := v.vouchers.FindByCode(ctx, code)
	switch {
	case errors.Is(err, ErrVoucherNotFound):
		return nil, ValidateVoucher(now, check)
	case err != nil:
		return nil, errors.Wrap(err, "lookup voucher")
	}
	check.Voucher = voucher

	usage, err := v.usage.GetLedger(ctx, ledger.VoucherResource(code))
	switch {
	case failure.KindOf(err) == failure.KindNotFound:
		check.Voucher = nil
		return nil, ValidateVoucher(now, check)
	case err != nil:
		return nil, errors.Wrap(err, "get voucher usage")
	}
	check.Usage = usage

	if userID != "" {
		redeemed, err := v.usage.HasRedemption(ctx, userID, code)
		if err != nil {
			return nil, errors.Wrap(err, "check redemption")
		}
		check.AlreadyRedeemed = redeemed
	}

	if err := ValidateVoucher(now, check); err != nil {
		return nil, err
	}
	return voucher, nil
}

// CodeSource lists every voucher code currently defined.
type CodeSource interface {
	ListCodes(ctx context.Context) ([]string, error)
}

// CodeIndex is a bloom filter over known voucher codes. A negative answer is
// definite for the codes loaded at the last rebuild, a positive one needs a
// repository lookup. Codes created elsewhere become visible on the next
// Refresh.
type CodeIndex struct {
	mu      sync.RWMutex
	filter  *bloom.BloomFilter
	minSize uint
	fpRate  float64
}

// NewCodeIndex sizes an index for at least n codes at the given false
// positive rate.
func NewCodeIndex(n uint, fpRate float64) *CodeIndex {
	if n == 0 {
		n = 1
	}
	return &CodeIndex{filter: bloom.NewWithEstimates(n, fpRate), minSize: n, fpRate: fpRate}
}

// Add records codes in the index.
func (i *CodeIndex) Add(codes ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, c := range codes {
		i.filter.AddString(NormalizeCode(c))
	}
}

// Rebuild replaces the index content with codes. Codes no longer listed are
// dropped.
func (i *CodeIndex) Rebuild(codes []string) {
	f := bloom.NewWithEstimates(max(i.minSize, uint(len(codes))*2), i.fpRate)
	for _, c := range codes {
		f.AddString(NormalizeCode(c))
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.filter = f
}

// Refresh rebuilds the index from src and returns the number of codes loaded.
// On error the previous content is kept.
func (i *CodeIndex) Refresh(ctx context.Context, src CodeSource) (int, error) {
	codes, err := src.ListCodes(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list voucher codes")
	}
	i.Rebuild(codes)
	return len(codes), nil
}

// Run refreshes the index from src every interval until ctx is done.
func (i *CodeIndex) Run(ctx context.Context, src CodeSource, interval time.Duration, lg *zap.Logger) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := i.Refresh(ctx, src)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				lg.Warn("Voucher index refresh failed, keeping previous", zap.Error(err))
				continue
			}
			lg.Debug("Voucher index refreshed", zap.Int("codes", n))
		}
	}
}

// MayContain reports whether code might be known.
func (i *CodeIndex) MayContain(code string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.filter.TestString(NormalizeCode(code))
}
