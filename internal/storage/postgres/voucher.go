package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/checkout-engine/internal/domain/discount"
	"github.com/xenking/checkout-engine/internal/domain/ledger"
)

var _ discount.VoucherRepository = (*VoucherRepository)(nil)

// VoucherRepository stores voucher definitions. Usage counters live in the
// voucher's ledger row, which Upsert keeps in step with UsageLimit.
type VoucherRepository struct {
	pool    *pgxpool.Pool
	ledgers *LedgerStore
}

// NewVoucherRepository returns a VoucherRepository that uses the given pool.
func NewVoucherRepository(pool *pgxpool.Pool) *VoucherRepository {
	return &VoucherRepository{pool: pool, ledgers: NewLedgerStore(pool)}
}

// FindByCode returns the voucher, including soft-deleted ones, or
// discount.ErrVoucherNotFound.
func (r *VoucherRepository) FindByCode(ctx context.Context, code string) (*discount.Voucher, error) {
	const query = `
SELECT code, kind, value, min_order_amount, usage_limit, valid_from, valid_until, description, deleted_at
FROM vouchers
WHERE code = $1`

	var (
		v         discount.Voucher
		kind      string
		deletedAt *time.Time
	)
	err := connFrom(ctx, r.pool).QueryRow(ctx, query, discount.NormalizeCode(code)).Scan(
		&v.Code, &kind, &v.Value, &v.MinOrderAmount, &v.UsageLimit, &v.ValidFrom, &v.ValidUntil, &v.Description, &deletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrVoucherNotFound
		}
		return nil, errors.Wrapf(err, "find voucher %q", code)
	}
	v.Kind = discount.VoucherKind(kind)
	v.DeletedAt = derefTime(deletedAt)
	return &v, nil
}

// Upsert validates and stores v together with its usage ledger.
func (r *VoucherRepository) Upsert(ctx context.Context, v discount.Voucher) error {
	if err := v.CheckDefinition(); err != nil {
		return err
	}
	v.Code = discount.NormalizeCode(v.Code)

	return withTx(ctx, r.pool, func(ctx context.Context) error {
		const query = `
INSERT INTO vouchers (code, kind, value, min_order_amount, usage_limit, valid_from, valid_until, description, deleted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)
ON CONFLICT (code) DO UPDATE
SET kind = EXCLUDED.kind,
    value = EXCLUDED.value,
    min_order_amount = EXCLUDED.min_order_amount,
    usage_limit = EXCLUDED.usage_limit,
    valid_from = EXCLUDED.valid_from,
    valid_until = EXCLUDED.valid_until,
    description = EXCLUDED.description,
    deleted_at = NULL`

		_, err := connFrom(ctx, r.pool).Exec(ctx, query,
			v.Code, string(v.Kind), v.Value, v.MinOrderAmount, v.UsageLimit, v.ValidFrom, v.ValidUntil, v.Description,
		)
		if err != nil {
			return errors.Wrapf(err, "upsert voucher %q", v.Code)
		}
		return r.ledgers.PutLedger(ctx, ledger.NewLedger(ledger.VoucherResource(v.Code), v.UsageLimit, time.Now().UTC()))
	})
}

// Delete soft-deletes a voucher. Existing holds and redemptions are kept.
func (r *VoucherRepository) Delete(ctx context.Context, code string, at time.Time) error {
	const query = `UPDATE vouchers SET deleted_at = $2 WHERE code = $1 AND deleted_at IS NULL`

	tag, err := connFrom(ctx, r.pool).Exec(ctx, query, discount.NormalizeCode(code), at)
	if err != nil {
		return errors.Wrapf(err, "delete voucher %q", code)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrVoucherNotFound
	}
	return nil
}

// ListCodes returns the codes of every live voucher. Used to seed the
// discount.CodeIndex at startup.
func (r *VoucherRepository) ListCodes(ctx context.Context) ([]string, error) {
	const query = `SELECT code FROM vouchers WHERE deleted_at IS NULL ORDER BY code`

	rows, err := connFrom(ctx, r.pool).Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list voucher codes")
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "scan voucher codes")
	}
	return codes, nil
}
