package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/checkout-engine/internal/domain/discount"
)

var _ discount.RuleSource = (*RuleRepository)(nil)

// RuleRepository reads promotion rules together with their campaign window.
type RuleRepository struct {
	pool *pgxpool.Pool
}

// NewRuleRepository returns a RuleRepository that uses the given pool.
func NewRuleRepository(pool *pgxpool.Pool) *RuleRepository {
	return &RuleRepository{pool: pool}
}

// RulesForVariants returns the live rules targeting any of variantIDs. Rules
// of deleted campaigns are skipped; window filtering is left to the caller.
func (r *RuleRepository) RulesForVariants(ctx context.Context, variantIDs []string) ([]discount.Rule, error) {
	const query = `
SELECT r.id, r.campaign_id, r.target_variant_id, r.kind, r.value, r.min_quantity,
       r.min_order_amount, r.max_discount_amount, c.starts_at, c.ends_at
FROM promotion_rules r
JOIN campaigns c ON c.id = r.campaign_id
WHERE r.target_variant_id = ANY($1)
  AND r.deleted_at IS NULL
  AND c.deleted_at IS NULL
ORDER BY r.id`

	rows, err := connFrom(ctx, r.pool).Query(ctx, query, variantIDs)
	if err != nil {
		return nil, errors.Wrap(err, "query rules")
	}
	defer rows.Close()

	var out []discount.Rule
	for rows.Next() {
		var (
			rule       discount.Rule
			kind       string
			start, end *time.Time
		)
		err := rows.Scan(&rule.ID, &rule.CampaignID, &rule.TargetVariantID, &kind, &rule.Value, &rule.MinQuantity,
			&rule.MinOrderAmount, &rule.MaxDiscountAmount, &start, &end)
		if err != nil {
			return nil, errors.Wrap(err, "scan rule")
		}
		rule.Kind = discount.RuleKind(kind)
		rule.Window = discount.Window{Start: derefTime(start), End: derefTime(end)}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// Campaign groups rules under one active window.
type Campaign struct {
	ID     int64
	Name   string
	Window discount.Window
}

// CreateCampaign inserts a campaign and its rules in one transaction and
// returns the campaign ID. Rule IDs are assigned by the database.
func (r *RuleRepository) CreateCampaign(ctx context.Context, c Campaign, rules []discount.Rule) (int64, error) {
	var id int64
	err := withTx(ctx, r.pool, func(ctx context.Context) error {
		const insertCampaign = `
INSERT INTO campaigns (name, starts_at, ends_at)
VALUES ($1, $2, $3)
RETURNING id`

		q := connFrom(ctx, r.pool)
		if err := q.QueryRow(ctx, insertCampaign, c.Name, nullTime(c.Window.Start), nullTime(c.Window.End)).Scan(&id); err != nil {
			return errors.Wrap(err, "insert campaign")
		}

		const insertRule = `
INSERT INTO promotion_rules (campaign_id, target_variant_id, kind, value, min_quantity, min_order_amount, max_discount_amount)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

		for _, rule := range rules {
			_, err := q.Exec(ctx, insertRule, id, rule.TargetVariantID, string(rule.Kind), rule.Value,
				rule.MinQuantity, rule.MinOrderAmount, rule.MaxDiscountAmount)
			if err != nil {
				return errors.Wrapf(err, "insert rule for %q", rule.TargetVariantID)
			}
		}
		return nil
	})
	return id, err
}
