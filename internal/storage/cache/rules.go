// Package cache caches promotion rule snapshots in Redis.
package cache

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/checkout-engine/internal/domain/discount"
)

const keyRules = "promo:rules:"

// DefaultRulesTTL bounds how stale a cached rule snapshot can get.
const DefaultRulesTTL = time.Minute

// RuleCache is a read-through discount.RuleSource. Rules are cached per
// variant; a Redis failure falls back to the backing source.
type RuleCache struct {
	client *redis.Client
	next   discount.RuleSource
	ttl    time.Duration
	lg     *zap.Logger
}

var _ discount.RuleSource = (*RuleCache)(nil)

// NewRuleCache wraps next with a Redis cache.
func NewRuleCache(client *redis.Client, next discount.RuleSource, ttl time.Duration, lg *zap.Logger) *RuleCache {
	if ttl <= 0 {
		ttl = DefaultRulesTTL
	}
	return &RuleCache{client: client, next: next, ttl: ttl, lg: lg}
}

func rulesKey(variantID string) string {
	return keyRules + variantID
}

// RulesForVariants returns the rules of every variant in ids.
func (c *RuleCache) RulesForVariants(ctx context.Context, ids []string) ([]discount.Rule, error) {
	ids = dedup(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = rulesKey(id)
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.lg.Warn("Rule cache read failed", zap.Error(err))
		return c.next.RulesForVariants(ctx, ids)
	}

	var (
		out    []discount.Rule
		missed []string
	)
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			missed = append(missed, ids[i])
			continue
		}
		rules, err := decodeRules([]byte(s))
		if err != nil {
			c.lg.Warn("Rule cache entry corrupt", zap.String("key", keys[i]), zap.Error(err))
			missed = append(missed, ids[i])
			continue
		}
		out = append(out, rules...)
	}
	if len(missed) == 0 {
		return out, nil
	}

	fresh, err := c.next.RulesForVariants(ctx, missed)
	if err != nil {
		return nil, errors.Wrap(err, "load rules")
	}
	out = append(out, fresh...)
	c.store(ctx, missed, fresh)
	return out, nil
}

// Invalidate drops the cached rules of the given variants.
func (c *RuleCache) Invalidate(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = rulesKey(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}

// store caches fresh rules per variant. Variants without rules are cached as
// empty lists so they do not hit the backing source on every call.
func (c *RuleCache) store(ctx context.Context, ids []string, rules []discount.Rule) {
	byVariant := make(map[string][]discount.Rule, len(ids))
	for _, id := range ids {
		byVariant[id] = nil
	}
	for _, r := range rules {
		byVariant[r.TargetVariantID] = append(byVariant[r.TargetVariantID], r)
	}

	pipe := c.client.Pipeline()
	for id, rs := range byVariant {
		pipe.Set(ctx, rulesKey(id), encodeRules(rs), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.lg.Warn("Rule cache write failed", zap.Error(err))
	}
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func encodeRules(rules []discount.Rule) []byte {
	var e jx.Encoder
	e.ArrStart()
	for _, r := range rules {
		e.ObjStart()
		e.FieldStart("id")
		e.Int64(r.ID)
		e.FieldStart("campaign_id")
		e.Int64(r.CampaignID)
		e.FieldStart("variant_id")
		e.Str(r.TargetVariantID)
		e.FieldStart("kind")
		e.Str(string(r.Kind))
		e.FieldStart("value")
		e.Str(r.Value.String())
		e.FieldStart("min_quantity")
		e.Int(r.MinQuantity)
		e.FieldStart("min_order_amount")
		e.Str(r.MinOrderAmount.String())
		if r.MaxDiscountAmount.Valid {
			e.FieldStart("max_discount_amount")
			e.Str(r.MaxDiscountAmount.Decimal.String())
		}
		if !r.Window.Start.IsZero() {
			e.FieldStart("start")
			e.Str(r.Window.Start.UTC().Format(time.RFC3339Nano))
		}
		if !r.Window.End.IsZero() {
			e.FieldStart("end")
			e.Str(r.Window.End.UTC().Format(time.RFC3339Nano))
		}
		e.ObjEnd()
	}
	e.ArrEnd()
	return e.Bytes()
}

func decodeRules(data []byte) ([]discount.Rule, error) {
	var out []discount.Rule
	err := jx.DecodeBytes(data).Arr(func(d *jx.Decoder) error {
		var r discount.Rule
		if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			return decodeRuleField(d, string(key), &r)
		}); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode rules")
	}
	return out, nil
}

func decodeRuleField(d *jx.Decoder, key string, r *discount.Rule) (err error) {
	switch key {
	case "id":
		r.ID, err = d.Int64()
	case "campaign_id":
		r.CampaignID, err = d.Int64()
	case "variant_id":
		r.TargetVariantID, err = d.Str()
	case "kind":
		var s string
		s, err = d.Str()
		r.Kind = discount.RuleKind(s)
	case "value":
		r.Value, err = decodeDecimal(d)
	case "min_quantity":
		r.MinQuantity, err = d.Int()
	case "min_order_amount":
		r.MinOrderAmount, err = decodeDecimal(d)
	case "max_discount_amount":
		var v decimal.Decimal
		v, err = decodeDecimal(d)
		r.MaxDiscountAmount = decimal.NewNullDecimal(v)
	case "start":
		r.Window.Start, err = decodeTime(d)
	case "end":
		r.Window.End, err = decodeTime(d)
	default:
		err = d.Skip()
	}
	return err
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	s, err := d.Str()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(s)
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}
