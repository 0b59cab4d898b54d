package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/xenking/checkout-engine/internal/domain/discount"
	"github.com/xenking/checkout-engine/internal/domain/ledger"
	"github.com/xenking/checkout-engine/internal/domain/product"
	"github.com/xenking/checkout-engine/internal/storage/postgres"
)

type catalogJSON struct {
	Variants  []variantJSON  `json:"variants"`
	Campaigns []campaignJSON `json:"campaigns"`
	Vouchers  []voucherJSON  `json:"vouchers"`
}

type variantJSON struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
}

type campaignJSON struct {
	Name     string     `json:"name"`
	StartsAt *time.Time `json:"starts_at"`
	EndsAt   *time.Time `json:"ends_at"`
	Rules    []struct {
		TargetVariantID   string              `json:"target_variant_id"`
		Kind              string              `json:"kind"`
		Value             decimal.Decimal     `json:"value"`
		MinQuantity       int                 `json:"min_quantity"`
		MinOrderAmount    decimal.Decimal     `json:"min_order_amount"`
		MaxDiscountAmount decimal.NullDecimal `json:"max_discount_amount"`
	} `json:"rules"`
}

type voucherJSON struct {
	Code           string          `json:"code"`
	Kind           string          `json:"kind"`
	Value          decimal.Decimal `json:"value"`
	MinOrderAmount decimal.Decimal `json:"min_order_amount"`
	UsageLimit     int             `json:"usage_limit"`
	ValidFrom      time.Time       `json:"valid_from"`
	ValidUntil     time.Time       `json:"valid_until"`
	Description    string          `json:"description"`
}

func main() {
	var (
		databaseURL string
		catalogFile string
	)

	_ = godotenv.Load()

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to catalog JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile string) error {
	slog.Info("reading catalog file", slog.String("path", catalogFile))

	data, err := os.ReadFile(catalogFile)
	if err != nil {
		return errors.Wrap(err, "read catalog file")
	}
	var catalog catalogJSON
	if err := json.Unmarshal(data, &catalog); err != nil {
		return errors.Wrap(err, "parse catalog JSON")
	}

	slog.Info("running migrations")
	if err := postgres.Migrate(databaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	ledgers := postgres.NewLedgerStore(pool)

	if err := seedVariants(ctx, postgres.NewProductRepository(pool), ledgers, catalog.Variants); err != nil {
		return errors.Wrap(err, "seed variants")
	}
	if err := seedCampaigns(ctx, postgres.NewRuleRepository(pool), catalog.Campaigns); err != nil {
		return errors.Wrap(err, "seed campaigns")
	}
	if err := seedVouchers(ctx, postgres.NewVoucherRepository(pool), catalog.Vouchers); err != nil {
		return errors.Wrap(err, "seed vouchers")
	}
	return nil
}

func seedVariants(ctx context.Context, repo *postgres.ProductRepository, ledgers *postgres.LedgerStore, variants []variantJSON) error {
	slog.Info("upserting variants", slog.Int("count", len(variants)))

	now := time.Now().UTC()
	for _, v := range variants {
		if err := repo.UpsertVariant(ctx, product.Variant{
			ID:        v.ID,
			ProductID: v.ProductID,
			Name:      v.Name,
			SKU:       v.SKU,
			Price:     v.Price,
		}); err != nil {
			return err
		}
		if err := ledgers.PutLedger(ctx, ledger.NewLedger(ledger.StockResource(v.ID), v.Stock, now)); err != nil {
			return errors.Wrapf(err, "stock ledger %s", v.ID)
		}

		slog.Info("upserted variant", slog.String("id", v.ID), slog.Int("stock", v.Stock))
	}
	return nil
}

// seedCampaigns inserts campaigns as new rows on every run.
func seedCampaigns(ctx context.Context, repo *postgres.RuleRepository, campaigns []campaignJSON) error {
	slog.Info("creating campaigns", slog.Int("count", len(campaigns)))

	for _, c := range campaigns {
		var w discount.Window
		if c.StartsAt != nil {
			w.Start = *c.StartsAt
		}
		if c.EndsAt != nil {
			w.End = *c.EndsAt
		}

		rules := make([]discount.Rule, 0, len(c.Rules))
		for _, r := range c.Rules {
			rules = append(rules, discount.Rule{
				TargetVariantID:   r.TargetVariantID,
				Kind:              discount.RuleKind(r.Kind),
				Value:             r.Value,
				MinQuantity:       r.MinQuantity,
				MinOrderAmount:    r.MinOrderAmount,
				MaxDiscountAmount: r.MaxDiscountAmount,
			})
		}

		id, err := repo.CreateCampaign(ctx, postgres.Campaign{Name: c.Name, Window: w}, rules)
		if err != nil {
			return errors.Wrapf(err, "campaign %q", c.Name)
		}

		slog.Info("created campaign", slog.Int64("id", id), slog.String("name", c.Name), slog.Int("rules", len(rules)))
	}
	return nil
}

func seedVouchers(ctx context.Context, repo *postgres.VoucherRepository, vouchers []voucherJSON) error {
	slog.Info("upserting vouchers", slog.Int("count", len(vouchers)))

	for _, v := range vouchers {
		if err := repo.Upsert(ctx, discount.Voucher{
			Code:           v.Code,
			Kind:           discount.VoucherKind(v.Kind),
			Value:          v.Value,
			MinOrderAmount: v.MinOrderAmount,
			UsageLimit:     v.UsageLimit,
			ValidFrom:      v.ValidFrom,
			ValidUntil:     v.ValidUntil,
			Description:    v.Description,
		}); err != nil {
			return err
		}

		slog.Info("upserted voucher", slog.String("code", v.Code), slog.String("description", v.Description))
	}
	return nil
}
