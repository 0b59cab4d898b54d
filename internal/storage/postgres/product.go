package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/checkout-engine/internal/domain/product"
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetByID returns the variant with the given ID, or product.ErrNotFound.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Variant, error) {
	const query = `SELECT id, product_id, name, sku, price FROM variants WHERE id = $1`

	var v product.Variant
	err := connFrom(ctx, r.pool).QueryRow(ctx, query, id).Scan(&v.ID, &v.ProductID, &v.Name, &v.SKU, &v.Price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get variant %q", id)
	}
	return &v, nil
}

// GetByIDs returns the variants found among ids, ordered by ID.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Variant, error) {
	const query = `SELECT id, product_id, name, sku, price FROM variants WHERE id = ANY($1) ORDER BY id`

	rows, err := connFrom(ctx, r.pool).Query(ctx, query, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get variants")
	}
	defer rows.Close()

	out := make([]product.Variant, 0, len(ids))
	for rows.Next() {
		var v product.Variant
		if err := rows.Scan(&v.ID, &v.ProductID, &v.Name, &v.SKU, &v.Price); err != nil {
			return nil, errors.Wrap(err, "scan variant")
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpsertVariant creates or updates a variant.
func (r *ProductRepository) UpsertVariant(ctx context.Context, v product.Variant) error {
	const query = `
INSERT INTO variants (id, product_id, name, sku, price)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE
SET product_id = EXCLUDED.product_id, name = EXCLUDED.name, sku = EXCLUDED.sku, price = EXCLUDED.price`

	if _, err := connFrom(ctx, r.pool).Exec(ctx, query, v.ID, v.ProductID, v.Name, v.SKU, v.Price); err != nil {
		return errors.Wrapf(err, "upsert variant %q", v.ID)
	}
	return nil
}
