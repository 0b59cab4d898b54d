package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested variant does not exist.
var ErrNotFound = errors.New("variant not found")

// Variant is a purchasable product variant with its current unit price.
type Variant struct {
	ID        string
	ProductID string
	Name      string
	SKU       string
	Price     decimal.Decimal
}

// Repository defines read operations for the variant catalog.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Variant, error)
	// GetByIDs returns the variants found among ids. Missing IDs are skipped.
	GetByIDs(ctx context.Context, ids []string) ([]Variant, error)
}
