// Package catalog holds the read-only catalog records the engine prices and
// reserves against. They are owned by catalog administration.
package catalog

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a product or unit does not exist, or when the
// product is not sold in the requested unit.
var ErrNotFound = errors.New("catalog entry not found")

// NotFoundError names the missing catalog entry.
type NotFoundError struct {
	ProductID string
	UnitID    string
}

func (e *NotFoundError) Error() string {
	if e.UnitID == "" {
		return fmt.Sprintf("product %s not found", e.ProductID)
	}
	return fmt.Sprintf("product %s is not sold in unit %s", e.ProductID, e.UnitID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Product is a sellable product with its physical stock count.
type Product struct {
	ID               string
	Name             string
	QuantityOnStock  int
	ReorderThreshold int
	// BasicUnitID is the unit used when a caller does not name one.
	BasicUnitID string
}

// Unit is a packaging granularity a product is sold in.
type Unit struct {
	ID   string
	Name string
}

// PriceListEntry prices a (product, unit) pair over the half-open interval
// [ValidFrom, ValidTo).
type PriceListEntry struct {
	ID        int64
	ProductID string
	UnitID    string
	Price     decimal.Decimal
	// Discount is a fraction in [0, 1]; nil means no discount.
	Discount  *decimal.Decimal
	ValidFrom time.Time
	ValidTo   time.Time
}

// Covers reports whether at falls inside the entry's validity interval.
func (e PriceListEntry) Covers(at time.Time) bool {
	return !at.Before(e.ValidFrom) && at.Before(e.ValidTo)
}
