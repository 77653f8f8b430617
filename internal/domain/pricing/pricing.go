// Package pricing resolves the active price of a product in a unit at a
// point in time.
package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-engine/internal/domain/catalog"
)

// ErrPriceUnavailable is returned when no price list entry is active.
var ErrPriceUnavailable = errors.New("price unavailable")

// UnavailableError reports which (product, unit) has no active price at At.
type UnavailableError struct {
	ProductID string
	UnitID    string
	At        time.Time
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("no active price for product %s in unit %s at %s",
		e.ProductID, e.UnitID, e.At.UTC().Format(time.RFC3339))
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrPriceUnavailable
}

var one = decimal.NewFromInt(1)

// Quote is a resolved price.
type Quote struct {
	ProductID string
	UnitID    string
	Price     decimal.Decimal
	Discount  decimal.Decimal
	// Effective is Price with Discount applied.
	Effective decimal.Decimal
	ValidFrom time.Time
	ValidTo   time.Time
}

// LineTotal returns the effective price multiplied by qty.
func (q Quote) LineTotal(qty int) decimal.Decimal {
	return q.Effective.Mul(decimal.NewFromInt(int64(qty)))
}

// Source provides the price list of a (product, unit) pair.
type Source interface {
	PriceEntries(ctx context.Context, productID, unitID string) ([]catalog.PriceListEntry, error)
}

// Select picks the entry active at asOf. When validity intervals overlap the
// most recently activated entry wins; equal ValidFrom falls back to the
// larger entry ID.
func Select(entries []catalog.PriceListEntry, asOf time.Time) (catalog.PriceListEntry, bool) {
	var (
		best  catalog.PriceListEntry
		found bool
	)
	for _, e := range entries {
		if !e.Covers(asOf) {
			continue
		}
		if !found ||
			e.ValidFrom.After(best.ValidFrom) ||
			(e.ValidFrom.Equal(best.ValidFrom) && e.ID > best.ID) {
			best = e
			found = true
		}
	}
	return best, found
}

// NewQuote computes the effective price of an entry.
func NewQuote(e catalog.PriceListEntry) Quote {
	q := Quote{
		ProductID: e.ProductID,
		UnitID:    e.UnitID,
		Price:     e.Price,
		Discount:  decimal.Zero,
		Effective: e.Price,
		ValidFrom: e.ValidFrom,
		ValidTo:   e.ValidTo,
	}
	if e.Discount != nil && !e.Discount.IsZero() {
		q.Discount = *e.Discount
		q.Effective = e.Price.Mul(one.Sub(*e.Discount))
	}
	return q
}

// Resolver resolves prices from a Source. It keeps no state between calls.
type Resolver struct {
	src Source
}

// NewResolver creates a Resolver reading from src.
func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// Resolve returns the quote active at asOf.
func (r *Resolver) Resolve(ctx context.Context, productID, unitID string, asOf time.Time) (Quote, error) {
	entries, err := r.src.PriceEntries(ctx, productID, unitID)
	if err != nil {
		return Quote{}, errors.Wrap(err, "load price list")
	}
	e, ok := Select(entries, asOf)
	if !ok {
		return Quote{}, &UnavailableError{ProductID: productID, UnitID: unitID, At: asOf}
	}
	return NewQuote(e), nil
}
