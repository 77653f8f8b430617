package engine

import (
	"context"
	"time"

	"github.com/xenking/kart-engine/internal/domain/pricing"
)

// PriceResolver quotes prices from the store on every call.
type PriceResolver struct {
	e *Engine
}

// ResolvePrice returns the price active for (productID, unitID) at asOf. A
// zero asOf means now.
func (p *PriceResolver) ResolvePrice(ctx context.Context, productID, unitID string, asOf time.Time) (pricing.Quote, error) {
	if asOf.IsZero() {
		asOf = p.e.clock()
	}
	var q pricing.Quote
	err := p.e.tx(ctx, "Prices.Resolve", func(ctx context.Context, tx Tx) error {
		var err error
		q, err = pricing.NewResolver(tx).Resolve(ctx, productID, unitID, asOf)
		return err
	})
	return q, err
}
