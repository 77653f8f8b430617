package engine

import (
	"context"

	"github.com/xenking/kart-engine/internal/domain/catalog"
	"github.com/xenking/kart-engine/internal/domain/coupon"
	"github.com/xenking/kart-engine/internal/domain/order"
	"github.com/xenking/kart-engine/internal/domain/pricing"
	"github.com/xenking/kart-engine/internal/outbox"
)

// Store is the single source of truth the engine works against.
type Store interface {
	// Tx runs fn as one atomic unit: every write commits together or not at
	// all, and locks taken through tx are held until fn returns.
	Tx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the view of the store inside a transaction.
type Tx interface {
	order.Repository
	coupon.Repository
	pricing.Source
	Catalog
	Reservations
	outbox.Writer
}

// Catalog reads products and the units they are sold in.
type Catalog interface {
	Product(ctx context.Context, id string) (*catalog.Product, error)
	// Unit returns catalog.ErrNotFound unless productID is sold in unitID.
	Unit(ctx context.Context, productID, unitID string) (*catalog.Unit, error)
}

// Reservations persists the per (product, unit) reservation counters.
type Reservations interface {
	// GetReservation reads the counters without locking. Missing rows read
	// as zero.
	GetReservation(ctx context.Context, productID, unitID string) (*Reservation, error)
	// LockReservation reads the counters and holds the (product, unit) key
	// until the transaction ends, creating the row when missing.
	LockReservation(ctx context.Context, productID, unitID string) (*Reservation, error)
	SaveReservation(ctx context.Context, r *Reservation) error
	// AdjustStock adds delta to the product's physical stock.
	AdjustStock(ctx context.Context, productID string, delta int) error
}

// Reservation holds the quantities of a (product, unit) pair that open
// carts (Tentative) and placed orders (Committed) hold against stock.
type Reservation struct {
	ProductID        string
	UnitID           string
	Tentative        int
	Committed        int
	OnStock          int
	ReorderThreshold int
}

// Held is everything counted against stock.
func (r *Reservation) Held() int {
	return r.Tentative + r.Committed
}

// Available is the stock left for new reservations. It can be negative when
// stock was lowered below what is already held.
func (r *Reservation) Available() int {
	return r.OnStock - r.Held()
}
