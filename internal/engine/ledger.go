package engine

import (
	"cmp"
	"context"
	"slices"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-engine/internal/domain/order"
)

// ReservationLedger tracks how much of each (product, unit) is held by open
// carts and placed orders, and refuses reservations that would exceed stock.
type ReservationLedger struct {
	e *Engine
}

// Reserved returns the quantity held by open carts.
func (l *ReservationLedger) Reserved(ctx context.Context, productID, unitID string) (int, error) {
	r, err := l.Snapshot(ctx, productID, unitID)
	if err != nil {
		return 0, err
	}
	return r.Tentative, nil
}

// Available returns the stock left for new reservations.
func (l *ReservationLedger) Available(ctx context.Context, productID, unitID string) (int, error) {
	r, err := l.Snapshot(ctx, productID, unitID)
	if err != nil {
		return 0, err
	}
	return r.Available(), nil
}

// Snapshot returns the reservation counters of a (product, unit) pair.
func (l *ReservationLedger) Snapshot(ctx context.Context, productID, unitID string) (*Reservation, error) {
	var res *Reservation
	err := l.e.tx(ctx, "Ledger.Snapshot", func(ctx context.Context, tx Tx) error {
		if _, err := tx.Unit(ctx, productID, unitID); err != nil {
			return err
		}
		r, err := tx.GetReservation(ctx, productID, unitID)
		if err != nil {
			return errors.Wrap(err, "get reservation")
		}
		res = r
		return nil
	})
	return res, err
}

// reserve changes the tentative quantity of a key by delta while holding
// its lock. Increments fail with OutOfStockError when they would exceed
// stock; decrements fail with ErrLedgerIntegrity when they would go below
// zero.
func (l *ReservationLedger) reserve(ctx context.Context, tx Tx, productID, unitID string, delta int) error {
	r, err := tx.LockReservation(ctx, productID, unitID)
	if err != nil {
		return errors.Wrap(err, "lock reservation")
	}

	if delta <= 0 {
		if r.Tentative+delta < 0 {
			return l.integrity(ctx, r, delta, "tentative")
		}
		r.Tentative += delta
		return tx.SaveReservation(ctx, r)
	}

	if delta > r.Available() {
		l.e.metrics.reservation(ctx, false)
		return &OutOfStockError{
			ProductID: productID,
			UnitID:    unitID,
			Requested: delta,
			Available: max(r.Available(), 0),
		}
	}

	wasAbove := r.Available() > r.ReorderThreshold
	r.Tentative += delta
	if err := tx.SaveReservation(ctx, r); err != nil {
		return errors.Wrap(err, "save reservation")
	}
	l.e.metrics.reservation(ctx, true)

	if wasAbove && r.Available() <= r.ReorderThreshold {
		zctx.From(ctx).Info("Stock fell to reorder threshold",
			zap.String("product_id", productID),
			zap.String("unit_id", unitID),
			zap.Int("available", r.Available()),
			zap.Int("reorder_threshold", r.ReorderThreshold),
		)
		return l.e.emit(ctx, tx, EventStockLow, productID, stockEvent{
			ProductID:        productID,
			UnitID:           unitID,
			Available:        r.Available(),
			ReorderThreshold: r.ReorderThreshold,
			OccurredAt:       l.e.clock(),
		})
	}
	return nil
}

// commit moves the items' quantities from tentative to committed.
func (l *ReservationLedger) commit(ctx context.Context, tx Tx, items []order.Item) error {
	return l.each(ctx, tx, items, func(r *Reservation, qty int) error {
		if r.Tentative < qty {
			return l.integrity(ctx, r, -qty, "tentative")
		}
		r.Tentative -= qty
		r.Committed += qty
		return nil
	})
}

// release drops the items' quantities from the tentative or committed side.
func (l *ReservationLedger) release(ctx context.Context, tx Tx, items []order.Item, committed bool) error {
	return l.each(ctx, tx, items, func(r *Reservation, qty int) error {
		if committed {
			if r.Committed < qty {
				return l.integrity(ctx, r, -qty, "committed")
			}
			r.Committed -= qty
			return nil
		}
		if r.Tentative < qty {
			return l.integrity(ctx, r, -qty, "tentative")
		}
		r.Tentative -= qty
		return nil
	})
}

// ship removes committed quantities together with the physical stock they
// stood for.
func (l *ReservationLedger) ship(ctx context.Context, tx Tx, items []order.Item) error {
	return l.each(ctx, tx, items, func(r *Reservation, qty int) error {
		if r.Committed < qty {
			return l.integrity(ctx, r, -qty, "committed")
		}
		r.Committed -= qty
		if err := tx.AdjustStock(ctx, r.ProductID, -qty); err != nil {
			return errors.Wrap(err, "adjust stock")
		}
		r.OnStock -= qty
		return nil
	})
}

// each locks the items' keys in (product, unit) order and applies fn to
// every key with the summed quantity.
func (l *ReservationLedger) each(ctx context.Context, tx Tx, items []order.Item, fn func(r *Reservation, qty int) error) error {
	type key struct{ product, unit string }
	qty := make(map[key]int, len(items))
	keys := make([]key, 0, len(items))
	for _, it := range items {
		k := key{it.ProductID, it.UnitID}
		if _, ok := qty[k]; !ok {
			keys = append(keys, k)
		}
		qty[k] += it.Quantity
	}
	slices.SortFunc(keys, func(a, b key) int {
		return cmp.Or(cmp.Compare(a.product, b.product), cmp.Compare(a.unit, b.unit))
	})

	for _, k := range keys {
		r, err := tx.LockReservation(ctx, k.product, k.unit)
		if err != nil {
			return errors.Wrap(err, "lock reservation")
		}
		if err := fn(r, qty[k]); err != nil {
			return err
		}
		if err := tx.SaveReservation(ctx, r); err != nil {
			return errors.Wrap(err, "save reservation")
		}
	}
	return nil
}

func (l *ReservationLedger) integrity(ctx context.Context, r *Reservation, delta int, side string) error {
	zctx.From(ctx).Error("Reservation would go negative",
		zap.String("product_id", r.ProductID),
		zap.String("unit_id", r.UnitID),
		zap.String("side", side),
		zap.Int("tentative", r.Tentative),
		zap.Int("committed", r.Committed),
		zap.Int("delta", delta),
	)
	return errors.Wrapf(ErrLedgerIntegrity, "release %d from %s %s/%s",
		-delta, side, r.ProductID, r.UnitID)
}
