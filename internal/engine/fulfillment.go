package engine

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-engine/internal/domain/order"
)

// Fulfillment drives orders after placement and expires abandoned carts.
type Fulfillment struct {
	e *Engine
}

// Order returns an order with its items.
func (f *Fulfillment) Order(ctx context.Context, orderID string) (*order.Cart, error) {
	var res *order.Cart
	err := f.e.tx(ctx, "Fulfillment.Order", func(ctx context.Context, tx Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		items, err := tx.Items(ctx, o.ID)
		if err != nil {
			return errors.Wrap(err, "list items")
		}
		res = &order.Cart{Order: *o, Items: items}
		return nil
	})
	return res, err
}

// History lists the customer's orders, newest first.
func (f *Fulfillment) History(ctx context.Context, customer string) ([]order.Order, error) {
	customer, err := NormalizeCustomer(customer)
	if err != nil {
		return nil, err
	}
	var res []order.Order
	err = f.e.tx(ctx, "Fulfillment.History", func(ctx context.Context, tx Tx) error {
		orders, err := tx.ListByCustomer(ctx, customer)
		res = orders
		return err
	})
	return res, err
}

// Ship marks a placed order as shipped. Its committed quantities leave the
// ledger together with the physical stock.
func (f *Fulfillment) Ship(ctx context.Context, orderID string) (*order.Cart, error) {
	return f.transition(ctx, "Fulfillment.Ship", orderID, order.StatusShipped, func(ctx context.Context, tx Tx, o *order.Order, items []order.Item) ([]order.Item, error) {
		return items, f.e.Ledger.ship(ctx, tx, items)
	})
}

// Cancel cancels an open cart or a placed order, releasing its reservations
// and deleting its items.
func (f *Fulfillment) Cancel(ctx context.Context, orderID string) (*order.Cart, error) {
	return f.transition(ctx, "Fulfillment.Cancel", orderID, order.StatusCancelled, f.cancel)
}

func (f *Fulfillment) cancel(ctx context.Context, tx Tx, o *order.Order, items []order.Item) ([]order.Item, error) {
	if err := f.e.Ledger.release(ctx, tx, items, o.Status == order.StatusPlaced); err != nil {
		return nil, err
	}
	if err := tx.DeleteItems(ctx, o.ID); err != nil {
		return nil, errors.Wrap(err, "delete items")
	}
	return nil, nil
}

func (f *Fulfillment) transition(
	ctx context.Context,
	op, orderID string,
	to order.Status,
	fn func(ctx context.Context, tx Tx, o *order.Order, items []order.Item) ([]order.Item, error),
) (*order.Cart, error) {
	var res *order.Cart
	err := f.e.tx(ctx, op, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.CanTransition(o.Status, to) {
			return &order.TransitionError{OrderID: o.ID, From: o.Status, To: to}
		}
		res, err = f.apply(ctx, tx, o, to, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	f.e.metrics.transition(ctx, string(to))
	zctx.From(ctx).Info("Order status changed",
		zap.String("order_id", orderID),
		zap.String("status", string(to)),
	)
	return res, nil
}

func (f *Fulfillment) apply(
	ctx context.Context,
	tx Tx,
	o *order.Order,
	to order.Status,
	fn func(ctx context.Context, tx Tx, o *order.Order, items []order.Item) ([]order.Item, error),
) (*order.Cart, error) {
	items, err := tx.Items(ctx, o.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list items")
	}
	kept, err := fn(ctx, tx, o, items)
	if err != nil {
		return nil, err
	}

	o.Status = to
	o.UpdatedAt = f.e.clock()
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return nil, errors.Wrap(err, "update order")
	}

	typ := EventOrderShipped
	if to == order.StatusCancelled {
		typ = EventOrderCancelled
	}
	if err := f.e.emitOrder(ctx, tx, typ, o, items); err != nil {
		return nil, err
	}
	return &order.Cart{Order: *o, Items: kept}, nil
}

// ExpireCarts cancels up to limit open carts that have not changed for
// idleFor, releasing their reservations. Each cart is expired in its own
// transaction. It returns the number of carts expired.
func (f *Fulfillment) ExpireCarts(ctx context.Context, idleFor time.Duration, limit int) (int, error) {
	cutoff := f.e.clock().Add(-idleFor)

	var stale []order.Order
	err := f.e.tx(ctx, "Fulfillment.StaleCarts", func(ctx context.Context, tx Tx) error {
		var err error
		stale, err = tx.StaleCarts(ctx, cutoff, limit)
		return err
	})
	if err != nil {
		return 0, err
	}

	lg := zctx.From(ctx)
	expired := 0
	for _, s := range stale {
		err := f.e.tx(ctx, "Fulfillment.ExpireCart", func(ctx context.Context, tx Tx) error {
			o, err := tx.LockOrder(ctx, s.ID)
			if err != nil {
				return err
			}
			// The cart may have been placed or touched since it was listed.
			if o.Status != order.StatusCart || !o.UpdatedAt.Before(cutoff) {
				return errSkip
			}
			_, err = f.apply(ctx, tx, o, order.StatusCancelled, f.cancel)
			return err
		})
		switch {
		case err == nil:
			expired++
			f.e.metrics.transition(ctx, string(order.StatusCancelled))
			lg.Info("Cart expired", zap.String("order_id", s.ID), zap.String("customer", s.Customer))
		case errors.Is(err, errSkip), errors.Is(err, order.ErrOrderNotFound):
		default:
			return expired, errors.Wrapf(err, "expire cart %s", s.ID)
		}
	}
	return expired, nil
}

var errSkip = errors.New("skip")

// RunExpiry expires idle carts every interval until ctx is cancelled.
func (f *Fulfillment) RunExpiry(ctx context.Context, idleFor, interval time.Duration) error {
	lg := zctx.From(ctx).Named("expiry")
	lg.Info("Cart expiry started", zap.Duration("idle_for", idleFor), zap.Duration("interval", interval))

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := f.ExpireCarts(ctx, idleFor, 100); err != nil && ctx.Err() == nil {
				lg.Error("Cart expiry failed", zap.Error(err))
			}
		}
	}
}
