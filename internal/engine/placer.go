package engine

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-engine/internal/domain/order"
)

// PlaceRequest carries the data captured when a cart becomes an order.
type PlaceRequest struct {
	PaymentMethod   string
	ShippingAddress string
}

// OrderPlacer turns open carts into placed orders.
type OrderPlacer struct {
	e *Engine
}

// Place freezes the customer's cart as a PLACED order. The total is
// re-priced one last time and the cart's reservations become committed.
func (p *OrderPlacer) Place(ctx context.Context, customer string, req PlaceRequest) (*order.Cart, error) {
	customer, err := NormalizeCustomer(customer)
	if err != nil {
		return nil, err
	}

	var placed *order.Cart
	err = p.e.tx(ctx, "Orders.Place", func(ctx context.Context, tx Tx) error {
		o, err := tx.LockCart(ctx, customer)
		if err != nil {
			return err
		}

		items, err := tx.Items(ctx, o.ID)
		if err != nil {
			return errors.Wrap(err, "list items")
		}
		if len(items) == 0 {
			return &order.ValidationError{Field: "items", Reason: "cart is empty"}
		}
		address := strings.TrimSpace(req.ShippingAddress)
		if address == "" {
			return &order.ValidationError{Field: "shippingAddress", Reason: "is required"}
		}
		method, ok := order.ParsePaymentMethod(req.PaymentMethod)
		if !ok {
			return &order.ValidationError{Field: "paymentMethod", Reason: "must be CASH or CARD"}
		}
		if !order.CanTransition(o.Status, order.StatusPlaced) {
			return &order.TransitionError{OrderID: o.ID, From: o.Status, To: order.StatusPlaced}
		}

		items, err = p.e.reprice(ctx, tx, o)
		if err != nil {
			return err
		}
		if err := p.e.Ledger.commit(ctx, tx, items); err != nil {
			return err
		}

		now := p.e.clock()
		o.Status = order.StatusPlaced
		o.PaymentMethod = method
		o.ShippingAddress = address
		o.PlacedAt = &now
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return errors.Wrap(err, "update order")
		}
		if err := p.e.emitOrder(ctx, tx, EventOrderPlaced, o, items); err != nil {
			return err
		}

		placed = &order.Cart{Order: *o, Items: items}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.e.metrics.transition(ctx, string(order.StatusPlaced))
	zctx.From(ctx).Info("Order placed",
		zap.String("order_id", placed.ID),
		zap.String("customer", customer),
		zap.String("total", placed.TotalPrice.StringFixed(2)),
		zap.Int("items", len(placed.Items)),
	)
	return placed, nil
}
