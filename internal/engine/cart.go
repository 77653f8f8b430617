package engine

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-engine/internal/domain/coupon"
	"github.com/xenking/kart-engine/internal/domain/order"
	"github.com/xenking/kart-engine/internal/domain/pricing"
)

// CartManager owns the open cart of each customer and its items.
type CartManager struct {
	e *Engine
}

// GetOrCreateCart returns the customer's open cart, creating it when the
// customer has none. Concurrent calls for one customer yield one cart.
func (m *CartManager) GetOrCreateCart(ctx context.Context, customer string) (*order.Cart, error) {
	customer, err := NormalizeCustomer(customer)
	if err != nil {
		return nil, err
	}

	var cart *order.Cart
	err = m.e.tx(ctx, "Carts.GetOrCreate", func(ctx context.Context, tx Tx) error {
		o, err := tx.FindCart(ctx, customer)
		if errors.Is(err, order.ErrCartNotFound) {
			o, err = m.create(ctx, tx, customer)
		}
		if err != nil {
			return err
		}
		items, err := tx.Items(ctx, o.ID)
		if err != nil {
			return errors.Wrap(err, "list items")
		}
		cart = &order.Cart{Order: *o, Items: items}
		return nil
	})
	return cart, err
}

func (m *CartManager) create(ctx context.Context, tx Tx, customer string) (*order.Order, error) {
	now := m.e.clock()
	o := &order.Order{
		ID:         uuid.NewString(),
		Customer:   customer,
		Status:     order.StatusCart,
		Subtotal:   decimal.Zero,
		TotalPrice: decimal.Zero,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	created, err := tx.InsertCart(ctx, o)
	if err != nil {
		return nil, errors.Wrap(err, "insert cart")
	}
	if !created {
		// Another request created the cart first.
		return tx.FindCart(ctx, customer)
	}
	zctx.From(ctx).Info("Cart created", zap.String("order_id", o.ID), zap.String("customer", customer))
	return o, nil
}

// AddItem reserves qty of (productID, unitID) in the customer's cart and
// returns the resulting line. An empty unitID selects the product's basic
// unit; qty 0 means 1.
func (m *CartManager) AddItem(ctx context.Context, customer, productID, unitID string, qty int) (*order.Item, error) {
	customer, err := NormalizeCustomer(customer)
	if err != nil {
		return nil, err
	}
	switch {
	case qty < 0:
		return nil, &order.ValidationError{Field: "quantity", Reason: "must be positive"}
	case qty > order.MaxQuantity:
		return nil, &order.ValidationError{Field: "quantity", Reason: fmt.Sprintf("must not exceed %d", order.MaxQuantity)}
	}
	if qty == 0 {
		qty = 1
	}

	var item *order.Item
	err = m.e.tx(ctx, "Carts.AddItem", func(ctx context.Context, tx Tx) error {
		cart, err := tx.LockCart(ctx, customer)
		if err != nil {
			return err
		}

		p, err := tx.Product(ctx, productID)
		if err != nil {
			return err
		}
		if unitID == "" {
			unitID = p.BasicUnitID
		}
		if _, err := tx.Unit(ctx, productID, unitID); err != nil {
			return err
		}
		// Refuse to reserve what cannot be sold right now.
		if _, err := pricing.NewResolver(tx).Resolve(ctx, productID, unitID, m.e.clock()); err != nil {
			return err
		}

		if err := m.e.Ledger.reserve(ctx, tx, productID, unitID, qty); err != nil {
			return err
		}

		it, err := tx.ItemByKey(ctx, cart.ID, productID, unitID)
		switch {
		case err == nil:
			if it.Quantity > order.MaxQuantity-qty {
				return &order.ValidationError{Field: "quantity", Reason: fmt.Sprintf("line would exceed %d", order.MaxQuantity)}
			}
			it.Quantity += qty
			err = tx.UpdateItem(ctx, it)
		case errors.Is(err, order.ErrItemNotFound):
			it = &order.Item{
				ID:        uuid.NewString(),
				OrderID:   cart.ID,
				ProductID: productID,
				UnitID:    unitID,
				Quantity:  qty,
				CreatedAt: m.e.clock(),
			}
			err = tx.InsertItem(ctx, it)
		}
		if err != nil {
			return errors.Wrap(err, "write item")
		}

		items, err := m.e.reprice(ctx, tx, cart)
		if err != nil {
			return err
		}
		item = findItem(items, it.ID)
		return nil
	})
	return item, err
}

// IncrementItem adds one unit to a cart line.
func (m *CartManager) IncrementItem(ctx context.Context, customer, itemID string) (*order.Item, error) {
	return m.changeItem(ctx, "Carts.IncrementItem", customer, itemID, func(ctx context.Context, tx Tx, it *order.Item) error {
		if err := m.e.Ledger.reserve(ctx, tx, it.ProductID, it.UnitID, 1); err != nil {
			return err
		}
		it.Quantity++
		return tx.UpdateItem(ctx, it)
	})
}

// DecrementItem removes one unit from a cart line. A line reaching zero is
// deleted and returned with Quantity 0.
func (m *CartManager) DecrementItem(ctx context.Context, customer, itemID string) (*order.Item, error) {
	return m.changeItem(ctx, "Carts.DecrementItem", customer, itemID, func(ctx context.Context, tx Tx, it *order.Item) error {
		if err := m.e.Ledger.reserve(ctx, tx, it.ProductID, it.UnitID, -1); err != nil {
			return err
		}
		it.Quantity--
		if it.Quantity == 0 {
			return tx.DeleteItem(ctx, it.ID)
		}
		return tx.UpdateItem(ctx, it)
	})
}

// RemoveItem deletes a cart line and releases its whole quantity.
func (m *CartManager) RemoveItem(ctx context.Context, customer, itemID string) error {
	_, err := m.changeItem(ctx, "Carts.RemoveItem", customer, itemID, func(ctx context.Context, tx Tx, it *order.Item) error {
		if err := m.e.Ledger.reserve(ctx, tx, it.ProductID, it.UnitID, -it.Quantity); err != nil {
			return err
		}
		it.Quantity = 0
		return tx.DeleteItem(ctx, it.ID)
	})
	return err
}

func (m *CartManager) changeItem(
	ctx context.Context,
	op, customer, itemID string,
	fn func(ctx context.Context, tx Tx, it *order.Item) error,
) (*order.Item, error) {
	customer, err := NormalizeCustomer(customer)
	if err != nil {
		return nil, err
	}

	var item *order.Item
	err = m.e.tx(ctx, op, func(ctx context.Context, tx Tx) error {
		cart, err := tx.LockCart(ctx, customer)
		if err != nil {
			return err
		}
		it, err := tx.ItemByID(ctx, itemID)
		if err != nil {
			return err
		}
		if it.OrderID != cart.ID {
			return order.ErrItemNotFound
		}

		if err := fn(ctx, tx, it); err != nil {
			return err
		}

		items, err := m.e.reprice(ctx, tx, cart)
		if err != nil {
			return err
		}
		if updated := findItem(items, it.ID); updated != nil {
			it = updated
		}
		item = it
		return nil
	})
	return item, err
}

// RecomputeTotal re-prices the customer's cart at now and returns the total
// before any coupon.
func (m *CartManager) RecomputeTotal(ctx context.Context, customer string) (decimal.Decimal, error) {
	customer, err := NormalizeCustomer(customer)
	if err != nil {
		return decimal.Zero, err
	}

	var total decimal.Decimal
	err = m.e.tx(ctx, "Carts.RecomputeTotal", func(ctx context.Context, tx Tx) error {
		cart, err := tx.LockCart(ctx, customer)
		if err != nil {
			return err
		}
		if _, err := m.e.reprice(ctx, tx, cart); err != nil {
			return err
		}
		total = cart.Subtotal
		return nil
	})
	return total, err
}

// reprice quotes every line of o at now, stores the new line prices and
// writes Subtotal and TotalPrice. It is the only writer of order totals.
func (e *Engine) reprice(ctx context.Context, tx Tx, o *order.Order) ([]order.Item, error) {
	items, err := tx.Items(ctx, o.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list items")
	}

	now := e.clock()
	resolver := pricing.NewResolver(tx)
	subtotal := decimal.Zero
	for i := range items {
		it := &items[i]
		q, err := resolver.Resolve(ctx, it.ProductID, it.UnitID, now)
		if err != nil {
			return nil, err
		}
		line := q.LineTotal(it.Quantity).Round(2)
		if !it.UnitPrice.Equal(q.Effective) || !it.LineTotal.Equal(line) {
			it.UnitPrice = q.Effective
			it.LineTotal = line
			if err := tx.UpdateItem(ctx, it); err != nil {
				return nil, errors.Wrap(err, "update item price")
			}
		}
		subtotal = subtotal.Add(line)
	}

	o.Subtotal = subtotal
	o.TotalPrice = subtotal
	if o.HasCoupon() {
		o.TotalPrice = coupon.Discounted(subtotal, o.CouponDiscount)
	}
	o.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return nil, errors.Wrap(err, "update order")
	}
	return items, nil
}

func findItem(items []order.Item, id string) *order.Item {
	for i := range items {
		if items[i].ID == id {
			it := items[i]
			return &it
		}
	}
	return nil
}
