package engine

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-engine/internal/domain/coupon"
	"github.com/xenking/kart-engine/internal/domain/order"
)

// CouponApplier applies and removes coupons on open carts.
type CouponApplier struct {
	e *Engine
}

// Apply validates code for the customer's cart and discounts its total.
// A successful application consumes one use of the customer's limit.
func (a *CouponApplier) Apply(ctx context.Context, customer, code string) (*order.Cart, error) {
	customer, err := NormalizeCustomer(customer)
	if err != nil {
		return nil, err
	}
	code, err = coupon.NormalizeCode(code)
	if err != nil {
		a.e.metrics.coupon(ctx, string(coupon.ReasonMalformed))
		return nil, err
	}

	var cart *order.Cart
	err = a.e.tx(ctx, "Coupons.Apply", func(ctx context.Context, tx Tx) error {
		o, err := tx.LockCart(ctx, customer)
		if err != nil {
			return err
		}

		c, err := tx.FindByCode(ctx, code)
		if errors.Is(err, coupon.ErrNotFound) {
			return &coupon.InvalidCouponError{Code: code, Reason: coupon.ReasonNotFound}
		}
		if err != nil {
			return errors.Wrap(err, "find coupon")
		}

		uses, err := tx.LockUsage(ctx, customer, code)
		if err != nil {
			return errors.Wrap(err, "lock coupon usage")
		}
		if err := a.e.validator.Validate(c, uses, o.CouponCode); err != nil {
			return err
		}

		o.CouponCode = c.Code
		o.CouponDiscount = c.Discount
		items, err := a.e.reprice(ctx, tx, o)
		if err != nil {
			return err
		}
		if err := tx.IncrementUsage(ctx, customer, code); err != nil {
			return errors.Wrap(err, "increment coupon usage")
		}

		if err := a.e.emit(ctx, tx, EventCouponApplied, o.ID, couponEvent{
			OrderID:    o.ID,
			Customer:   customer,
			Code:       c.Code,
			Discount:   c.Discount,
			Uses:       uses + 1,
			OccurredAt: a.e.clock(),
		}); err != nil {
			return err
		}

		cart = &order.Cart{Order: *o, Items: items}
		return nil
	})

	var ice *coupon.InvalidCouponError
	switch {
	case err == nil:
		a.e.metrics.coupon(ctx, "applied")
		zctx.From(ctx).Info("Coupon applied",
			zap.String("order_id", cart.ID),
			zap.String("code", code),
			zap.String("total", cart.TotalPrice.StringFixed(2)),
		)
	case errors.As(err, &ice):
		a.e.metrics.coupon(ctx, string(ice.Reason))
	}
	return cart, err
}

// Remove clears the cart's coupon and restores the undiscounted total. The
// use consumed by Apply is not given back.
func (a *CouponApplier) Remove(ctx context.Context, customer string) (*order.Cart, error) {
	customer, err := NormalizeCustomer(customer)
	if err != nil {
		return nil, err
	}

	var cart *order.Cart
	err = a.e.tx(ctx, "Coupons.Remove", func(ctx context.Context, tx Tx) error {
		o, err := tx.LockCart(ctx, customer)
		if err != nil {
			return err
		}
		if !o.HasCoupon() {
			items, err := tx.Items(ctx, o.ID)
			if err != nil {
				return errors.Wrap(err, "list items")
			}
			cart = &order.Cart{Order: *o, Items: items}
			return nil
		}

		o.CouponCode = ""
		o.CouponDiscount = decimal.Zero
		items, err := a.e.reprice(ctx, tx, o)
		if err != nil {
			return err
		}
		cart = &order.Cart{Order: *o, Items: items}
		return nil
	})
	return cart, err
}
