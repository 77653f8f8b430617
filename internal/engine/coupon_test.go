package engine_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-engine/internal/domain/coupon"
	"github.com/xenking/kart-engine/internal/domain/order"
	"github.com/xenking/kart-engine/internal/engine"
)

func TestCoupons_ApplyRemoveReapply(t *testing.T) {
	f := newFixture(t, 5)
	f.add(alice, 3)

	c, err := f.eng.Coupons.Apply(f.ctx, alice, "save10")
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", c.CouponCode)
	assertDecimal(t, "24", c.Subtotal)
	assertDecimal(t, "21.6", c.TotalPrice)

	subtotal, err := f.eng.Carts.RecomputeTotal(f.ctx, alice)
	require.NoError(t, err)
	assertDecimal(t, "24", subtotal)

	c, err = f.eng.Coupons.Remove(f.ctx, alice)
	require.NoError(t, err)
	assert.False(t, c.HasCoupon())
	assertDecimal(t, "24", c.TotalPrice)

	_, err = f.eng.Coupons.Apply(f.ctx, alice, "SAVE10")
	var ice *coupon.InvalidCouponError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, coupon.ReasonUsageLimitExceeded, ice.Reason)
	assert.Equal(t, 1, ice.Limit)
	assertDecimal(t, "24", f.cart(alice).TotalPrice)
}

func TestCoupons_DiscountFollowsCartChanges(t *testing.T) {
	f := newFixture(t, 5)
	it := f.add(alice, 1)

	_, err := f.eng.Coupons.Apply(f.ctx, alice, "SAVE10")
	require.NoError(t, err)

	_, err = f.eng.Carts.IncrementItem(f.ctx, alice, it.ID)
	require.NoError(t, err)
	c := f.cart(alice)
	assertDecimal(t, "16", c.Subtotal)
	assertDecimal(t, "14.4", c.TotalPrice)
}

func TestCoupons_ApplyRejections(t *testing.T) {
	f := newFixture(t, 5)
	f.add(alice, 1)
	f.coupon("OTHER", "0.05", 0)
	require.NoError(t, f.store.PutCoupon(coupon.Coupon{
		Code:      "SOON",
		Discount:  dec("0.1"),
		ValidFrom: start.Add(time.Hour),
		ValidTo:   start.AddDate(0, 1, 0),
	}))
	require.NoError(t, f.store.PutCoupon(coupon.Coupon{
		Code:      "GONE",
		Discount:  dec("0.1"),
		ValidFrom: start.AddDate(0, -1, 0),
		ValidTo:   start,
	}))
	_, err := f.eng.Coupons.Apply(f.ctx, alice, "OTHER")
	require.NoError(t, err)

	tests := []struct {
		code string
		want coupon.Reason
	}{
		{code: "not-a-code!", want: coupon.ReasonMalformed},
		{code: "", want: coupon.ReasonMalformed},
		{code: "MISSING", want: coupon.ReasonNotFound},
		{code: "SOON", want: coupon.ReasonNotYetActive},
		{code: "GONE", want: coupon.ReasonExpired},
		{code: "SAVE10", want: coupon.ReasonAlreadyApplied},
	}
	for _, tt := range tests {
		t.Run(string(tt.want)+"/"+tt.code, func(t *testing.T) {
			_, err := f.eng.Coupons.Apply(f.ctx, alice, tt.code)
			var ice *coupon.InvalidCouponError
			require.ErrorAs(t, err, &ice)
			assert.Equal(t, tt.want, ice.Reason)
			assert.ErrorIs(t, err, coupon.ErrInvalidCoupon)
		})
	}

	// The rejected attempts consumed nothing: SAVE10 still works elsewhere.
	c := f.cart(alice)
	assert.Equal(t, "OTHER", c.CouponCode)
	_, err = f.eng.Coupons.Remove(f.ctx, alice)
	require.NoError(t, err)
	_, err = f.eng.Coupons.Apply(f.ctx, alice, "SAVE10")
	require.NoError(t, err)
}

func TestCoupons_UsageIsPerCustomer(t *testing.T) {
	f := newFixture(t, 5)
	f.add(alice, 1)
	f.add(bob, 1)

	_, err := f.eng.Coupons.Apply(f.ctx, alice, "SAVE10")
	require.NoError(t, err)
	_, err = f.eng.Coupons.Apply(f.ctx, bob, "SAVE10")
	require.NoError(t, err)
}

func TestCoupons_ApplyEmitsEvent(t *testing.T) {
	f := newFixture(t, 5)
	f.add(alice, 1)

	c, err := f.eng.Coupons.Apply(f.ctx, alice, "SAVE10")
	require.NoError(t, err)

	events := f.events(engine.EventCouponApplied)
	require.Len(t, events, 1)
	assert.Equal(t, c.ID, events[0].Key)

	var payload struct {
		Code string `json:"code"`
		Uses int    `json:"uses"`
	}
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "SAVE10", payload.Code)
	assert.Equal(t, 1, payload.Uses)
}

func TestCoupons_RemoveWithoutCouponIsNoop(t *testing.T) {
	f := newFixture(t, 5)
	f.add(alice, 2)

	c, err := f.eng.Coupons.Remove(f.ctx, alice)
	require.NoError(t, err)
	assertDecimal(t, "16", c.TotalPrice)
	assert.Len(t, c.Items, 1)

	_, err = f.eng.Coupons.Remove(f.ctx, bob)
	assert.ErrorIs(t, err, order.ErrCartNotFound)
}
