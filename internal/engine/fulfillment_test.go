package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-engine/internal/domain/order"
	"github.com/xenking/kart-engine/internal/engine"
)

func (f *fixture) place(customer string, qty int) *order.Cart {
	f.t.Helper()
	f.add(customer, qty)
	placed, err := f.eng.Orders.Place(f.ctx, customer, validPlace)
	require.NoError(f.t, err)
	return placed
}

func TestFulfillment_ShipConsumesStock(t *testing.T) {
	f := newFixture(t, 5)
	placed := f.place(alice, 2)

	shipped, err := f.eng.Fulfillment.Ship(f.ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusShipped, shipped.Status)
	assert.Len(t, shipped.Items, 1)

	r := f.snapshot()
	assert.Zero(t, r.Committed)
	assert.Equal(t, 3, r.OnStock)
	assert.Equal(t, 3, r.Available())
	assert.Len(t, f.events(engine.EventOrderShipped), 1)

	_, err = f.eng.Fulfillment.Cancel(f.ctx, placed.ID)
	var te *order.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, order.StatusShipped, te.From)
}

func TestFulfillment_CancelPlacedReleasesCommitted(t *testing.T) {
	f := newFixture(t, 5)
	placed := f.place(alice, 4)

	cancelled, err := f.eng.Fulfillment.Cancel(f.ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, cancelled.Status)
	assert.Empty(t, cancelled.Items)

	r := f.snapshot()
	assert.Zero(t, r.Held())
	assert.Equal(t, 5, r.Available())

	got, err := f.eng.Fulfillment.Order(f.ctx, placed.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Items)
	assert.Len(t, f.events(engine.EventOrderCancelled), 1)
}

func TestFulfillment_CancelCartReleasesTentative(t *testing.T) {
	f := newFixture(t, 5)
	f.add(alice, 2)
	c := f.cart(alice)

	_, err := f.eng.Fulfillment.Cancel(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, f.snapshot().Held())
	assert.NotEqual(t, c.ID, f.cart(alice).ID)
}

func TestFulfillment_ShipRequiresPlaced(t *testing.T) {
	f := newFixture(t, 5)
	c := f.cart(alice)

	_, err := f.eng.Fulfillment.Ship(f.ctx, c.ID)
	var te *order.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, order.StatusCart, te.From)
	assert.Equal(t, order.StatusShipped, te.To)

	_, err = f.eng.Fulfillment.Ship(f.ctx, "missing")
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestFulfillment_History(t *testing.T) {
	f := newFixture(t, 5)
	first := f.place(alice, 1)
	f.now = start.Add(time.Minute)
	open := f.cart(alice)

	history, err := f.eng.Fulfillment.History(f.ctx, "Alice@Example.com")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, open.ID, history[0].ID)
	assert.Equal(t, first.ID, history[1].ID)
}

func TestFulfillment_ExpireCarts(t *testing.T) {
	f := newFixture(t, 5)
	f.add(alice, 2)
	stale := f.cart(alice)

	f.now = start.Add(50 * time.Minute)
	f.add(bob, 1)
	placed := f.place("carol@example.com", 1)

	f.now = start.Add(90 * time.Minute)
	n, err := f.eng.Fulfillment.ExpireCarts(f.ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.eng.Fulfillment.Order(f.ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)

	r := f.snapshot()
	assert.Equal(t, 1, r.Tentative)
	assert.Equal(t, 1, r.Committed)

	p, err := f.eng.Fulfillment.Order(f.ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPlaced, p.Status)

	n, err = f.eng.Fulfillment.ExpireCarts(f.ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}
