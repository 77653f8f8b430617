package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-engine/internal/domain/catalog"
	"github.com/xenking/kart-engine/internal/domain/coupon"
	"github.com/xenking/kart-engine/internal/domain/order"
	"github.com/xenking/kart-engine/internal/domain/pricing"
	"github.com/xenking/kart-engine/internal/engine"
	"github.com/xenking/kart-engine/internal/outbox"
	"github.com/xenking/kart-engine/internal/storage/memory"
)

// --- Mock implementations ---

type unavailableStore struct{}

func (unavailableStore) Tx(context.Context, func(context.Context, engine.Tx) error) error {
	return errors.Wrap(engine.ErrUnavailable, "dial tcp 10.0.0.1:5432")
}

// --- Helpers ---

const (
	alice = "alice@example.com"
	bob   = "bob@example.com"
)

var start = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	now   time.Time
	store *memory.Store
	eng   *engine.Engine
}

// newFixture seeds product p1 sold in "pcs" at 10.00 with a 20% discount,
// so one unit costs 8.00, and coupon SAVE10 worth 10% usable once.
func newFixture(t *testing.T, stock int) *fixture {
	t.Helper()
	s, err := memory.New()
	require.NoError(t, err)

	f := &fixture{t: t, ctx: context.Background(), now: start, store: s}
	f.eng, err = engine.New(s, engine.WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)

	require.NoError(t, s.PutProduct(
		catalog.Product{ID: "p1", Name: "Widget", QuantityOnStock: stock},
		catalog.Unit{ID: "pcs", Name: "Piece"},
	))
	f.price("p1", "pcs", "10", "0.2", start.AddDate(0, 0, -1), start.AddDate(0, 1, 0))
	f.coupon("SAVE10", "0.10", 1)
	return f
}

func (f *fixture) price(productID, unitID, price, discount string, from, to time.Time) {
	f.t.Helper()
	e := catalog.PriceListEntry{
		ProductID: productID,
		UnitID:    unitID,
		Price:     decimal.RequireFromString(price),
		ValidFrom: from,
		ValidTo:   to,
	}
	if discount != "" {
		d := decimal.RequireFromString(discount)
		e.Discount = &d
	}
	require.NoError(f.t, f.store.PutPrice(e))
}

func (f *fixture) coupon(code, discount string, limit int) {
	f.t.Helper()
	require.NoError(f.t, f.store.PutCoupon(coupon.Coupon{
		Code:       code,
		Name:       code,
		Discount:   decimal.RequireFromString(discount),
		UsageLimit: limit,
		ValidFrom:  start.AddDate(0, 0, -7),
		ValidTo:    start.AddDate(0, 0, 7),
	}))
}

func (f *fixture) add(customer string, qty int) *order.Item {
	f.t.Helper()
	_, err := f.eng.Carts.GetOrCreateCart(f.ctx, customer)
	require.NoError(f.t, err)
	it, err := f.eng.Carts.AddItem(f.ctx, customer, "p1", "pcs", qty)
	require.NoError(f.t, err)
	return it
}

func (f *fixture) cart(customer string) *order.Cart {
	f.t.Helper()
	c, err := f.eng.Carts.GetOrCreateCart(f.ctx, customer)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) snapshot() *engine.Reservation {
	f.t.Helper()
	r, err := f.eng.Ledger.Snapshot(f.ctx, "p1", "pcs")
	require.NoError(f.t, err)
	return r
}

func (f *fixture) events(typ string) []outbox.Message {
	var res []outbox.Message
	for _, m := range f.store.Messages() {
		if m.Type == typ {
			res = append(res, m)
		}
	}
	return res
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

// --- Tests ---

func TestNormalizeCustomer(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "lower-cased", in: "  Alice@Example.COM ", want: "alice@example.com"},
		{name: "empty", in: "", wantErr: true},
		{name: "no at", in: "alice", wantErr: true},
		{name: "leading at", in: "@example.com", wantErr: true},
		{name: "trailing at", in: "alice@", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.NormalizeCustomer(tt.in)
			if tt.wantErr {
				var ve *order.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, "customer", ve.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEngine_UnavailableStoreIsTransient(t *testing.T) {
	eng, err := engine.New(unavailableStore{})
	require.NoError(t, err)

	_, err = eng.Carts.GetOrCreateCart(context.Background(), alice)
	var te *engine.TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "Carts.GetOrCreate", te.Op)
	assert.ErrorIs(t, err, engine.ErrUnavailable)
}

func TestEngine_TimeoutIsTransient(t *testing.T) {
	s, err := memory.New()
	require.NoError(t, err)
	eng, err := engine.New(s, engine.WithTimeout(time.Nanosecond))
	require.NoError(t, err)

	_, err = eng.Carts.GetOrCreateCart(context.Background(), alice)
	var te *engine.TransientError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPrices_Resolve(t *testing.T) {
	f := newFixture(t, 5)

	q, err := f.eng.Prices.ResolvePrice(f.ctx, "p1", "pcs", time.Time{})
	require.NoError(t, err)
	assertDecimal(t, "10", q.Price)
	assertDecimal(t, "0.2", q.Discount)
	assertDecimal(t, "8", q.Effective)

	// Repeated calls against unchanged data agree.
	again, err := f.eng.Prices.ResolvePrice(f.ctx, "p1", "pcs", start)
	require.NoError(t, err)
	assert.True(t, q.Effective.Equal(again.Effective))

	_, err = f.eng.Prices.ResolvePrice(f.ctx, "p1", "pcs", start.AddDate(1, 0, 0))
	assert.ErrorIs(t, err, pricing.ErrPriceUnavailable)
}

func TestPrices_LatestActivationWins(t *testing.T) {
	f := newFixture(t, 5)
	// A promotion starting later overlaps the base entry.
	f.price("p1", "pcs", "9", "", start.Add(-time.Hour), start.Add(time.Hour))

	q, err := f.eng.Prices.ResolvePrice(f.ctx, "p1", "pcs", start)
	require.NoError(t, err)
	assertDecimal(t, "9", q.Effective)

	q, err = f.eng.Prices.ResolvePrice(f.ctx, "p1", "pcs", start.Add(time.Hour))
	require.NoError(t, err)
	assertDecimal(t, "8", q.Effective)
}
