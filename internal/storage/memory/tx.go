package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/hashicorp/go-memdb"

	"github.com/xenking/kart-engine/internal/domain/catalog"
	"github.com/xenking/kart-engine/internal/domain/coupon"
	"github.com/xenking/kart-engine/internal/domain/order"
	"github.com/xenking/kart-engine/internal/engine"
	"github.com/xenking/kart-engine/internal/outbox"
)

// tx is the engine view of one memdb write transaction. Locks are implicit:
// the whole transaction holds the memdb writer lock.
type tx struct {
	txn   *memdb.Txn
	store *Store
}

var _ engine.Tx = (*tx)(nil)

func (t *tx) first(table string, args ...any) (any, error) {
	raw, err := t.txn.First(table, "id", args...)
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", table)
	}
	return raw, nil
}

func (t *tx) all(table, index string, args ...any) ([]any, error) {
	it, err := t.txn.Get(table, index, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s", table)
	}
	var res []any
	for raw := it.Next(); raw != nil; raw = it.Next() {
		res = append(res, raw)
	}
	return res, nil
}

func (t *tx) insert(table string, obj any, op string) error {
	if err := t.txn.Insert(table, obj); err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

// Catalog.

func (t *tx) Product(_ context.Context, id string) (*catalog.Product, error) {
	raw, err := t.first(tableProducts, id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, &catalog.NotFoundError{ProductID: id}
	}
	p := *raw.(*catalog.Product)
	return &p, nil
}

func (t *tx) Unit(ctx context.Context, productID, unitID string) (*catalog.Unit, error) {
	if _, err := t.Product(ctx, productID); err != nil {
		return nil, err
	}
	raw, err := t.first(tableOffers, pairKey(productID, unitID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, &catalog.NotFoundError{ProductID: productID, UnitID: unitID}
	}
	u := raw.(*offerRow).Unit
	return &u, nil
}

func (t *tx) PriceEntries(_ context.Context, productID, unitID string) ([]catalog.PriceListEntry, error) {
	rows, err := t.all(tablePrices, "pair", productID, unitID)
	if err != nil {
		return nil, err
	}
	res := make([]catalog.PriceListEntry, 0, len(rows))
	for _, raw := range rows {
		res = append(res, raw.(*priceRow).Entry)
	}
	return res, nil
}

// Reservations.

func (t *tx) GetReservation(ctx context.Context, productID, unitID string) (*engine.Reservation, error) {
	p, err := t.Product(ctx, productID)
	if err != nil {
		return nil, err
	}
	r := &engine.Reservation{
		ProductID:        productID,
		UnitID:           unitID,
		OnStock:          p.QuantityOnStock,
		ReorderThreshold: p.ReorderThreshold,
	}
	raw, err := t.first(tableReservations, pairKey(productID, unitID))
	if err != nil {
		return nil, err
	}
	if raw != nil {
		row := raw.(*reservationRow)
		r.Tentative = row.Tentative
		r.Committed = row.Committed
	}
	return r, nil
}

func (t *tx) LockReservation(ctx context.Context, productID, unitID string) (*engine.Reservation, error) {
	return t.GetReservation(ctx, productID, unitID)
}

func (t *tx) SaveReservation(_ context.Context, r *engine.Reservation) error {
	row := &reservationRow{
		Key:       pairKey(r.ProductID, r.UnitID),
		ProductID: r.ProductID,
		UnitID:    r.UnitID,
		Tentative: r.Tentative,
		Committed: r.Committed,
	}
	return t.insert(tableReservations, row, "save reservation")
}

func (t *tx) AdjustStock(ctx context.Context, productID string, delta int) error {
	p, err := t.Product(ctx, productID)
	if err != nil {
		return err
	}
	p.QuantityOnStock += delta
	return t.insert(tableProducts, p, "update product")
}

// Orders.

func (t *tx) InsertCart(ctx context.Context, o *order.Order) (bool, error) {
	_, err := t.FindCart(ctx, o.Customer)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, order.ErrCartNotFound):
		return false, err
	}
	row := *o
	if err := t.txn.Insert(tableOrders, &row); err != nil {
		return false, errors.Wrap(err, "insert order")
	}
	return true, nil
}

func (t *tx) FindCart(_ context.Context, customer string) (*order.Order, error) {
	rows, err := t.all(tableOrders, "customer", customer)
	if err != nil {
		return nil, err
	}
	for _, raw := range rows {
		if o := raw.(*order.Order); o.Status == order.StatusCart {
			res := *o
			return &res, nil
		}
	}
	return nil, order.ErrCartNotFound
}

func (t *tx) LockCart(ctx context.Context, customer string) (*order.Order, error) {
	return t.FindCart(ctx, customer)
}

func (t *tx) GetOrder(_ context.Context, id string) (*order.Order, error) {
	raw, err := t.first(tableOrders, id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, order.ErrOrderNotFound
	}
	o := *raw.(*order.Order)
	return &o, nil
}

func (t *tx) LockOrder(ctx context.Context, id string) (*order.Order, error) {
	return t.GetOrder(ctx, id)
}

func (t *tx) UpdateOrder(ctx context.Context, o *order.Order) error {
	if _, err := t.GetOrder(ctx, o.ID); err != nil {
		return err
	}
	row := *o
	return t.insert(tableOrders, &row, "update order")
}

func (t *tx) ListByCustomer(_ context.Context, customer string) ([]order.Order, error) {
	rows, err := t.all(tableOrders, "customer", customer)
	if err != nil {
		return nil, err
	}
	res := make([]order.Order, 0, len(rows))
	for _, raw := range rows {
		res = append(res, *raw.(*order.Order))
	}
	slices.SortFunc(res, func(a, b order.Order) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return res, nil
}

func (t *tx) StaleCarts(_ context.Context, before time.Time, limit int) ([]order.Order, error) {
	rows, err := t.all(tableOrders, "status", string(order.StatusCart))
	if err != nil {
		return nil, err
	}
	var res []order.Order
	for _, raw := range rows {
		if o := raw.(*order.Order); o.UpdatedAt.Before(before) {
			res = append(res, *o)
		}
	}
	slices.SortFunc(res, func(a, b order.Order) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// Items.

func (t *tx) Items(_ context.Context, orderID string) ([]order.Item, error) {
	rows, err := t.all(tableItems, "order", orderID)
	if err != nil {
		return nil, err
	}
	res := make([]order.Item, 0, len(rows))
	for _, raw := range rows {
		res = append(res, *raw.(*order.Item))
	}
	slices.SortFunc(res, func(a, b order.Item) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return res, nil
}

func (t *tx) ItemByID(_ context.Context, id string) (*order.Item, error) {
	raw, err := t.first(tableItems, id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, order.ErrItemNotFound
	}
	it := *raw.(*order.Item)
	return &it, nil
}

func (t *tx) ItemByKey(_ context.Context, orderID, productID, unitID string) (*order.Item, error) {
	raw, err := t.txn.First(tableItems, "key", orderID, productID, unitID)
	if err != nil {
		return nil, errors.Wrap(err, "get item")
	}
	if raw == nil {
		return nil, order.ErrItemNotFound
	}
	it := *raw.(*order.Item)
	return &it, nil
}

func (t *tx) InsertItem(_ context.Context, it *order.Item) error {
	if it.Quantity <= 0 {
		return errors.Errorf("item %s: quantity must be positive", it.ID)
	}
	row := *it
	return t.insert(tableItems, &row, "insert item")
}

func (t *tx) UpdateItem(ctx context.Context, it *order.Item) error {
	if _, err := t.ItemByID(ctx, it.ID); err != nil {
		return err
	}
	return t.InsertItem(ctx, it)
}

func (t *tx) DeleteItem(ctx context.Context, id string) error {
	it, err := t.ItemByID(ctx, id)
	if err != nil {
		return err
	}
	if err := t.txn.Delete(tableItems, it); err != nil {
		return errors.Wrap(err, "delete item")
	}
	return nil
}

func (t *tx) DeleteItems(_ context.Context, orderID string) error {
	if _, err := t.txn.DeleteAll(tableItems, "order", orderID); err != nil {
		return errors.Wrap(err, "delete items")
	}
	return nil
}

// Coupons.

func (t *tx) FindByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	raw, err := t.first(tableCoupons, code)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, coupon.ErrNotFound
	}
	c := *raw.(*coupon.Coupon)
	return &c, nil
}

func (t *tx) LockUsage(_ context.Context, customer, code string) (int, error) {
	raw, err := t.first(tableUsages, pairKey(customer, code))
	if err != nil || raw == nil {
		return 0, err
	}
	return raw.(*usageRow).Uses, nil
}

func (t *tx) IncrementUsage(ctx context.Context, customer, code string) error {
	uses, err := t.LockUsage(ctx, customer, code)
	if err != nil {
		return err
	}
	row := &usageRow{Key: pairKey(customer, code), Customer: customer, Code: code, Uses: uses + 1}
	return t.insert(tableUsages, row, "save usage")
}

// Outbox.

func (t *tx) AppendMessage(_ context.Context, m outbox.Message) error {
	m.ID = t.store.seq.Add(1)
	row := &messageRow{Key: messageKey(m.ID), Message: m, Status: outbox.StatusPending}
	return t.insert(tableOutbox, row, "append message")
}
