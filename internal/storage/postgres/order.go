package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-engine/internal/domain/catalog"
	"github.com/xenking/kart-engine/internal/domain/order"
)

const orderColumns = `id, customer_email, status, subtotal, total_price, coupon_code, coupon_discount,
	payment_method, shipping_address, created_at, updated_at, placed_at`

const itemColumns = `id, order_id, product_id, unit_id, quantity, unit_price, line_total, created_at`

const (
	insertCartSQL = `INSERT INTO orders (id, customer_email, status, subtotal, total_price, coupon_discount, created_at, updated_at)
		VALUES ($1, $2, 'CART', $3, $4, 0, $5, $6)
		ON CONFLICT (customer_email) WHERE status = 'CART' DO NOTHING`

	findCartSQL = `SELECT ` + orderColumns + ` FROM orders WHERE customer_email = $1 AND status = 'CART'`

	lockCartSQL = findCartSQL + ` FOR UPDATE`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	lockOrderSQL = getOrderSQL + ` FOR UPDATE`

	updateOrderSQL = `UPDATE orders SET status = $2, subtotal = $3, total_price = $4, coupon_code = $5,
		coupon_discount = $6, payment_method = $7, shipping_address = $8, updated_at = $9, placed_at = $10
		WHERE id = $1`

	listOrdersByCustomerSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE customer_email = $1 ORDER BY created_at DESC, id`

	listStaleCartsSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE status = 'CART' AND updated_at < $1 ORDER BY updated_at LIMIT $2`

	listItemsSQL = `SELECT ` + itemColumns + ` FROM order_items WHERE order_id = $1 ORDER BY created_at, id`

	getItemSQL = `SELECT ` + itemColumns + ` FROM order_items WHERE id = $1`

	getItemByKeySQL = `SELECT ` + itemColumns + ` FROM order_items
		WHERE order_id = $1 AND product_id = $2 AND unit_id = $3`

	insertItemSQL = `INSERT INTO order_items (` + itemColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	updateItemSQL = `UPDATE order_items SET quantity = $2, unit_price = $3, line_total = $4 WHERE id = $1`

	deleteItemSQL = `DELETE FROM order_items WHERE id = $1`

	deleteItemsSQL = `DELETE FROM order_items WHERE order_id = $1`
)

func (t *tx) InsertCart(ctx context.Context, o *order.Order) (bool, error) {
	tag, err := t.tx.Exec(ctx, insertCartSQL, o.ID, o.Customer, o.Subtotal, o.TotalPrice, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("inserting cart for %q: %w", o.Customer, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) FindCart(ctx context.Context, customer string) (*order.Order, error) {
	return t.queryOrder(ctx, order.ErrCartNotFound, findCartSQL, customer)
}

func (t *tx) LockCart(ctx context.Context, customer string) (*order.Order, error) {
	return t.queryOrder(ctx, order.ErrCartNotFound, lockCartSQL, customer)
}

func (t *tx) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return t.queryOrder(ctx, order.ErrOrderNotFound, getOrderSQL, id)
}

func (t *tx) LockOrder(ctx context.Context, id string) (*order.Order, error) {
	return t.queryOrder(ctx, order.ErrOrderNotFound, lockOrderSQL, id)
}

func (t *tx) queryOrder(ctx context.Context, notFound error, sql string, arg string) (*order.Order, error) {
	rows, err := t.tx.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", arg, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound
		}
		return nil, fmt.Errorf("getting order %q: %w", arg, err)
	}
	return &o, nil
}

func (t *tx) UpdateOrder(ctx context.Context, o *order.Order) error {
	tag, err := t.tx.Exec(ctx, updateOrderSQL,
		o.ID, string(o.Status), o.Subtotal, o.TotalPrice, nullString(o.CouponCode),
		o.CouponDiscount, nullString(string(o.PaymentMethod)), nullString(o.ShippingAddress),
		o.UpdatedAt, o.PlacedAt,
	)
	if err != nil {
		return fmt.Errorf("updating order %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrOrderNotFound
	}
	return nil
}

func (t *tx) ListByCustomer(ctx context.Context, customer string) ([]order.Order, error) {
	rows, err := t.tx.Query(ctx, listOrdersByCustomerSQL, customer)
	if err != nil {
		return nil, fmt.Errorf("listing orders of %q: %w", customer, err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

func (t *tx) StaleCarts(ctx context.Context, before time.Time, limit int) ([]order.Order, error) {
	rows, err := t.tx.Query(ctx, listStaleCartsSQL, before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale carts: %w", err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

func (t *tx) Items(ctx context.Context, orderID string) ([]order.Item, error) {
	rows, err := t.tx.Query(ctx, listItemsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing items of %q: %w", orderID, err)
	}
	return pgx.CollectRows(rows, scanItem)
}

func (t *tx) ItemByID(ctx context.Context, id string) (*order.Item, error) {
	return t.queryItem(ctx, getItemSQL, id)
}

func (t *tx) ItemByKey(ctx context.Context, orderID, productID, unitID string) (*order.Item, error) {
	return t.queryItem(ctx, getItemByKeySQL, orderID, productID, unitID)
}

func (t *tx) queryItem(ctx context.Context, sql string, args ...any) (*order.Item, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	it, err := pgx.CollectExactlyOneRow(rows, scanItem)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrItemNotFound
		}
		return nil, fmt.Errorf("getting item: %w", err)
	}
	return &it, nil
}

func (t *tx) InsertItem(ctx context.Context, it *order.Item) error {
	_, err := t.tx.Exec(ctx, insertItemSQL,
		it.ID, it.OrderID, it.ProductID, it.UnitID, it.Quantity, it.UnitPrice, it.LineTotal, it.CreatedAt,
	)
	if err != nil {
		if isViolation(err, foreignKeyViolation) {
			return &catalog.NotFoundError{ProductID: it.ProductID, UnitID: it.UnitID}
		}
		return fmt.Errorf("inserting item %q: %w", it.ID, err)
	}
	return nil
}

func (t *tx) UpdateItem(ctx context.Context, it *order.Item) error {
	tag, err := t.tx.Exec(ctx, updateItemSQL, it.ID, it.Quantity, it.UnitPrice, it.LineTotal)
	if err != nil {
		return fmt.Errorf("updating item %q: %w", it.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrItemNotFound
	}
	return nil
}

func (t *tx) DeleteItem(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, deleteItemSQL, id)
	if err != nil {
		return fmt.Errorf("deleting item %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrItemNotFound
	}
	return nil
}

func (t *tx) DeleteItems(ctx context.Context, orderID string) error {
	if _, err := t.tx.Exec(ctx, deleteItemsSQL, orderID); err != nil {
		return fmt.Errorf("deleting items of %q: %w", orderID, err)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                       order.Order
		status                  string
		coupon, method, address *string
	)
	err := row.Scan(
		&o.ID, &o.Customer, &status, &o.Subtotal, &o.TotalPrice, &coupon, &o.CouponDiscount,
		&method, &address, &o.CreatedAt, &o.UpdatedAt, &o.PlacedAt,
	)
	o.Status = order.Status(status)
	o.CouponCode = deref(coupon)
	o.PaymentMethod = order.PaymentMethod(deref(method))
	o.ShippingAddress = deref(address)
	return o, err
}

func scanItem(row pgx.CollectableRow) (order.Item, error) {
	var it order.Item
	err := row.Scan(
		&it.ID, &it.OrderID, &it.ProductID, &it.UnitID, &it.Quantity, &it.UnitPrice, &it.LineTotal, &it.CreatedAt,
	)
	return it, err
}
