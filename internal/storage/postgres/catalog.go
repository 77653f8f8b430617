package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-engine/internal/domain/catalog"
	"github.com/xenking/kart-engine/internal/engine"
)

const (
	getProductSQL = `SELECT id, name, quantity_on_stock, reorder_threshold, basic_unit_id
		FROM products WHERE id = $1`

	getProductUnitSQL = `SELECT u.id, u.name
		FROM product_units pu JOIN units u ON u.id = pu.unit_id
		WHERE pu.product_id = $1 AND pu.unit_id = $2`

	listPriceEntriesSQL = `SELECT id, product_id, unit_id, price, discount, valid_from, valid_to
		FROM price_list WHERE product_id = $1 AND unit_id = $2`

	getReservationSQL = `SELECT p.quantity_on_stock, p.reorder_threshold,
		COALESCE(r.tentative, 0), COALESCE(r.committed, 0)
		FROM products p
		LEFT JOIN reservations r ON r.product_id = p.id AND r.unit_id = $2
		WHERE p.id = $1`

	ensureReservationSQL = `INSERT INTO reservations (product_id, unit_id) VALUES ($1, $2)
		ON CONFLICT (product_id, unit_id) DO NOTHING`

	lockReservationSQL = `SELECT tentative, committed FROM reservations
		WHERE product_id = $1 AND unit_id = $2 FOR UPDATE`

	getStockSQL = `SELECT quantity_on_stock, reorder_threshold FROM products WHERE id = $1`

	saveReservationSQL = `UPDATE reservations SET tentative = $3, committed = $4
		WHERE product_id = $1 AND unit_id = $2`

	adjustStockSQL = `UPDATE products SET quantity_on_stock = quantity_on_stock + $2 WHERE id = $1`
)

// tx implements engine.Tx on a pgx transaction.
type tx struct {
	tx pgx.Tx
}

var _ engine.Tx = (*tx)(nil)

func (t *tx) Product(ctx context.Context, id string) (*catalog.Product, error) {
	rows, err := t.tx.Query(ctx, getProductSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &catalog.NotFoundError{ProductID: id}
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

func (t *tx) Unit(ctx context.Context, productID, unitID string) (*catalog.Unit, error) {
	if _, err := t.Product(ctx, productID); err != nil {
		return nil, err
	}
	var u catalog.Unit
	err := t.tx.QueryRow(ctx, getProductUnitSQL, productID, unitID).Scan(&u.ID, &u.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &catalog.NotFoundError{ProductID: productID, UnitID: unitID}
		}
		return nil, fmt.Errorf("getting unit %q of product %q: %w", unitID, productID, err)
	}
	return &u, nil
}

func (t *tx) PriceEntries(ctx context.Context, productID, unitID string) ([]catalog.PriceListEntry, error) {
	rows, err := t.tx.Query(ctx, listPriceEntriesSQL, productID, unitID)
	if err != nil {
		return nil, fmt.Errorf("listing prices of %s/%s: %w", productID, unitID, err)
	}
	return pgx.CollectRows(rows, scanPriceEntry)
}

func (t *tx) GetReservation(ctx context.Context, productID, unitID string) (*engine.Reservation, error) {
	r := &engine.Reservation{ProductID: productID, UnitID: unitID}
	err := t.tx.QueryRow(ctx, getReservationSQL, productID, unitID).Scan(
		&r.OnStock, &r.ReorderThreshold, &r.Tentative, &r.Committed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &catalog.NotFoundError{ProductID: productID}
		}
		return nil, fmt.Errorf("getting reservation %s/%s: %w", productID, unitID, err)
	}
	return r, nil
}

func (t *tx) LockReservation(ctx context.Context, productID, unitID string) (*engine.Reservation, error) {
	if _, err := t.tx.Exec(ctx, ensureReservationSQL, productID, unitID); err != nil {
		if isViolation(err, foreignKeyViolation) {
			return nil, &catalog.NotFoundError{ProductID: productID, UnitID: unitID}
		}
		return nil, fmt.Errorf("creating reservation %s/%s: %w", productID, unitID, err)
	}

	r := &engine.Reservation{ProductID: productID, UnitID: unitID}
	if err := t.tx.QueryRow(ctx, lockReservationSQL, productID, unitID).Scan(&r.Tentative, &r.Committed); err != nil {
		return nil, fmt.Errorf("locking reservation %s/%s: %w", productID, unitID, err)
	}
	// Read stock after the lock so a concurrent shipment is visible.
	if err := t.tx.QueryRow(ctx, getStockSQL, productID).Scan(&r.OnStock, &r.ReorderThreshold); err != nil {
		return nil, fmt.Errorf("getting stock of %q: %w", productID, err)
	}
	return r, nil
}

func (t *tx) SaveReservation(ctx context.Context, r *engine.Reservation) error {
	_, err := t.tx.Exec(ctx, saveReservationSQL, r.ProductID, r.UnitID, r.Tentative, r.Committed)
	if err != nil {
		return fmt.Errorf("saving reservation %s/%s: %w", r.ProductID, r.UnitID, err)
	}
	return nil
}

func (t *tx) AdjustStock(ctx context.Context, productID string, delta int) error {
	tag, err := t.tx.Exec(ctx, adjustStockSQL, productID, delta)
	if err != nil {
		return fmt.Errorf("adjusting stock of %q: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		return &catalog.NotFoundError{ProductID: productID}
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (catalog.Product, error) {
	var p catalog.Product
	err := row.Scan(&p.ID, &p.Name, &p.QuantityOnStock, &p.ReorderThreshold, &p.BasicUnitID)
	return p, err
}

func scanPriceEntry(row pgx.CollectableRow) (catalog.PriceListEntry, error) {
	var e catalog.PriceListEntry
	err := row.Scan(&e.ID, &e.ProductID, &e.UnitID, &e.Price, &e.Discount, &e.ValidFrom, &e.ValidTo)
	return e, err
}
