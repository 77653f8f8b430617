package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-engine/internal/domain/auth"
	"github.com/xenking/kart-engine/internal/domain/catalog"
	"github.com/xenking/kart-engine/internal/domain/coupon"
)

const (
	upsertUnitSQL = `INSERT INTO units (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`

	upsertProductSQL = `INSERT INTO products (id, name, quantity_on_stock, reorder_threshold, basic_unit_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, quantity_on_stock = EXCLUDED.quantity_on_stock,
			reorder_threshold = EXCLUDED.reorder_threshold, basic_unit_id = EXCLUDED.basic_unit_id`

	upsertProductUnitSQL = `INSERT INTO product_units (product_id, unit_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	deletePricesSQL = `DELETE FROM price_list WHERE product_id = $1`

	upsertCouponSQL = `INSERT INTO coupons (code, name, discount, usage_limit, valid_from, valid_to)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, discount = EXCLUDED.discount,
			usage_limit = EXCLUDED.usage_limit, valid_from = EXCLUDED.valid_from, valid_to = EXCLUDED.valid_to`

	listCouponCodesSQL = `SELECT code FROM coupons`

	upsertAPIKeySQL = `INSERT INTO api_keys (id, key_hash, name, scopes, active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (id) DO UPDATE SET key_hash = EXCLUDED.key_hash, name = EXCLUDED.name,
			scopes = EXCLUDED.scopes, active = TRUE`
)

// Admin writes catalog data on behalf of catalog administration tools. The
// engine itself never writes through it.
type Admin struct {
	pool *pgxpool.Pool
}

// NewAdmin returns an Admin that uses the given pool.
func NewAdmin(pool *pgxpool.Pool) *Admin {
	return &Admin{pool: pool}
}

// UpsertUnits stores units in one batch.
func (a *Admin) UpsertUnits(ctx context.Context, units []catalog.Unit) error {
	b := &pgx.Batch{}
	for _, u := range units {
		b.Queue(upsertUnitSQL, u.ID, u.Name)
	}
	if err := a.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("upserting %d units: %w", len(units), err)
	}
	return nil
}

// UpsertProduct stores a product, the units it is sold in, and replaces
// its price list with prices, all in one transaction.
func (a *Admin) UpsertProduct(ctx context.Context, p catalog.Product, unitIDs []string, prices []catalog.PriceListEntry) error {
	return pgx.BeginFunc(ctx, a.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertProductSQL,
			p.ID, p.Name, p.QuantityOnStock, p.ReorderThreshold, p.BasicUnitID,
		); err != nil {
			return fmt.Errorf("upserting product %q: %w", p.ID, err)
		}
		for _, u := range unitIDs {
			if _, err := tx.Exec(ctx, upsertProductUnitSQL, p.ID, u); err != nil {
				return fmt.Errorf("linking product %q to unit %q: %w", p.ID, u, err)
			}
		}
		if _, err := tx.Exec(ctx, deletePricesSQL, p.ID); err != nil {
			return fmt.Errorf("clearing prices of %q: %w", p.ID, err)
		}
		if _, err := copyPrices(ctx, tx, prices); err != nil {
			return err
		}
		return nil
	})
}

// CopyPrices bulk-loads price list entries.
func (a *Admin) CopyPrices(ctx context.Context, prices []catalog.PriceListEntry) (int64, error) {
	return copyPrices(ctx, a.pool, prices)
}

type copier interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

func copyPrices(ctx context.Context, c copier, prices []catalog.PriceListEntry) (int64, error) {
	if len(prices) == 0 {
		return 0, nil
	}
	n, err := c.CopyFrom(ctx,
		pgx.Identifier{"price_list"},
		[]string{"product_id", "unit_id", "price", "discount", "valid_from", "valid_to"},
		pgx.CopyFromSlice(len(prices), func(i int) ([]any, error) {
			e := prices[i]
			return []any{e.ProductID, e.UnitID, e.Price, e.Discount, e.ValidFrom, e.ValidTo}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copying %d prices: %w", len(prices), err)
	}
	return n, nil
}

// UpsertCoupons stores coupons in one batch.
func (a *Admin) UpsertCoupons(ctx context.Context, coupons []coupon.Coupon) error {
	b := &pgx.Batch{}
	for _, c := range coupons {
		b.Queue(upsertCouponSQL, c.Code, c.Name, c.Discount, c.UsageLimit, c.ValidFrom, c.ValidTo)
	}
	if err := a.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("upserting %d coupons: %w", len(coupons), err)
	}
	return nil
}

// CouponCodes lists every stored coupon code.
func (a *Admin) CouponCodes(ctx context.Context) ([]string, error) {
	rows, err := a.pool.Query(ctx, listCouponCodesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing coupon codes: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// UpsertAPIKey stores an API key by its hash.
func (a *Admin) UpsertAPIKey(ctx context.Context, k auth.APIKeyInfo) error {
	if _, err := a.pool.Exec(ctx, upsertAPIKeySQL, k.ID, k.KeyHash, k.Name, k.Scopes); err != nil {
		if isViolation(err, uniqueViolation) {
			return fmt.Errorf("api key %q: hash already registered under another id: %w", k.ID, err)
		}
		return fmt.Errorf("upserting api key %q: %w", k.ID, err)
	}
	return nil
}
