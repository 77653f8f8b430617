package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-engine/internal/domain/coupon"
)

const (
	getCouponByCodeSQL = `SELECT code, name, discount, usage_limit, valid_from, valid_to
		FROM coupons WHERE code = $1`

	ensureCouponUsageSQL = `INSERT INTO coupon_usages (customer_email, code) VALUES ($1, $2)
		ON CONFLICT (customer_email, code) DO NOTHING`

	lockCouponUsageSQL = `SELECT uses FROM coupon_usages
		WHERE customer_email = $1 AND code = $2 FOR UPDATE`

	incrementCouponUsageSQL = `INSERT INTO coupon_usages (customer_email, code, uses) VALUES ($1, $2, 1)
		ON CONFLICT (customer_email, code) DO UPDATE SET uses = coupon_usages.uses + 1`
)

// FindByCode looks up a coupon by its normalized code.
func (t *tx) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := t.tx.Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	return &c, nil
}

// LockUsage locks the customer's usage row for code, creating it at zero.
func (t *tx) LockUsage(ctx context.Context, customer, code string) (int, error) {
	if _, err := t.tx.Exec(ctx, ensureCouponUsageSQL, customer, code); err != nil {
		if isViolation(err, foreignKeyViolation) {
			return 0, coupon.ErrNotFound
		}
		return 0, fmt.Errorf("creating usage of %q for %q: %w", code, customer, err)
	}
	var uses int
	if err := t.tx.QueryRow(ctx, lockCouponUsageSQL, customer, code).Scan(&uses); err != nil {
		return 0, fmt.Errorf("locking usage of %q for %q: %w", code, customer, err)
	}
	return uses, nil
}

func (t *tx) IncrementUsage(ctx context.Context, customer, code string) error {
	if _, err := t.tx.Exec(ctx, incrementCouponUsageSQL, customer, code); err != nil {
		return fmt.Errorf("incrementing usage of %q for %q: %w", code, customer, err)
	}
	return nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var c coupon.Coupon
	err := row.Scan(&c.Code, &c.Name, &c.Discount, &c.UsageLimit, &c.ValidFrom, &c.ValidTo)
	return c, err
}
