package coupon

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository provides coupon lookup and per-customer usage counters.
// LockUsage must hold the (customer, code) counter until the surrounding
// transaction ends.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	LockUsage(ctx context.Context, customer, code string) (int, error)
	IncrementUsage(ctx context.Context, customer, code string) error
}

// Validator checks a coupon against the clock, the customer's usage count
// and the cart it is applied to.
type Validator struct {
	now func() time.Time
}

// NewValidator creates a Validator using the wall clock.
func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

// NewValidatorWithClock creates a Validator reading time from now.
func NewValidatorWithClock(now func() time.Time) *Validator {
	return &Validator{now: now}
}

// Validate runs the checks in order and returns the first failure: the
// validity window, then the usage limit, then whether the cart already
// carries a coupon (appliedCode non-empty).
func (v *Validator) Validate(c *Coupon, uses int, appliedCode string) error {
	now := v.now()

	if now.Before(c.ValidFrom) {
		return &InvalidCouponError{Code: c.Code, Reason: ReasonNotYetActive}
	}
	if !now.Before(c.ValidTo) {
		return &InvalidCouponError{Code: c.Code, Reason: ReasonExpired}
	}

	if c.UsageLimit > 0 && uses >= c.UsageLimit {
		return &InvalidCouponError{Code: c.Code, Reason: ReasonUsageLimitExceeded, Limit: c.UsageLimit}
	}

	if appliedCode != "" {
		return &InvalidCouponError{Code: c.Code, Reason: ReasonAlreadyApplied}
	}

	return nil
}

// Discounted returns base reduced by the fractional discount, rounded to
// cents and floored at zero.
func Discounted(base, discount decimal.Decimal) decimal.Decimal {
	total := base.Mul(decimal.NewFromInt(1).Sub(discount)).Round(2)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}
