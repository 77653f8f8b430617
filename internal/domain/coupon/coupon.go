package coupon

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// MaxCodeLen is the longest accepted coupon code.
const MaxCodeLen = 20

// Reason explains why a coupon was rejected.
type Reason string

const (
	ReasonMalformed          Reason = "malformed"
	ReasonNotFound           Reason = "not_found"
	ReasonNotYetActive       Reason = "not_yet_active"
	ReasonExpired            Reason = "expired"
	ReasonUsageLimitExceeded Reason = "usage_limit_exceeded"
	ReasonAlreadyApplied     Reason = "already_applied"
)

var (
	// ErrInvalidCoupon matches every InvalidCouponError.
	ErrInvalidCoupon = errors.New("invalid coupon")
	// ErrNotFound is returned by repositories when no coupon has the code.
	ErrNotFound = errors.New("coupon not found")
)

// InvalidCouponError is returned when a coupon cannot be applied.
type InvalidCouponError struct {
	Code   string
	Reason Reason
	// Limit is set for ReasonUsageLimitExceeded.
	Limit int
}

func (e *InvalidCouponError) Error() string {
	switch e.Reason {
	case ReasonUsageLimitExceeded:
		return fmt.Sprintf("coupon %s: usage limit of %d reached", e.Code, e.Limit)
	case ReasonAlreadyApplied:
		return fmt.Sprintf("coupon %s: cart already carries a coupon", e.Code)
	default:
		return fmt.Sprintf("coupon %s: %s", e.Code, strings.ReplaceAll(string(e.Reason), "_", " "))
	}
}

func (e *InvalidCouponError) Is(target error) bool {
	return target == ErrInvalidCoupon
}

// Coupon is a percentage discount with a validity window and a per-customer
// usage limit.
type Coupon struct {
	Code string
	Name string
	// Discount is a fraction in [0, 1].
	Discount decimal.Decimal
	// UsageLimit is the number of applications allowed per customer. Zero
	// means unlimited.
	UsageLimit int
	ValidFrom  time.Time
	ValidTo    time.Time
}

// NormalizeCode trims and upper-cases a code and checks its format.
func NormalizeCode(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" || len(c) > MaxCodeLen {
		return c, &InvalidCouponError{Code: c, Reason: ReasonMalformed}
	}
	for i := range len(c) {
		ch := c[i]
		if (ch < 'A' || ch > 'Z') && (ch < '0' || ch > '9') {
			return c, &InvalidCouponError{Code: c, Reason: ReasonMalformed}
		}
	}
	return c, nil
}
