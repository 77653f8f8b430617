package order

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusCart      Status = "CART"
	StatusPlaced    Status = "PLACED"
	StatusShipped   Status = "SHIPPED"
	StatusCancelled Status = "CANCELLED"
)

// PaymentMethod is how a placed order will be paid.
type PaymentMethod string

const (
	PaymentCash PaymentMethod = "CASH"
	PaymentCard PaymentMethod = "CARD"
)

// ParsePaymentMethod accepts CASH or CARD in any case.
func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	switch m := PaymentMethod(strings.ToUpper(strings.TrimSpace(s))); m {
	case PaymentCash, PaymentCard:
		return m, true
	default:
		return "", false
	}
}

var (
	// ErrCartNotFound is returned when the customer has no open cart.
	ErrCartNotFound = errors.New("cart not found")
	// ErrItemNotFound is returned when an item does not exist in the
	// customer's open cart.
	ErrItemNotFound = errors.New("cart item not found")
	// ErrOrderNotFound is returned when no order has the given ID.
	ErrOrderNotFound = errors.New("order not found")
)

// MaxQuantity bounds the quantity of one cart line. Quantities are stored
// as INTEGER.
const MaxQuantity = math.MaxInt32

// ValidationError reports a rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Order is a customer's cart or a placed order.
type Order struct {
	ID       string
	Customer string
	Status   Status
	// Subtotal is the sum of line totals without the coupon.
	Subtotal   decimal.Decimal
	TotalPrice decimal.Decimal
	CouponCode string
	// CouponDiscount is the coupon's fraction, captured when it was applied.
	CouponDiscount  decimal.Decimal
	PaymentMethod   PaymentMethod
	ShippingAddress string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PlacedAt        *time.Time
}

// HasCoupon reports whether a coupon is applied.
func (o *Order) HasCoupon() bool {
	return o.CouponCode != ""
}

// Item is a line in an order. Quantity is always positive while persisted.
type Item struct {
	ID        string
	OrderID   string
	ProductID string
	UnitID    string
	Quantity  int
	// UnitPrice and LineTotal are the last quote taken for this line.
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
	CreatedAt time.Time
}

// Cart is an order together with its items.
type Cart struct {
	Order
	Items []Item
}

// Repository persists orders and their items. Lock* methods hold a row lock
// until the surrounding transaction ends.
type Repository interface {
	// InsertCart creates o unless the customer already has a CART order.
	InsertCart(ctx context.Context, o *Order) (bool, error)
	FindCart(ctx context.Context, customer string) (*Order, error)
	LockCart(ctx context.Context, customer string) (*Order, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	LockOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error
	ListByCustomer(ctx context.Context, customer string) ([]Order, error)
	// StaleCarts lists CART orders last updated before the cutoff.
	StaleCarts(ctx context.Context, before time.Time, limit int) ([]Order, error)

	Items(ctx context.Context, orderID string) ([]Item, error)
	ItemByID(ctx context.Context, id string) (*Item, error)
	ItemByKey(ctx context.Context, orderID, productID, unitID string) (*Item, error)
	InsertItem(ctx context.Context, it *Item) error
	UpdateItem(ctx context.Context, it *Item) error
	DeleteItem(ctx context.Context, id string) error
	DeleteItems(ctx context.Context, orderID string) error
}
