package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/kart-engine/internal/domain/auth"
	"github.com/xenking/kart-engine/internal/domain/order"
	"github.com/xenking/kart-engine/internal/domain/pricing"
	"github.com/xenking/kart-engine/internal/engine"
)

// CartService mutates open carts.
type CartService interface {
	GetOrCreateCart(ctx context.Context, customer string) (*order.Cart, error)
	AddItem(ctx context.Context, customer, productID, unitID string, qty int) (*order.Item, error)
	IncrementItem(ctx context.Context, customer, itemID string) (*order.Item, error)
	DecrementItem(ctx context.Context, customer, itemID string) (*order.Item, error)
	RemoveItem(ctx context.Context, customer, itemID string) error
}

// CouponService applies and removes cart coupons.
type CouponService interface {
	Apply(ctx context.Context, customer, code string) (*order.Cart, error)
	Remove(ctx context.Context, customer string) (*order.Cart, error)
}

// OrderService places carts.
type OrderService interface {
	Place(ctx context.Context, customer string, req engine.PlaceRequest) (*order.Cart, error)
}

// PriceService resolves active prices.
type PriceService interface {
	ResolvePrice(ctx context.Context, productID, unitID string, asOf time.Time) (pricing.Quote, error)
}

// LedgerService reads reservation counters.
type LedgerService interface {
	Snapshot(ctx context.Context, productID, unitID string) (*engine.Reservation, error)
}

// FulfillmentService reads orders and moves them after placement.
type FulfillmentService interface {
	Order(ctx context.Context, orderID string) (*order.Cart, error)
	History(ctx context.Context, customer string) ([]order.Order, error)
	Ship(ctx context.Context, orderID string) (*order.Cart, error)
	Cancel(ctx context.Context, orderID string) (*order.Cart, error)
}

// Services groups the dependencies of a Handler.
type Services struct {
	Carts       CartService
	Coupons     CouponService
	Orders      OrderService
	Prices      PriceService
	Ledger      LedgerService
	Fulfillment FulfillmentService
}

// ServicesOf exposes the components of an engine as handler services.
func ServicesOf(e *engine.Engine) Services {
	return Services{
		Carts:       e.Carts,
		Coupons:     e.Coupons,
		Orders:      e.Orders,
		Prices:      e.Prices,
		Ledger:      e.Ledger,
		Fulfillment: e.Fulfillment,
	}
}

// Handler serves the cart HTTP API.
type Handler struct {
	svc Services
	now func() time.Time
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(svc Services) *Handler {
	return &Handler{svc: svc, now: time.Now}
}

// Routes mounts the API under r. Every route requires an API key; order
// transitions additionally require the admin scope. Extra middlewares wrap
// the mutating cart routes.
func (h *Handler) Routes(r chi.Router, sec *SecurityHandler, mutating ...func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(sec.Require(auth.ScopeCart))

		r.Get("/carts/{email}", h.GetCart)
		r.Get("/prices/{productId}/{unitId}", h.GetPrice)
		r.Get("/reservations/{productId}/{unitId}", h.GetReservation)
		r.Get("/customers/{email}/orders", h.ListOrders)
		r.Get("/orders/{orderId}", h.GetOrder)

		r.Group(func(r chi.Router) {
			r.Use(mutating...)

			r.Post("/carts/{email}/items", h.AddItem)
			r.Put("/carts/{email}/items/{itemId}/increment", h.IncrementItem)
			r.Put("/carts/{email}/items/{itemId}/decrement", h.DecrementItem)
			r.Delete("/carts/{email}/items/{itemId}", h.RemoveItem)
			r.Put("/carts/{email}/coupon", h.ApplyCoupon)
			r.Delete("/carts/{email}/coupon", h.RemoveCoupon)
			r.Post("/carts/{email}/place", h.PlaceOrder)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(sec.Require(auth.ScopeAdmin))

		r.Post("/orders/{orderId}/ship", h.ShipOrder)
		r.Post("/orders/{orderId}/cancel", h.CancelOrder)
	})
}
