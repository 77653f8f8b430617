package engine

import (
	"context"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-engine/internal/domain/order"
	"github.com/xenking/kart-engine/internal/outbox"
)

// Event types written to the outbox.
const (
	EventOrderPlaced    = "order.placed"
	EventOrderShipped   = "order.shipped"
	EventOrderCancelled = "order.cancelled"
	EventCouponApplied  = "coupon.applied"
	EventStockLow       = "stock.low"
)

// eventPayload is an outbox message body.
type eventPayload interface {
	Encode(e *jx.Encoder)
}

type orderEvent struct {
	OrderID       string
	Customer      string
	Status        order.Status
	TotalPrice    decimal.Decimal
	CouponCode    string
	PaymentMethod string
	Items         []order.Item
	OccurredAt    time.Time
}

func (ev orderEvent) Encode(e *jx.Encoder) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("orderId", func(e *jx.Encoder) { e.Str(ev.OrderID) })
		e.Field("customer", func(e *jx.Encoder) { e.Str(ev.Customer) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(ev.Status)) })
		e.Field("totalPrice", func(e *jx.Encoder) { encodeDecimal(e, ev.TotalPrice) })
		if ev.CouponCode != "" {
			e.Field("couponCode", func(e *jx.Encoder) { e.Str(ev.CouponCode) })
		}
		if ev.PaymentMethod != "" {
			e.Field("paymentMethod", func(e *jx.Encoder) { e.Str(ev.PaymentMethod) })
		}
		if len(ev.Items) > 0 {
			e.Field("items", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, it := range ev.Items {
						e.Obj(func(e *jx.Encoder) {
							e.Field("productId", func(e *jx.Encoder) { e.Str(it.ProductID) })
							e.Field("unitId", func(e *jx.Encoder) { e.Str(it.UnitID) })
							e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
						})
					}
				})
			})
		}
		e.Field("occurredAt", func(e *jx.Encoder) { encodeTime(e, ev.OccurredAt) })
	})
}

type couponEvent struct {
	OrderID    string
	Customer   string
	Code       string
	Discount   decimal.Decimal
	Uses       int
	OccurredAt time.Time
}

func (ev couponEvent) Encode(e *jx.Encoder) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("orderId", func(e *jx.Encoder) { e.Str(ev.OrderID) })
		e.Field("customer", func(e *jx.Encoder) { e.Str(ev.Customer) })
		e.Field("code", func(e *jx.Encoder) { e.Str(ev.Code) })
		e.Field("discount", func(e *jx.Encoder) { encodeDecimal(e, ev.Discount) })
		e.Field("uses", func(e *jx.Encoder) { e.Int(ev.Uses) })
		e.Field("occurredAt", func(e *jx.Encoder) { encodeTime(e, ev.OccurredAt) })
	})
}

type stockEvent struct {
	ProductID        string
	UnitID           string
	Available        int
	ReorderThreshold int
	OccurredAt       time.Time
}

func (ev stockEvent) Encode(e *jx.Encoder) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("productId", func(e *jx.Encoder) { e.Str(ev.ProductID) })
		e.Field("unitId", func(e *jx.Encoder) { e.Str(ev.UnitID) })
		e.Field("available", func(e *jx.Encoder) { e.Int(ev.Available) })
		e.Field("reorderThreshold", func(e *jx.Encoder) { e.Int(ev.ReorderThreshold) })
		e.Field("occurredAt", func(e *jx.Encoder) { encodeTime(e, ev.OccurredAt) })
	})
}

// Decimals are written as JSON strings so consumers keep exact values.
func encodeDecimal(e *jx.Encoder, d decimal.Decimal) {
	e.Str(d.String())
}

func encodeTime(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

func (e *Engine) emit(ctx context.Context, tx Tx, typ, key string, payload eventPayload) error {
	var enc jx.Encoder
	payload.Encode(&enc)
	return tx.AppendMessage(ctx, outbox.Message{
		Type:      typ,
		Key:       key,
		Payload:   enc.Bytes(),
		Headers:   outbox.TraceHeaders(ctx),
		CreatedAt: e.clock(),
	})
}

func (e *Engine) emitOrder(ctx context.Context, tx Tx, typ string, o *order.Order, items []order.Item) error {
	ev := orderEvent{
		OrderID:       o.ID,
		Customer:      o.Customer,
		Status:        o.Status,
		TotalPrice:    o.TotalPrice,
		CouponCode:    o.CouponCode,
		PaymentMethod: string(o.PaymentMethod),
		Items:         items,
		OccurredAt:    e.clock(),
	}
	return e.emit(ctx, tx, typ, o.ID, ev)
}
