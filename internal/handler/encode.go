package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-engine/internal/domain/order"
	"github.com/xenking/kart-engine/internal/domain/pricing"
	"github.com/xenking/kart-engine/internal/engine"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	var e jx.Encoder
	fn(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func encodeMoney(e *jx.Encoder, d decimal.Decimal) {
	e.Raw([]byte(d.String()))
}

func encodeTime(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339))
}

func encodeItem(e *jx.Encoder, it *order.Item) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(it.ID)
	e.FieldStart("orderId")
	e.Str(it.OrderID)
	e.FieldStart("productId")
	e.Str(it.ProductID)
	e.FieldStart("unitId")
	e.Str(it.UnitID)
	e.FieldStart("quantity")
	e.Int(it.Quantity)
	e.FieldStart("unitPrice")
	encodeMoney(e, it.UnitPrice)
	e.FieldStart("lineTotal")
	encodeMoney(e, it.LineTotal)
	e.ObjEnd()
}

func encodeOrderFields(e *jx.Encoder, o *order.Order) {
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("customer")
	e.Str(o.Customer)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("subtotal")
	encodeMoney(e, o.Subtotal)
	e.FieldStart("totalPrice")
	encodeMoney(e, o.TotalPrice)
	if o.HasCoupon() {
		e.FieldStart("couponCode")
		e.Str(o.CouponCode)
		e.FieldStart("couponDiscount")
		encodeMoney(e, o.CouponDiscount)
	}
	if o.PaymentMethod != "" {
		e.FieldStart("paymentMethod")
		e.Str(string(o.PaymentMethod))
	}
	if o.ShippingAddress != "" {
		e.FieldStart("shippingAddress")
		e.Str(o.ShippingAddress)
	}
	e.FieldStart("createdAt")
	encodeTime(e, o.CreatedAt)
	e.FieldStart("updatedAt")
	encodeTime(e, o.UpdatedAt)
	if o.PlacedAt != nil {
		e.FieldStart("placedAt")
		encodeTime(e, *o.PlacedAt)
	}
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	encodeOrderFields(e, o)
	e.ObjEnd()
}

func encodeCart(e *jx.Encoder, c *order.Cart) {
	e.ObjStart()
	encodeOrderFields(e, &c.Order)
	e.FieldStart("items")
	e.ArrStart()
	for i := range c.Items {
		encodeItem(e, &c.Items[i])
	}
	e.ArrEnd()
	e.ObjEnd()
}

func encodeQuote(e *jx.Encoder, q pricing.Quote) {
	e.ObjStart()
	e.FieldStart("productId")
	e.Str(q.ProductID)
	e.FieldStart("unitId")
	e.Str(q.UnitID)
	e.FieldStart("price")
	encodeMoney(e, q.Price)
	e.FieldStart("discount")
	encodeMoney(e, q.Discount)
	e.FieldStart("effectivePrice")
	encodeMoney(e, q.Effective)
	e.FieldStart("validFrom")
	encodeTime(e, q.ValidFrom)
	e.FieldStart("validTo")
	encodeTime(e, q.ValidTo)
	e.ObjEnd()
}

func encodeReservation(e *jx.Encoder, r *engine.Reservation) {
	e.ObjStart()
	e.FieldStart("productId")
	e.Str(r.ProductID)
	e.FieldStart("unitId")
	e.Str(r.UnitID)
	e.FieldStart("onStock")
	e.Int(r.OnStock)
	e.FieldStart("tentative")
	e.Int(r.Tentative)
	e.FieldStart("committed")
	e.Int(r.Committed)
	e.FieldStart("available")
	e.Int(r.Available())
	e.ObjEnd()
}

// decodeBody reads a JSON object from r and hands every field to fn.
func decodeBody(r *http.Request, fn func(d *jx.Decoder, key string) error) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if len(body) > maxBodyBytes {
		return errors.New("request body too large")
	}
	if len(body) == 0 {
		return errors.New("request body is empty")
	}
	if err := jx.DecodeBytes(body).Obj(fn); err != nil {
		return errors.Wrap(err, "decode body")
	}
	return nil
}

// optStr reads a string field that may be null.
func optStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

type addItemRequest struct {
	ProductID string
	UnitID    string
	Quantity  int
}

func decodeAddItem(r *http.Request) (addItemRequest, error) {
	req := addItemRequest{Quantity: 1}
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "productId":
			req.ProductID, err = d.Str()
		case "unitId":
			req.UnitID, err = optStr(d)
		case "quantity":
			if d.Next() == jx.Null {
				return d.Null()
			}
			req.Quantity, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
	return req, err
}

func decodeCoupon(r *http.Request) (string, error) {
	var code string
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		if key != "code" {
			return d.Skip()
		}
		var err error
		code, err = d.Str()
		return err
	})
	return code, err
}

func decodePlace(r *http.Request) (engine.PlaceRequest, error) {
	var req engine.PlaceRequest
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "paymentMethod":
			req.PaymentMethod, err = optStr(d)
		case "shippingAddress":
			req.ShippingAddress, err = optStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return req, err
}
