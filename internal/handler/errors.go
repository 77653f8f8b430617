package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-engine/internal/domain/catalog"
	"github.com/xenking/kart-engine/internal/domain/coupon"
	"github.com/xenking/kart-engine/internal/domain/order"
	"github.com/xenking/kart-engine/internal/domain/pricing"
	"github.com/xenking/kart-engine/internal/engine"
)

// writeProblem writes {"code", "error", "message"} plus any details.
func writeProblem(w http.ResponseWriter, status int, kind, msg string, details func(e *jx.Encoder)) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("error")
		e.Str(kind)
		e.FieldStart("message")
		e.Str(msg)
		if details != nil {
			details(e)
		}
		e.ObjEnd()
	})
}

func badRequest(w http.ResponseWriter, err error) {
	writeProblem(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
}

// writeError maps domain errors to HTTP responses. Unknown errors are logged
// and reported as a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var oos *engine.OutOfStockError
	if errors.As(err, &oos) {
		writeProblem(w, http.StatusConflict, "out_of_stock", oos.Error(), func(e *jx.Encoder) {
			e.FieldStart("productId")
			e.Str(oos.ProductID)
			e.FieldStart("unitId")
			e.Str(oos.UnitID)
			e.FieldStart("requested")
			e.Int(oos.Requested)
			e.FieldStart("available")
			e.Int(oos.Available)
		})
		return
	}

	var ic *coupon.InvalidCouponError
	if errors.As(err, &ic) {
		writeProblem(w, http.StatusBadRequest, "invalid_coupon", ic.Error(), func(e *jx.Encoder) {
			e.FieldStart("reason")
			e.Str(string(ic.Reason))
		})
		return
	}

	var ve *order.ValidationError
	if errors.As(err, &ve) {
		writeProblem(w, http.StatusBadRequest, "validation", ve.Error(), func(e *jx.Encoder) {
			e.FieldStart("field")
			e.Str(ve.Field)
		})
		return
	}

	var te *order.TransitionError
	if errors.As(err, &te) {
		writeProblem(w, http.StatusConflict, "invalid_transition", te.Error(), func(e *jx.Encoder) {
			e.FieldStart("status")
			e.Str(string(te.From))
		})
		return
	}

	switch {
	case errors.Is(err, pricing.ErrPriceUnavailable):
		writeProblem(w, http.StatusNotFound, "price_unavailable", err.Error(), nil)
		return
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, order.ErrCartNotFound),
		errors.Is(err, order.ErrItemNotFound),
		errors.Is(err, order.ErrOrderNotFound):
		writeProblem(w, http.StatusNotFound, "not_found", err.Error(), nil)
		return
	}

	lg := zctx.From(r.Context())
	var transient *engine.TransientError
	if errors.As(err, &transient) {
		lg.Warn("Store unavailable", zap.String("op", transient.Op), zap.Error(err))
		w.Header().Set("Retry-After", "1")
		writeProblem(w, http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable", nil)
		return
	}

	lg.Error("Request failed", zap.Error(err))
	writeProblem(w, http.StatusInternalServerError, "internal", "internal error", nil)
}
