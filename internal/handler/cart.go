package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-engine/internal/domain/order"
)

// GetCart returns the customer's open cart, creating it on first access.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	cart, err := h.svc.Carts.GetOrCreateCart(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCart(e, cart) })
}

// AddItem reserves stock and adds a line to the cart. A missing quantity
// defaults to one and a missing unit to the product's basic unit.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAddItem(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	if req.ProductID == "" {
		writeError(w, r, &order.ValidationError{Field: "productId", Reason: "is required"})
		return
	}

	it, err := h.svc.Carts.AddItem(r.Context(), chi.URLParam(r, "email"), req.ProductID, req.UnitID, req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeItem(e, it) })
}

func (h *Handler) IncrementItem(w http.ResponseWriter, r *http.Request) {
	it, err := h.svc.Carts.IncrementItem(r.Context(), chi.URLParam(r, "email"), chi.URLParam(r, "itemId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeItem(e, it) })
}

// DecrementItem returns the item with quantity 0 once the line is gone.
func (h *Handler) DecrementItem(w http.ResponseWriter, r *http.Request) {
	it, err := h.svc.Carts.DecrementItem(r.Context(), chi.URLParam(r, "email"), chi.URLParam(r, "itemId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeItem(e, it) })
}

func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Carts.RemoveItem(r.Context(), chi.URLParam(r, "email"), chi.URLParam(r, "itemId")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	code, err := decodeCoupon(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	cart, err := h.svc.Coupons.Apply(r.Context(), chi.URLParam(r, "email"), code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCart(e, cart) })
}

func (h *Handler) RemoveCoupon(w http.ResponseWriter, r *http.Request) {
	cart, err := h.svc.Coupons.Remove(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCart(e, cart) })
}
