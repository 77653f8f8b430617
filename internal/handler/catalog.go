package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// GetPrice resolves the price active at the "at" query parameter (RFC 3339),
// or now when it is absent.
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	at := h.now()
	if s := r.URL.Query().Get("at"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			badRequest(w, errors.Wrap(err, "parse at"))
			return
		}
		at = t
	}

	q, err := h.svc.Prices.ResolvePrice(r.Context(), chi.URLParam(r, "productId"), chi.URLParam(r, "unitId"), at)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeQuote(e, q) })
}

func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Ledger.Snapshot(r.Context(), chi.URLParam(r, "productId"), chi.URLParam(r, "unitId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeReservation(e, res) })
}
