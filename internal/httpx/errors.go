package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ariefcatur/go-psp-orders/internal/fulfillment"
	"github.com/ariefcatur/go-psp-orders/internal/merchants"
	"github.com/ariefcatur/go-psp-orders/internal/orders"
	"github.com/ariefcatur/go-psp-orders/internal/psp"
)

type errorResp struct {
	Error string                             `json:"error"`
	Field string                             `json:"field,omitempty"`
	Lines []fulfillment.InventoryCheckResult `json:"lines,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError is the single mapping from domain errors to HTTP answers.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	var (
		verr *orders.ValidationError
		rerr *fulfillment.RejectedError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: verr.Reason, Field: verr.Field})
	case errors.As(err, &rerr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResp{Error: rerr.Reason(), Lines: rerr.Lines})
	case errors.Is(err, merchants.ErrNotFound),
		errors.Is(err, orders.ErrNotFound),
		errors.Is(err, psp.ErrUnknownProvider):
		writeJSON(w, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, orders.ErrConflict),
		errors.Is(err, orders.ErrIllegalTransition),
		errors.Is(err, orders.ErrDuplicate),
		errors.Is(err, fulfillment.ErrNotPaid):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error()})
	case psp.IsTransport(err):
		log.Warn("provider unavailable", "err", err)
		writeJSON(w, http.StatusBadGateway, errorResp{Error: "payment provider unavailable"})
	default:
		log.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal error"})
	}
}
