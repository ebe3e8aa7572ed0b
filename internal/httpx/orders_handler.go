package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ariefcatur/go-psp-orders/internal/checkout"
	"github.com/ariefcatur/go-psp-orders/internal/fulfillment"
	"github.com/ariefcatur/go-psp-orders/internal/orders"
	"github.com/go-chi/chi/v5"
)

const maxStatsWindow = 30 * 24 * time.Hour

type OrdersHandler struct {
	Checkout    *checkout.Service
	Fulfillment *fulfillment.Service
	Log         *slog.Logger
}

type createOrderResp struct {
	*orders.Order
	ClientSecret string `json:"client_secret,omitempty"`
	RedirectURL  string `json:"redirect_url,omitempty"`
	Idempotent   bool   `json:"idempotent"`
	Error        string `json:"error,omitempty"`
}

type confirmReq struct {
	OrderID       string `json:"order_id"`
	PaymentMethod string `json:"payment_method"`
}

type confirmResp struct {
	OrderID       string               `json:"order_id"`
	Status        orders.Status        `json:"status"`
	PaymentStatus orders.PaymentStatus `json:"payment_status"`
	FailureReason string               `json:"failure_reason,omitempty"`
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders/create", h.createOrder)
	r.Post("/orders/payment/confirm", h.confirmPayment)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/attempts", h.listAttempts)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/fulfill", h.fulfillOrder)
	r.Get("/psp/stats", h.providerStats)
}

func (h *OrdersHandler) log() *slog.Logger {
	if h.Log == nil {
		return slog.Default()
	}
	return h.Log
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var in orders.NewOrderInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json"})
		return
	}
	in.IdempotencyKey = r.Header.Get("Idempotency-Key")

	res, err := h.Checkout.CreateOrder(r.Context(), in, traceID(r))
	if err != nil {
		writeError(w, h.log(), err)
		return
	}

	resp := createOrderResp{
		Order:        res.Order,
		ClientSecret: res.ClientSecret,
		RedirectURL:  res.RedirectURL,
		Idempotent:   res.Replayed,
	}
	switch {
	case res.Replayed:
		writeJSON(w, http.StatusOK, resp)
	case res.PaymentFailed():
		resp.Error = res.Order.FailureReason
		writeJSON(w, http.StatusPaymentRequired, resp)
	default:
		writeJSON(w, http.StatusCreated, resp)
	}
}

func (h *OrdersHandler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json"})
		return
	}
	if req.OrderID == "" {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "order_id is required", Field: "order_id"})
		return
	}

	o, err := h.Checkout.ConfirmPayment(r.Context(), req.OrderID, req.PaymentMethod, traceID(r))
	if err != nil && !(errors.Is(err, orders.ErrAlreadyInState) && o != nil) {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, confirmResp{
		OrderID:       o.ID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		FailureReason: o.FailureReason,
	})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Checkout.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) listAttempts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	attempts, err := h.Checkout.Attempts(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	if attempts == nil {
		attempts = []orders.PaymentAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": chi.URLParam(r, "id"), "attempts": attempts})
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json"})
			return
		}
	}
	o, err := h.Checkout.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, traceID(r))
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) fulfillOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Fulfillment.Fulfill(r.Context(), chi.URLParam(r, "id"), traceID(r))
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) providerStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 || d > maxStatsWindow {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: "window must be a positive duration up to 720h", Field: "window"})
			return
		}
		window = d
	}

	stats, err := h.Checkout.ProviderStats(r.Context(), window)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	if stats == nil {
		stats = []orders.ProviderStat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"window": window.String(), "providers": stats})
}
