package httpx

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ariefcatur/go-psp-orders/internal/psp"
	"github.com/ariefcatur/go-psp-orders/internal/reconcile"
	"github.com/go-chi/chi/v5"
)

const maxWebhookBody = 1 << 20

type WebhooksHandler struct {
	Reconciler *reconcile.Reconciler
	Registry   *psp.Registry
	Log        *slog.Logger
}

// unverifiedStatus is what each provider expects back for a callback we
// refuse; anything not listed gets 401.
var unverifiedStatus = map[string]int{
	psp.ProviderStripe: http.StatusBadRequest,
}

func (h *WebhooksHandler) Register(r chi.Router) {
	r.Post("/webhooks/storefront", h.storefront)
	r.Post("/webhooks/{provider}", h.payment)
}

func (h *WebhooksHandler) log() *slog.Logger {
	if h.Log == nil {
		return slog.Default()
	}
	return h.Log
}

func (h *WebhooksHandler) payment(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	p, err := h.Registry.Get(provider)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "unreadable body"})
		return
	}

	out, err := h.Reconciler.HandlePayment(r.Context(), provider, r.Header, body)
	if errors.Is(err, reconcile.ErrUnverified) {
		code, ok := unverifiedStatus[provider]
		if !ok {
			code = http.StatusUnauthorized
		}
		writeJSON(w, code, errorResp{Error: "signature verification failed"})
		return
	}
	if err != nil {
		// non-2xx makes the provider redeliver
		writeError(w, h.log(), err)
		return
	}

	h.log().Info("webhook handled", "provider", provider, "outcome", string(out))
	ct, ack := p.Ack()
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ack)
}

func (h *WebhooksHandler) storefront(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "unreadable body"})
		return
	}
	out, err := h.Reconciler.HandleStorefront(r.Context(), r.Header, body)
	if errors.Is(err, reconcile.ErrUnverified) {
		writeJSON(w, http.StatusUnauthorized, errorResp{Error: "signature verification failed"})
		return
	}
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	h.log().Info("storefront webhook handled", "outcome", string(out))
	w.WriteHeader(http.StatusOK)
}
