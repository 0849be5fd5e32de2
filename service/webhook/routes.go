package webhook

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/KAsare1/medibook-server/service/gateway"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	proc        *Processor
	mercadoPago NotificationSource
}

func NewWebhookHandler(proc *Processor) *WebhookHandler {
	return &WebhookHandler{proc: proc}
}

// WithMercadoPago enables the Mercado Pago notification endpoint.
func (h *WebhookHandler) WithMercadoPago(src NotificationSource) *WebhookHandler {
	h.mercadoPago = src
	return h
}

func (h *WebhookHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/payments/webhook", h.HandleGatewayWebhook).Methods("POST")
	if h.mercadoPago != nil {
		router.HandleFunc("/payments/webhook/mercadopago", h.HandleMercadoPagoWebhook).Methods("POST")
	}
}

// HandleGatewayWebhook passes the body to the processor byte for byte; the
// signature covers the exact bytes the gateway sent.
func (h *WebhookHandler) HandleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		utils.WriteJSONError(w, http.StatusBadRequest, "Error reading request body")
		return
	}

	signature := r.Header.Get("X-Gateway-Signature")
	if signature == "" {
		signature = r.Header.Get("X-Paystack-Signature")
	}

	outcome, err := h.proc.Handle(r.Context(), body, signature)
	if errors.Is(err, utils.ErrSignatureInvalid) {
		utils.WriteJSONError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}
	if err != nil {
		log.Printf("[webhook] acknowledged with error outcome=%s err=%v", outcome, err)
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "received",
		"outcome": string(outcome),
	})
}

// HandleMercadoPagoWebhook handles Mercado Pago notifications. They are
// acknowledged like any other delivery, except when the payment could not be
// fetched: the notification is all there is until then, so it is refused and
// Mercado Pago retries it.
func (h *WebhookHandler) HandleMercadoPagoWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		utils.WriteJSONError(w, http.StatusBadRequest, "Error reading request body")
		return
	}

	outcome, err := h.proc.HandleNotification(r.Context(), h.mercadoPago, gateway.Notification{
		Body:      body,
		Signature: r.Header.Get("x-signature"),
		RequestID: r.Header.Get("x-request-id"),
		DataID:    r.URL.Query().Get("data.id"),
	})
	switch {
	case errors.Is(err, utils.ErrSignatureInvalid):
		utils.WriteJSONError(w, http.StatusUnauthorized, "Invalid signature")
		return
	case errors.Is(err, utils.ErrUpstream):
		utils.WriteJSONError(w, http.StatusServiceUnavailable, "Payment lookup failed")
		return
	case err != nil:
		log.Printf("[webhook] acknowledged with error outcome=%s err=%v", outcome, err)
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "received",
		"outcome": string(outcome),
	})
}
