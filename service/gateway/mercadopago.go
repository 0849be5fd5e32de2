package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preference"

	"github.com/KAsare1/medibook-server/cmd/utils"
)

var (
	ErrMissingMercadoPagoAccessToken     = errors.New("missing MERCADOPAGO_ACCESS_TOKEN")
	ErrMissingMercadoPagoNotificationURL = errors.New("missing MERCADOPAGO_NOTIFICATION_URL")
)

// PreferenceCreator and PaymentFetcher are the parts of the SDK's
// preference.Client and payment.Client the gateway calls.
type PreferenceCreator interface {
	Create(ctx context.Context, request preference.Request) (*preference.Response, error)
}

type PaymentFetcher interface {
	Get(ctx context.Context, id int) (*payment.Response, error)
}

// MercadoPagoGateway issues Checkout Pro preferences and turns the payment
// notifications Mercado Pago sends back into Events. InitPoint is the hosted
// checkout URL.
//
// Notifications only carry the payment id. The payment itself, with the
// metadata set on the preference, is fetched from the API before anything is
// applied.
type MercadoPagoGateway struct {
	preferences     PreferenceCreator
	payments        PaymentFetcher
	notificationURL string
	webhookSecret   string
}

func NewMercadoPagoGateway(accessToken, notificationURL, webhookSecret string) (*MercadoPagoGateway, error) {
	if accessToken == "" {
		return nil, ErrMissingMercadoPagoAccessToken
	}
	if notificationURL == "" {
		return nil, ErrMissingMercadoPagoNotificationURL
	}
	cfg, err := config.New(accessToken)
	if err != nil {
		log.Printf("[gateway][mercadopago] failed creating sdk config err=%v", err)
		return nil, err
	}
	log.Printf("[gateway][mercadopago] client initialized notification_url=%s", notificationURL)
	return NewMercadoPagoGatewayWithClients(preference.NewClient(cfg), payment.NewClient(cfg), notificationURL, webhookSecret), nil
}

func NewMercadoPagoGatewayWithClients(preferences PreferenceCreator, payments PaymentFetcher, notificationURL, webhookSecret string) *MercadoPagoGateway {
	return &MercadoPagoGateway{
		preferences:     preferences,
		payments:        payments,
		notificationURL: notificationURL,
		webhookSecret:   webhookSecret,
	}
}

func (g *MercadoPagoGateway) CreateCheckoutSession(ctx context.Context, req SessionRequest) (Session, error) {
	amount, _ := req.Amount.Float64()
	metadata := make(map[string]any, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	pref := preference.Request{
		ExternalReference: req.Reference,
		NotificationURL:   g.notificationURL,
		Metadata:          metadata,
		Items: []preference.ItemRequest{
			{
				ID:         req.Reference,
				Title:      req.Description,
				Quantity:   1,
				UnitPrice:  amount,
				CurrencyID: req.Currency,
			},
		},
	}
	if req.Email != "" {
		pref.Payer = &preference.PayerRequest{Email: req.Email}
	}

	resp, err := g.preferences.Create(ctx, pref)
	if err != nil {
		log.Printf("[gateway][mercadopago] preference create failed reference=%s err=%v", req.Reference, err)
		return Session{}, fmt.Errorf("mercadopago preference: %w", err)
	}
	log.Printf("[gateway][mercadopago] preference created reference=%s preference_id=%s", req.Reference, resp.ID)
	return Session{ID: resp.ID, RedirectURL: resp.InitPoint}, nil
}

// Notification is one webhook delivery from Mercado Pago as received over
// HTTP.
type Notification struct {
	Body []byte
	// Signature is the x-signature header, "ts=<unix>,v1=<hex>".
	Signature string
	RequestID string
	// DataID is the data.id query parameter.
	DataID string
}

// VerifyNotification checks the x-signature HMAC-SHA256 over the signed
// manifest. An empty secret never verifies.
func (g *MercadoPagoGateway) VerifyNotification(n Notification) bool {
	return VerifyMercadoPagoSignature(g.webhookSecret, n.Signature, n.DataID, n.RequestID)
}

// ResolveNotification fetches the payment a notification points at and maps
// it to an Event. The returned payload is the fetched payment, stored as the
// gateway evidence. Non-payment topics come back with their topic as the
// event type, which the processor ignores.
func (g *MercadoPagoGateway) ResolveNotification(ctx context.Context, n Notification) (Event, []byte, error) {
	var body struct {
		Type   string `json:"type"`
		Action string `json:"action"`
		Data   struct {
			ID json.RawMessage `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(n.Body, &body); err != nil {
		return Event{}, nil, fmt.Errorf("%w: %v", utils.ErrMalformedEvent, err)
	}
	dataID := n.DataID
	if dataID == "" {
		dataID = rawString(body.Data.ID)
	}
	if body.Type == "" || dataID == "" {
		return Event{}, nil, fmt.Errorf("%w: notification without type or data.id", utils.ErrMalformedEvent)
	}

	if body.Type != "payment" {
		return Event{
			ID:      "mercadopago:" + body.Type + ":" + dataID,
			Type:    EventType(body.Type),
			RawType: body.Type,
		}, n.Body, nil
	}

	paymentID, err := strconv.Atoi(dataID)
	if err != nil {
		return Event{}, nil, fmt.Errorf("%w: payment id %q is not numeric", utils.ErrMalformedEvent, dataID)
	}
	pay, err := g.payments.Get(ctx, paymentID)
	if err != nil {
		log.Printf("[gateway][mercadopago] payment fetch failed payment_id=%d err=%v", paymentID, err)
		return Event{}, nil, fmt.Errorf("%w: mercadopago payment %d: %v", utils.ErrUpstream, paymentID, err)
	}

	payload, err := json.Marshal(pay)
	if err != nil {
		payload = n.Body
	}
	ev := paymentEvent(pay)
	log.Printf("[gateway][mercadopago] payment resolved payment_id=%d status=%s action=%s", pay.ID, pay.Status, body.Action)
	return ev, payload, nil
}

// paymentEvent keys the event on payment id and status, so every
// notification about the same state change resolves to one event id.
func paymentEvent(pay *payment.Response) Event {
	rawType := "payment." + pay.Status
	typ := EventType(rawType)
	if alias, ok := eventAliases[rawType]; ok {
		typ = alias
	}

	meta := make(map[string]string, len(pay.Metadata))
	for k, v := range pay.Metadata {
		meta[k] = metadataString(v)
	}

	id := strconv.Itoa(pay.ID)
	return Event{
		ID:        "mercadopago:payment:" + id + ":" + pay.Status,
		Type:      typ,
		RawType:   rawType,
		SessionID: id,
		Reference: pay.ExternalReference,
		Metadata:  meta,
	}
}

// metadataString renders a decoded metadata value. Mercado Pago may hand
// back strings we stored as numbers.
func metadataString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// mercadoPagoManifest is the string Mercado Pago signs. Parts whose value is
// absent are left out.
func mercadoPagoManifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	if ts != "" {
		b.WriteString("ts:" + ts + ";")
	}
	return b.String()
}

// SignMercadoPago returns an x-signature header value for the given parts.
func SignMercadoPago(secret, dataID, requestID, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(mercadoPagoManifest(dataID, requestID, ts)))
	return "ts=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func VerifyMercadoPagoSignature(secret, header, dataID, requestID string) bool {
	if secret == "" || header == "" {
		return false
	}
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "ts":
			ts = strings.TrimSpace(v)
		case "v1":
			v1 = strings.TrimSpace(v)
		}
	}
	if ts == "" || v1 == "" {
		return false
	}
	got, err := hex.DecodeString(v1)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(mercadoPagoManifest(dataID, requestID, ts)))
	return hmac.Equal(got, mac.Sum(nil))
}
