package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/KAsare1/medibook-server/cmd/utils"
)

// Correlation metadata keys echoed back by the gateway in every event.
const (
	MetaAppointmentID = "appointment_id"
	MetaPaymentID     = "payment_id"
)

type SessionRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Reference   string
	Email       string
	Description string
	Metadata    map[string]string
}

type Session struct {
	ID          string
	RedirectURL string
}

// SessionGateway issues hosted checkout sessions.
type SessionGateway interface {
	CreateCheckoutSession(ctx context.Context, req SessionRequest) (Session, error)
}

type EventType string

const (
	SessionCompleted EventType = "session.completed"
	SessionExpired   EventType = "session.expired"
	PaymentFailed    EventType = "payment.failed"
)

// provider-specific names accepted for the canonical kinds
var eventAliases = map[string]EventType{
	"charge.success":                SessionCompleted,
	"checkout.session.completed":    SessionCompleted,
	"checkout.session.expired":      SessionExpired,
	"charge.failed":                 PaymentFailed,
	"payment_intent.payment_failed": PaymentFailed,
	"payment.approved":              SessionCompleted,
	"payment.rejected":              PaymentFailed,
	"payment.cancelled":             PaymentFailed,
}

// Event is a verified gateway delivery reduced to what the processor needs.
type Event struct {
	ID        string
	Type      EventType
	RawType   string
	SessionID string
	// Reference is the payment record's transaction id when the gateway
	// echoes it back.
	Reference string
	Metadata  map[string]string
}

type envelope struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Type  string `json:"type"`
	Data  struct {
		ID        json.RawMessage            `json:"id"`
		Reference string                     `json:"reference"`
		SessionID string                     `json:"session_id"`
		Metadata  map[string]json.RawMessage `json:"metadata"`
	} `json:"data"`
}

// ParseEvent decodes a raw event body. It does not verify the signature.
func ParseEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", utils.ErrMalformedEvent, err)
	}

	rawType := env.Event
	if rawType == "" {
		rawType = env.Type
	}
	if rawType == "" {
		return Event{}, fmt.Errorf("%w: missing event type", utils.ErrMalformedEvent)
	}

	id := env.ID
	if id == "" {
		if dataID := rawString(env.Data.ID); dataID != "" {
			id = rawType + ":" + dataID
		}
	}
	if id == "" {
		return Event{}, fmt.Errorf("%w: missing event id", utils.ErrMalformedEvent)
	}

	typ := EventType(rawType)
	if alias, ok := eventAliases[rawType]; ok {
		typ = alias
	}

	meta := make(map[string]string, len(env.Data.Metadata))
	for k, v := range env.Data.Metadata {
		meta[k] = rawString(v)
	}

	session := env.Data.SessionID
	if session == "" {
		session = env.Data.Reference
	}

	return Event{ID: id, Type: typ, RawType: rawType, SessionID: session, Reference: env.Data.Reference, Metadata: meta}, nil
}

// rawString renders a JSON string or number literal as a plain string.
func rawString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if strings.HasPrefix(s, `"`) {
		var out string
		if err := json.Unmarshal(raw, &out); err != nil {
			return ""
		}
		return strings.TrimSpace(out)
	}
	return s
}

// Sign returns the hex HMAC-SHA512 of body, the scheme Paystack uses.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the unmodified body. An empty
// secret never verifies.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
