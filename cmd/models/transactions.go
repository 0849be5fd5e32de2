package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentRecord is the payable unit of an appointment. It moves UNPAID -> PAID
// exactly once, stamped with the gateway event that confirmed it.
type PaymentRecord struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	AppointmentID   uint            `gorm:"column:appointment_id;not null;uniqueIndex" json:"appointment_id"`
	Amount          decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null" json:"amount"`
	Currency        string          `gorm:"column:currency;size:3;not null" json:"currency"`
	TransactionID   string          `gorm:"column:transaction_id;size:64;not null;uniqueIndex" json:"transaction_id"`
	ExternalEventID *string         `gorm:"column:external_event_id;size:191;uniqueIndex" json:"external_event_id,omitempty"`
	SessionID       string          `gorm:"column:session_id;size:191" json:"session_id,omitempty"`
	CheckoutURL     string          `gorm:"column:checkout_url;size:1024" json:"checkout_url,omitempty"`
	Status          PaymentStatus   `gorm:"column:status;size:20;not null;default:UNPAID" json:"status"`
	GatewayPayload  datatypes.JSON  `gorm:"column:gateway_payload" json:"-"`
	CreatedAt       time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (PaymentRecord) TableName() string {
	return "payment_records"
}
