package models

import (
	"time"

	"gorm.io/datatypes"
)

type EventOutcome string

const (
	OutcomeApplied        EventOutcome = "applied"
	OutcomeDuplicate      EventOutcome = "duplicate"
	OutcomeAlreadyPaid    EventOutcome = "already_paid"
	OutcomeRefundRequired EventOutcome = "refund_required"
	OutcomeOrphaned       EventOutcome = "orphaned"
	OutcomeNoted          EventOutcome = "noted"
	OutcomeIgnored        EventOutcome = "ignored"
	OutcomeMalformed      EventOutcome = "malformed"
	OutcomeFailed         EventOutcome = "failed"
)

// GatewayEvent is the operator-facing log of verified gateway deliveries.
// It never guards state; PaymentRecord.ExternalEventID does.
type GatewayEvent struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	EventID           string         `gorm:"column:event_id;size:191;not null;uniqueIndex" json:"event_id"`
	EventType         string         `gorm:"column:event_type;size:100;not null;index" json:"event_type"`
	AppointmentID     *uint          `gorm:"column:appointment_id;index" json:"appointment_id,omitempty"`
	PaymentID         *uint          `gorm:"column:payment_id" json:"payment_id,omitempty"`
	Outcome           EventOutcome   `gorm:"column:outcome;size:32;not null;index" json:"outcome"`
	ReconcileRequired bool           `gorm:"column:reconcile_required;not null;default:false;index" json:"reconcile_required"`
	ProcessingError   string         `gorm:"column:processing_error;type:text" json:"processing_error,omitempty"`
	Payload           datatypes.JSON `gorm:"column:payload" json:"payload"`
	CreatedAt         time.Time      `gorm:"column:created_at;index" json:"created_at"`
}

func (GatewayEvent) TableName() string {
	return "gateway_events"
}
