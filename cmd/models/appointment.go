package models

import (
	"time"
)

type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "SCHEDULED"
	AppointmentCompleted AppointmentStatus = "COMPLETED"
	AppointmentCanceled  AppointmentStatus = "CANCELED"
)

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "UNPAID"
	PaymentPaid   PaymentStatus = "PAID"
)

// Appointment holds a patient's reservation of one doctor's slot.
// At most one non-canceled appointment may exist per (doctor, slot).
type Appointment struct {
	ID            uint              `gorm:"primaryKey" json:"id"`
	PatientID     uint              `gorm:"column:patient_id;not null;index" json:"patient_id"`
	DoctorID      uint              `gorm:"column:doctor_id;not null;index:idx_appointments_active_slot,unique,priority:1,where:status <> 'CANCELED'" json:"doctor_id"`
	SlotID        uint              `gorm:"column:slot_id;not null;index:idx_appointments_active_slot,unique,priority:2" json:"slot_id"`
	Status        AppointmentStatus `gorm:"column:status;size:20;not null;default:SCHEDULED;index:idx_appointments_reap,priority:2" json:"status"`
	PaymentStatus PaymentStatus     `gorm:"column:payment_status;size:20;not null;default:UNPAID;index:idx_appointments_reap,priority:1" json:"payment_status"`
	CorrelationID string            `gorm:"column:correlation_id;size:64;not null;uniqueIndex" json:"correlation_id"`
	CreatedAt     time.Time         `gorm:"column:created_at;not null;index:idx_appointments_reap,priority:3" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"column:updated_at" json:"updated_at"`

	Patient *Patient       `gorm:"foreignKey:PatientID" json:"-"`
	Doctor  *Doctor        `gorm:"foreignKey:DoctorID" json:"-"`
	Slot    *Slot          `gorm:"foreignKey:SlotID" json:"slot,omitempty"`
	Payment *PaymentRecord `gorm:"foreignKey:AppointmentID" json:"payment,omitempty"`
}

func (Appointment) TableName() string {
	return "appointments"
}
