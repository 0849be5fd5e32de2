package models

import (
	"time"
)

// Slot is a candidate time interval shared by every doctor.
// Instants are stored in UTC.
type Slot struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	StartAt   time.Time `gorm:"column:start_at;not null;uniqueIndex:idx_slots_start_end,priority:1" json:"start_at"`
	EndAt     time.Time `gorm:"column:end_at;not null;uniqueIndex:idx_slots_start_end,priority:2" json:"end_at"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

func (Slot) TableName() string {
	return "slots"
}

// Binding ties a slot to one doctor's availability. IsBooked is the only
// source of truth for whether the slot can still be reserved.
type Binding struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	DoctorID  uint      `gorm:"column:doctor_id;not null;uniqueIndex:idx_bindings_doctor_slot,priority:1" json:"doctor_id"`
	SlotID    uint      `gorm:"column:slot_id;not null;uniqueIndex:idx_bindings_doctor_slot,priority:2;index" json:"slot_id"`
	IsBooked  bool      `gorm:"column:is_booked;not null;default:false" json:"is_booked"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`

	Doctor *Doctor `gorm:"foreignKey:DoctorID" json:"-"`
	Slot   *Slot   `gorm:"foreignKey:SlotID" json:"slot,omitempty"`
}

func (Binding) TableName() string {
	return "bindings"
}
