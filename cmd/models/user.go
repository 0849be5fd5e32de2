package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Patient and Doctor are owned by the profile service; only the columns the
// booking core reads are mapped here.

type Patient struct {
	gorm.Model
	FullName string `gorm:"column:full_name;size:255;not null" json:"full_name"`
	Email    string `gorm:"column:email;size:255;not null" json:"email"`
}

func (Patient) TableName() string {
	return "patients"
}

type Doctor struct {
	gorm.Model
	FullName string          `gorm:"column:full_name;size:255;not null" json:"full_name"`
	Email    string          `gorm:"column:email;size:255;not null" json:"email"`
	Fee      decimal.Decimal `gorm:"column:fee;type:numeric(12,2);not null" json:"fee"`
	Retired  bool            `gorm:"column:retired;default:false" json:"retired"`
}

func (Doctor) TableName() string {
	return "doctors"
}
