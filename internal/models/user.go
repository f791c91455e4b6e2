package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AccountType string

const (
	AccountTypeFree       AccountType = "free"
	AccountTypeUnderTrial AccountType = "under_trial"
	AccountTypePaid       AccountType = "paid"
	AccountTypeExpired    AccountType = "expired"
)

// User is the account projection the reconciler keeps in step with the
// ledger. Everything else about users lives in the account service.
type User struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Email           string         `gorm:"size:255;index" json:"email"`
	CompanyID       *uuid.UUID     `gorm:"type:uuid;index" json:"company_id,omitempty"`
	AccountType     AccountType    `gorm:"size:20;not null;default:'free'" json:"account_type"`
	IsUnderTrial    bool           `gorm:"not null;default:false" json:"is_under_trial"`
	TrialStartsFrom *time.Time     `json:"trial_starts_from,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// Company is the seat-pool owner.
type Company struct {
	ID             uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	Name           string      `gorm:"size:255" json:"name"`
	AccountType    AccountType `gorm:"size:20;not null;default:'free'" json:"account_type"`
	NoOfSeatBought int         `gorm:"not null;default:0" json:"no_of_seat_bought"`
	SeatPrice      int64       `gorm:"not null;default:0" json:"seat_price"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func (c *Company) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// AccountUpdate is a partial change to a user's account projection. Nil
// fields are left untouched.
type AccountUpdate struct {
	Type            AccountType
	IsUnderTrial    *bool
	TrialStartsFrom *time.Time
}
