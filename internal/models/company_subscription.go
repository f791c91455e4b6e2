package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CompanySubscription is the seat-pool contract of a company. Purchases stack
// onto the running contract window instead of replacing it.
type CompanySubscription struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CompanyID            uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"company_id"`
	StripeSubscriptionID string    `gorm:"size:255;index" json:"stripe_subscription_id"`
	PriceID              string    `gorm:"size:255" json:"price_id"`
	NoOfSeatBought       int       `gorm:"not null;default:0" json:"no_of_seat_bought"`
	SeatPrice            int64     `gorm:"not null;default:0" json:"seat_price"`
	ContractStartDate    time.Time `json:"contract_start_date"`
	ContractEndDate      time.Time `json:"contract_end_date"`
	ExpiresDate          time.Time `gorm:"index" json:"expires_date"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (c *CompanySubscription) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
