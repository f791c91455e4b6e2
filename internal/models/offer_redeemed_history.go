package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OfferRedeemedHistory is written only once the storefront confirms that an
// offer was applied, never when a signature is issued.
type OfferRedeemedHistory struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_offer_redeemed_account_offer" json:"account_id"`
	OfferType     string    `gorm:"size:255;not null;uniqueIndex:idx_offer_redeemed_account_offer" json:"offer_type"`
	TransactionID string    `gorm:"size:255;not null" json:"transaction_id"`
	CreatedAt     time.Time `json:"created_at"`
}

func (h *OfferRedeemedHistory) BeforeCreate(tx *gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}
