package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TransactionHistory is append-only: one row per provider transaction id ever
// observed. The unique transaction_id doubles as the duplicate-delivery guard.
type TransactionHistory struct {
	ID                    uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID             uuid.UUID      `gorm:"type:uuid;not null;index" json:"account_id"`
	OriginalTransactionID string         `gorm:"size:255;not null;index" json:"original_transaction_id"`
	TransactionID         string         `gorm:"size:255;not null;uniqueIndex" json:"transaction_id"`
	Provider              string         `gorm:"size:20;not null" json:"provider"`
	Kind                  string         `gorm:"size:50;not null" json:"kind"`
	ProductID             string         `gorm:"size:255" json:"product_id"`
	ExpiresAt             *time.Time     `json:"expires_at,omitempty"`
	Payload               datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	CreatedAt             time.Time      `json:"created_at"`
}

func (TransactionHistory) TableName() string {
	return "transaction_histories"
}

func (h *TransactionHistory) BeforeCreate(tx *gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}
