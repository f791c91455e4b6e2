package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Device string

const (
	DeviceIOS     Device = "ios"
	DeviceAndroid Device = "android"
	DeviceWeb     Device = "web"
)

// Subscription is the canonical entitlement row. At most one row per account
// and per original transaction id is live (deleted_at IS NULL); both are
// enforced by partial unique indexes.
type Subscription struct {
	ID                    uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID             uuid.UUID      `gorm:"type:uuid;not null;index;uniqueIndex:idx_subscriptions_active_account,where:deleted_at IS NULL" json:"account_id"`
	OriginalTransactionID string         `gorm:"size:255;not null;index;uniqueIndex:idx_subscriptions_active_lineage,where:deleted_at IS NULL" json:"original_transaction_id"`
	ProductID             string         `gorm:"size:255;not null" json:"product_id"`
	ExpiresAt             time.Time      `gorm:"not null;index" json:"expires_at"`
	AutoRenew             bool           `gorm:"not null" json:"auto_renew"`
	PurchasedFromDevice   Device         `gorm:"size:20;not null" json:"purchased_from_device"`
	PriceID               *string        `gorm:"size:255" json:"price_id,omitempty"`
	IsTrial               bool           `gorm:"not null;default:false" json:"is_trial"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	DeletedAt             gorm.DeletedAt `gorm:"index" json:"-"`
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// IsActive reports whether the entitlement is live and not yet expired.
func (s *Subscription) IsActive(now time.Time) bool {
	return !s.DeletedAt.Valid && s.ExpiresAt.After(now)
}
