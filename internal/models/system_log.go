package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SystemLog stores ERROR+ records so failed reconciliations can be queried.
type SystemLog struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Timestamp     time.Time      `gorm:"not null;index" json:"timestamp"`
	Level         string         `gorm:"size:10;not null;index" json:"level"`
	Message       string         `gorm:"type:text" json:"message"`
	Provider      string         `gorm:"size:20;index" json:"provider"`
	RequestID     string         `gorm:"size:36;index" json:"request_id"`
	AccountID     *string        `gorm:"size:36" json:"account_id"`
	TransactionID string         `gorm:"size:255;index" json:"transaction_id"`
	Action        string         `gorm:"size:100" json:"action"`
	Error         string         `gorm:"type:text" json:"error"`
	Extra         datatypes.JSON `gorm:"type:jsonb" json:"extra"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (l *SystemLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
