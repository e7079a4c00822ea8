package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SyncLogEntry is the append-only audit trail of every sync attempt, internal
// detection and resolution. Rows are never mutated after the operation
// completes, and they survive business deletion (the deletion itself is logged).
type SyncLogEntry struct {
	ID            int               `gorm:"primary_key" json:"id"`
	BusinessId    int               `gorm:"index;not null" json:"business_id"`
	OperationType SyncOperationType `gorm:"type:enum('STATE','AMOUNT');not null" json:"operation_type"`
	Direction     SyncDirection     `gorm:"type:enum('OUT','IN','DETECT');not null" json:"direction"`
	OldState      *string           `gorm:"size:50" json:"old_state"`
	NewState      *string           `gorm:"size:50" json:"new_state"`
	OldAmount     *decimal.Decimal  `gorm:"type:decimal(20,4)" json:"old_amount"`
	NewAmount     *decimal.Decimal  `gorm:"type:decimal(20,4)" json:"new_amount"`
	Success       bool              `gorm:"not null" json:"success"`
	// ErrorMessage carries the external error body verbatim on failure, or the
	// human-readable reason on notable successes ("already in sync",
	// "remote object not found").
	ErrorMessage  string    `gorm:"type:text" json:"error_message"`
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func CreateSyncLogEntry(tx *gorm.DB, entry *SyncLogEntry) error {
	return tx.Create(entry).Error
}

func GetSyncLogForBusiness(tx *gorm.DB, businessId int, limit int) ([]SyncLogEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var entries []SyncLogEntry
	err := tx.Where("business_id = ?", businessId).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
