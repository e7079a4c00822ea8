package models

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// SyncQueueItem is the durable outbox row for one pending sync operation.
// Lifecycle: PENDING -> PROCESSING -> SUCCESS | RETRYING -> ... -> FAILED.
// The dispatcher claims rows with FOR UPDATE SKIP LOCKED; stale PROCESSING rows
// (crashed worker) are reclaimed after the lock timeout.
type SyncQueueItem struct {
	ID            int               `gorm:"primary_key;index:idx_sync_dispatch,priority:3" json:"id"`
	BusinessId    int               `gorm:"index;not null" json:"business_id"`
	OperationType SyncOperationType `gorm:"type:enum('STATE','AMOUNT');not null" json:"operation_type"`
	PayloadJSON   []byte            `gorm:"type:json" json:"payload"`
	Priority      int               `gorm:"not null;default:0;index:idx_sync_dispatch,priority:2" json:"priority"`
	TriggerSource TriggerSource     `gorm:"size:50;not null" json:"trigger_source"`
	Status        SyncQueueStatus   `gorm:"size:20;not null;default:'PENDING';index:idx_sync_dispatch,priority:1" json:"status"`
	Attempts      int               `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt *time.Time        `gorm:"index" json:"next_attempt_at"`
	LockedAt      *time.Time        `gorm:"index" json:"locked_at"`
	LockedBy      *string           `gorm:"size:100" json:"locked_by"`
	LastError     *string           `gorm:"type:text" json:"last_error"`
	CorrelationId string            `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncItemPayload is the snapshot stored with the queue item for audit purposes.
// The worker always recomputes from live data before comparing; the snapshot is
// diagnostic only.
type SyncItemPayload struct {
	EnqueuedState string `json:"enqueued_state,omitempty"`
	Note          string `json:"note,omitempty"`
}

// EnqueueSyncItem adds a sync intent with latest-wins coalescing: if a PENDING
// item for the same business and operation already exists, it is updated in
// place (payload, max priority, trigger, correlation) instead of inserting a
// second row. PROCESSING rows are never touched; an in-flight call is not
// cancelled, its result is still recorded for audit.
func EnqueueSyncItem(tx *gorm.DB, businessId int, op SyncOperationType, priority int, source TriggerSource, correlationId string) (*SyncQueueItem, error) {
	payload, _ := json.Marshal(SyncItemPayload{Note: string(source)})

	var existing SyncQueueItem
	err := tx.Where("business_id = ? AND operation_type = ? AND status = ?",
		businessId, op, SyncQueueStatusPending).
		Take(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err == nil {
		updates := map[string]interface{}{
			"payload_json":   payload,
			"trigger_source": source,
			"correlation_id": correlationId,
		}
		if priority > existing.Priority {
			updates["priority"] = priority
		}
		if err := tx.Model(&SyncQueueItem{}).Where("id = ?", existing.ID).
			Updates(updates).Error; err != nil {
			return nil, err
		}
		existing.TriggerSource = source
		existing.CorrelationId = correlationId
		if priority > existing.Priority {
			existing.Priority = priority
		}
		return &existing, nil
	}

	item := SyncQueueItem{
		BusinessId:    businessId,
		OperationType: op,
		PayloadJSON:   payload,
		Priority:      priority,
		TriggerSource: source,
		Status:        SyncQueueStatusPending,
		CorrelationId: correlationId,
	}
	if err := tx.Create(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func GetSyncQueueItem(tx *gorm.DB, id int) (*SyncQueueItem, error) {
	var item SyncQueueItem
	if err := tx.Where("id = ?", id).Take(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// FailedSyncItems returns terminally failed items, surfaced to the Consistency
// Auditor and the operator instead of being retried forever.
func FailedSyncItems(tx *gorm.DB, limit int) ([]SyncQueueItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var items []SyncQueueItem
	err := tx.Where("status = ?", SyncQueueStatusFailed).
		Order("updated_at DESC").
		Limit(limit).
		Find(&items).Error
	return items, err
}
