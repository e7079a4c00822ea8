package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/deals_backend/config"
	"bitbucket.org/mmdatafocus/deals_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Business struct {
	ID     int `gorm:"primary_key" json:"id"`
	UserId int `gorm:"uniqueIndex:idx_business_number,priority:1;not null" json:"user_id"`
	// BusinessNumber is the sequential display number, unique per owning user and
	// assigned exactly once at creation (see BusinessNumberingLog).
	BusinessNumber int           `gorm:"uniqueIndex:idx_business_number,priority:2;not null" json:"business_number"`
	Name           string        `gorm:"size:255;not null" json:"name" binding:"required"`
	State          BusinessState `gorm:"type:enum('opportunity_created','quote_sent','partially_accepted','business_accepted','business_closed','business_lost');default:'opportunity_created';not null;index" json:"state"`
	ClosingDate    *time.Time    `json:"closing_date"`

	// External CRM link. A nil ExternalDealId means "not yet linked": syncs for this
	// business complete as logged no-ops.
	ExternalDealId *string `gorm:"size:128;index" json:"external_deal_id"`

	// Last known external snapshot, written by the sync worker after each successful
	// read or patch. The Conflict Detector compares current local canonicals against
	// these columns; they are never a source of truth for local state.
	LastExternalStageId *string         `gorm:"size:128" json:"last_external_stage_id"`
	LastExternalAmount  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"last_external_amount"`
	LastSyncedAt        *time.Time      `json:"last_synced_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Budgets []Budget `gorm:"constraint:OnDelete:CASCADE" json:"budgets,omitempty"`
}

type NewBusiness struct {
	Name           string     `json:"name" binding:"required"`
	ExternalDealId *string    `json:"external_deal_id"`
	ClosingDate    *time.Time `json:"closing_date"`
}

// BusinessNumberingLog records every display-number assignment. Numbers are
// assigned once and never reused, so the log doubles as the numbering audit trail.
type BusinessNumberingLog struct {
	ID             int       `gorm:"primary_key" json:"id"`
	UserId         int       `gorm:"index;not null" json:"user_id"`
	BusinessId     int       `gorm:"index;not null" json:"business_id"`
	BusinessNumber int       `gorm:"not null" json:"business_number"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (business *Business) StoreRedis() error {
	return config.SetRedisObject("Business:"+fmt.Sprint(business.ID), business, 0)
}

func (business *Business) RemoveRedis() error {
	return config.RemoveRedisKey("Business:" + fmt.Sprint(business.ID))
}

func (business *Business) IsLinked() bool {
	return business.ExternalDealId != nil && *business.ExternalDealId != ""
}

func CreateBusiness(ctx context.Context, input *NewBusiness) (*Business, error) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}
	db := config.GetDB().WithContext(ctx)

	business := Business{
		UserId:         userId,
		Name:           input.Name,
		State:          BusinessStateOpportunityCreated,
		ExternalDealId: input.ExternalDealId,
		ClosingDate:    input.ClosingDate,
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		number, err := nextBusinessNumber(ctx, tx, userId)
		if err != nil {
			return err
		}
		business.BusinessNumber = number
		if err := tx.Create(&business).Error; err != nil {
			return err
		}
		return tx.Create(&BusinessNumberingLog{
			UserId:         userId,
			BusinessId:     business.ID,
			BusinessNumber: number,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	_ = business.StoreRedis()
	return &business, nil
}

// nextBusinessNumber prefers the Redis counter; when Redis is cold or behind it
// falls back to MAX(business_number)+1 and resyncs the counter.
func nextBusinessNumber(ctx context.Context, tx *gorm.DB, userId int) (int, error) {
	counterKey := fmt.Sprintf("BusinessNumber:%d", userId)
	fromRedis, err := config.GetRedisCounter(ctx, counterKey)
	if err != nil {
		fromRedis = 0
	}

	var maxNumber int
	if err := tx.Model(&Business{}).
		Where("user_id = ?", userId).
		Select("COALESCE(MAX(business_number), 0)").
		Scan(&maxNumber).Error; err != nil {
		return 0, err
	}

	next := maxNumber + 1
	if int(fromRedis) > next {
		next = int(fromRedis)
	} else if fromRedis != 0 && int(fromRedis) < next {
		_ = config.SetRedisValue(counterKey, fmt.Sprint(next), 0)
	}
	return next, nil
}

func GetBusinessById(ctx context.Context, id int) (*Business, error) {
	var business Business
	exists, err := config.GetRedisObject("Business:"+fmt.Sprint(id), &business)
	if err == nil && exists {
		return &business, nil
	}

	db := config.GetDB().WithContext(ctx)
	if err := db.Where("id = ?", id).Take(&business).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	_ = business.StoreRedis()
	return &business, nil
}

func GetBusinessWithBudgets(tx *gorm.DB, id int) (*Business, error) {
	var business Business
	if err := tx.Preload("Budgets").Where("id = ?", id).Take(&business).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &business, nil
}

// UpdateBusinessState is the single mutation entry point for canonical state.
// Every writer (sync worker, auditor repair, conflict resolution) goes through it,
// so the per-business single-flight rule serializes them all. No-op transitions
// are suppressed and enqueue nothing.
func UpdateBusinessState(tx *gorm.DB, businessId int, newState BusinessState, source TriggerSource) (changed bool, err error) {
	var business Business
	if err := tx.Where("id = ?", businessId).Take(&business).Error; err != nil {
		return false, err
	}
	if business.State == newState {
		return false, nil
	}

	oldState := business.State
	if err := tx.Model(&Business{}).Where("id = ?", businessId).
		Update("state", newState).Error; err != nil {
		return false, err
	}
	_ = business.RemoveRedis()

	correlationId, _ := utils.GetCorrelationIdFromContext(tx.Statement.Context)
	old := string(oldState)
	newStr := string(newState)
	if err := CreateSyncLogEntry(tx, &SyncLogEntry{
		BusinessId:    businessId,
		OperationType: SyncOperationState,
		Direction:     SyncDirectionDetect,
		OldState:      &old,
		NewState:      &newStr,
		Success:       true,
		CorrelationId: correlationId,
	}); err != nil {
		return false, err
	}

	// State changed: notify the sync lane. Two writers are exempt: the sync worker
	// itself (budget_change patches the remote in the same pass) and
	// adopt-external resolution (pushing back out would undo the adoption).
	switch source {
	case TriggerSourceBudgetChange, TriggerSourceConflictResolution:
		return true, nil
	}
	_, err = EnqueueSyncItem(tx, businessId, SyncOperationState, SyncPriorityAuto, source, correlationId)
	return true, err
}

// DeleteBusinessCascade removes a business together with its budgets and queue
// items. Sync log entries are kept: they are the audit trail that explains the
// deletion. cause ends up in a final, distinct log entry.
func DeleteBusinessCascade(tx *gorm.DB, businessId int, cause string) error {
	ctx := utils.SetSkipSyncHooksInContext(tx.Statement.Context, true)
	tx = tx.WithContext(ctx)

	var business Business
	if err := tx.Where("id = ?", businessId).Take(&business).Error; err != nil {
		return err
	}

	if err := tx.Where("business_id = ?", businessId).Delete(&Budget{}).Error; err != nil {
		return err
	}
	if err := tx.Where("business_id = ?", businessId).Delete(&SyncQueueItem{}).Error; err != nil {
		return err
	}
	if err := tx.Where("id = ?", businessId).Delete(&Business{}).Error; err != nil {
		return err
	}
	_ = business.RemoveRedis()

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	old := string(business.State)
	return CreateSyncLogEntry(tx, &SyncLogEntry{
		BusinessId:    businessId,
		OperationType: SyncOperationState,
		Direction:     SyncDirectionIn,
		OldState:      &old,
		Success:       true,
		ErrorMessage:  cause,
		CorrelationId: correlationId,
	})
}

// SetExternalSnapshot records the last known external stage/amount after a
// successful read or patch against the CRM.
func SetExternalSnapshot(tx *gorm.DB, businessId int, stageId string, amount decimal.Decimal) error {
	now := time.Now().UTC()
	if err := tx.Model(&Business{}).Where("id = ?", businessId).
		Updates(map[string]interface{}{
			"last_external_stage_id": stageId,
			"last_external_amount":   amount,
			"last_synced_at":         &now,
		}).Error; err != nil {
		return err
	}
	return config.RemoveRedisKey("Business:" + fmt.Sprint(businessId))
}
