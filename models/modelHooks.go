package models

import (
	"bitbucket.org/mmdatafocus/deals_backend/utils"
	"gorm.io/gorm"
)

// Change Notifier: budget mutations enqueue sync intents transactionally
// (outbox pattern). The intents are delivered asynchronously by the dispatcher
// and Pub/Sub lane; nothing here calls the external API.
//
// A budget change can move the aggregated value without moving canonical state,
// so STATE and AMOUNT intents are enqueued independently; the worker recomputes
// from live data and skips whichever turns out to be a no-op.

func syncHooksDisabled(tx *gorm.DB) bool {
	skip, ok := utils.GetSkipSyncHooksFromContext(tx.Statement.Context)
	return ok && skip
}

func enqueueBudgetChange(tx *gorm.DB, businessId int) error {
	correlationId, _ := utils.GetCorrelationIdFromContext(tx.Statement.Context)
	if _, err := EnqueueSyncItem(tx, businessId, SyncOperationState, SyncPriorityAuto, TriggerSourceBudgetChange, correlationId); err != nil {
		return err
	}
	_, err := EnqueueSyncItem(tx, businessId, SyncOperationAmount, SyncPriorityAuto, TriggerSourceBudgetChange, correlationId)
	return err
}

func (b *Budget) AfterCreate(tx *gorm.DB) (err error) {
	if syncHooksDisabled(tx) {
		return nil
	}
	return enqueueBudgetChange(tx, b.BusinessId)
}

func (b *Budget) AfterUpdate(tx *gorm.DB) (err error) {
	if syncHooksDisabled(tx) {
		return nil
	}
	return enqueueBudgetChange(tx, b.BusinessId)
}

func (b *Budget) AfterDelete(tx *gorm.DB) (err error) {
	if syncHooksDisabled(tx) {
		return nil
	}
	return enqueueBudgetChange(tx, b.BusinessId)
}
