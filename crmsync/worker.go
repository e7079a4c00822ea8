package crmsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/deals_backend/config"
	"bitbucket.org/mmdatafocus/deals_backend/models"
	"bitbucket.org/mmdatafocus/deals_backend/utils"
	"bitbucket.org/mmdatafocus/deals_backend/workflow"
)

const syncHandlerName = "crmsync.ProcessSyncItem"

var (
	clientOnce sync.Once
	client     *dealClient
	clientErr  error
)

func getClient() (*dealClient, error) {
	clientOnce.Do(func() {
		client, clientErr = newDealClient()
	})
	return client, clientErr
}

// ProcessSyncItem is the dispatcher's processor: it runs one claimed queue item
// end to end. Retryable failures come back as plain errors; permanent ones wrap
// workflow.ErrNonRetryable so the dispatcher goes terminal immediately.
func ProcessSyncItem(ctx context.Context, logger *logrus.Logger, item models.SyncQueueItem) error {
	messageId := fmt.Sprintf("dispatch-%d-%d", item.ID, item.Attempts)
	return executeSyncItem(ctx, logger, item, messageId)
}

// ExecuteSyncItemForMessage is the Pub/Sub lane: the broker message id is the
// idempotency key, so redeliveries of the same message are absorbed.
func ExecuteSyncItemForMessage(ctx context.Context, logger *logrus.Logger, item models.SyncQueueItem, pubsubMessageId string) error {
	return executeSyncItem(ctx, logger, item, "pubsub-"+pubsubMessageId)
}

// ExecuteSyncItemInline runs a freshly enqueued queue item synchronously in the
// caller's request path. On success the row is closed out so the dispatcher
// skips it; on failure it stays PENDING and the queue lane retries it with
// backoff.
func ExecuteSyncItemInline(ctx context.Context, logger *logrus.Logger, item *models.SyncQueueItem) error {
	if err := executeSyncItem(ctx, logger, *item, fmt.Sprintf("inline-%d", item.ID)); err != nil {
		return err
	}
	return config.GetDB().WithContext(ctx).
		Model(&models.SyncQueueItem{}).
		Where("id = ? AND status = ?", item.ID, models.SyncQueueStatusPending).
		Update("status", models.SyncQueueStatusSuccess).Error
}

func executeSyncItem(ctx context.Context, logger *logrus.Logger, item models.SyncQueueItem, messageId string) error {
	db := config.GetDB().WithContext(ctx)

	// Best-effort Redis pre-lock to keep competing instances from even opening a
	// transaction. The MySQL advisory lock below is the authoritative guard.
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, fmt.Sprintf("crmsync:business:%d", item.BusinessId), 30*time.Second, nil)
		if err == nil {
			defer lock.Release(context.Background())
		} else if !errors.Is(err, redislock.ErrNotObtained) {
			config.LogError(logger, "crmsync", "executeSyncItem", messageId, "", err)
		}
	}

	skip, err := workflow.BeginIdempotency(db, item.BusinessId, syncHandlerName, messageId)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	syncErr := db.Transaction(func(tx *gorm.DB) error {
		if err := workflow.AcquireBusinessSyncLock(tx, item.BusinessId); err != nil {
			return err
		}
		defer workflow.ReleaseBusinessSyncLock(tx, item.BusinessId)

		return syncBusiness(ctx, tx, logger, item)
	})

	if syncErr != nil {
		// The failed transaction rolled back any in-flight log writes; record the
		// failure on its own so the attempt stays visible in the audit trail.
		_ = logSyncResult(db, item, models.SyncDirectionOut, false, syncErr.Error(), nil, nil, nil, nil)
		_ = workflow.MarkIdempotencyFailed(db, item.BusinessId, syncHandlerName, messageId, syncErr)
		return syncErr
	}
	return workflow.MarkIdempotencySucceeded(db, item.BusinessId, syncHandlerName, messageId)
}

// syncBusiness performs one outbound sync pass. The local canonicals are always
// recomputed from the live budget set first; the queue item's payload snapshot
// is never trusted for the comparison.
func syncBusiness(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, item models.SyncQueueItem) error {
	business, err := models.GetBusinessWithBudgets(tx, item.BusinessId)
	if err != nil {
		// Business deleted after enqueue: nothing left to sync.
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil
		}
		return err
	}

	localState, localValue, err := workflow.RecomputeBusinessState(tx, logger, item.BusinessId, models.TriggerSourceBudgetChange)
	if err != nil {
		return err
	}

	// Unlinked businesses complete as logged no-ops. They are not failures; the
	// link can be established later and the next change will sync normally.
	if !business.IsLinked() {
		return logSyncResult(tx, item, models.SyncDirectionOut, true, "business not linked, skipped", nil, nil, nil, nil)
	}

	c, err := getClient()
	if err != nil {
		return err
	}

	remote, outcome, err := c.getDeal(ctx, *business.ExternalDealId)
	switch outcome {
	case DealOutcomeOk:
	case DealOutcomeNotFound:
		return handleRemoteDeleted(tx, item, business)
	case DealOutcomeTransient:
		return err
	default:
		return fmt.Errorf("%w: %v", workflow.ErrNonRetryable, err)
	}

	update := dealUpdateRequest{}
	oldStage := remote.StageId
	switch item.OperationType {
	case models.SyncOperationState:
		// A missing mapping blocks only stage writes. Amount pushes never touch
		// the stage, so they stay usable while the mapping is unconfigured.
		mapping, err := models.GetStageMappingForState(tx, business.UserId, localState)
		if err != nil {
			if errors.Is(err, models.ErrMappingMissing) {
				return fmt.Errorf("%w: %v (state=%s)", workflow.ErrNonRetryable, err, localState)
			}
			return err
		}
		if remote.StageId == mapping.ExternalStageId {
			if err := models.SetExternalSnapshot(tx, business.ID, remote.StageId, remote.Amount); err != nil {
				return err
			}
			return logSyncResult(tx, item, models.SyncDirectionOut, true, "already in sync", &oldStage, &mapping.ExternalStageId, nil, nil)
		}
		update.PipelineID = &mapping.ExternalPipelineId
		update.StageID = &mapping.ExternalStageId
	case models.SyncOperationAmount:
		if remote.Amount.Equal(localValue) {
			if err := models.SetExternalSnapshot(tx, business.ID, remote.StageId, remote.Amount); err != nil {
				return err
			}
			return logSyncResult(tx, item, models.SyncDirectionOut, true, "already in sync", nil, nil, &remote.Amount, &localValue)
		}
		update.Amount = &localValue
	default:
		return fmt.Errorf("%w: unknown operation type %q", workflow.ErrNonRetryable, item.OperationType)
	}

	patched, outcome, err := c.patchDeal(ctx, *business.ExternalDealId, update)
	switch outcome {
	case DealOutcomeOk:
	case DealOutcomeNotFound:
		return handleRemoteDeleted(tx, item, business)
	case DealOutcomeTransient:
		return err
	default:
		return fmt.Errorf("%w: %v", workflow.ErrNonRetryable, err)
	}

	if err := models.SetExternalSnapshot(tx, business.ID, patched.StageId, patched.Amount); err != nil {
		return err
	}

	if item.OperationType == models.SyncOperationState {
		return logSyncResult(tx, item, models.SyncDirectionOut, true, "", &oldStage, &patched.StageId, nil, nil)
	}
	return logSyncResult(tx, item, models.SyncDirectionOut, true, "", nil, nil, &remote.Amount, &patched.Amount)
}

// handleRemoteDeleted mirrors an authoritative external deletion: the business
// and its budgets are removed, with a distinct audit entry explaining why.
func handleRemoteDeleted(tx *gorm.DB, item models.SyncQueueItem, business *models.Business) error {
	if err := models.DeleteBusinessCascade(tx, business.ID,
		fmt.Sprintf("remote object not found (deal_id=%s), local business deleted", *business.ExternalDealId)); err != nil {
		return err
	}
	return nil
}

func logSyncResult(tx *gorm.DB, item models.SyncQueueItem, direction models.SyncDirection, success bool, message string,
	oldState, newState *string, oldAmount, newAmount *decimal.Decimal) error {
	return models.CreateSyncLogEntry(tx, &models.SyncLogEntry{
		BusinessId:    item.BusinessId,
		OperationType: item.OperationType,
		Direction:     direction,
		OldState:      oldState,
		NewState:      newState,
		OldAmount:     oldAmount,
		NewAmount:     newAmount,
		Success:       success,
		ErrorMessage:  message,
		CorrelationId: item.CorrelationId,
	})
}

// AdoptExternal resolves a conflict by accepting the remote deal as the new
// sync baseline: the snapshot is refreshed from a live read, then the
// canonical state is re-derived through the normal mutation entry point.
// Local state stays derivable from the budget set; it is never a raw copy of
// the remote stage. Nothing is pushed back out; the conflict_resolution
// source suppresses the outbound enqueue.
func AdoptExternal(ctx context.Context, logger *logrus.Logger, businessId int) error {
	c, err := getClient()
	if err != nil {
		return err
	}
	db := config.GetDB().WithContext(ctx)

	return db.Transaction(func(tx *gorm.DB) error {
		if err := workflow.AcquireBusinessSyncLock(tx, businessId); err != nil {
			return err
		}
		defer workflow.ReleaseBusinessSyncLock(tx, businessId)

		business, err := models.GetBusinessWithBudgets(tx, businessId)
		if err != nil {
			return err
		}
		if !business.IsLinked() {
			return workflow.ErrBusinessNotLinked
		}

		remote, outcome, err := c.getDeal(ctx, *business.ExternalDealId)
		switch outcome {
		case DealOutcomeOk:
		case DealOutcomeNotFound:
			return models.DeleteBusinessCascade(tx, businessId,
				fmt.Sprintf("remote object not found (deal_id=%s), local business deleted", *business.ExternalDealId))
		default:
			return err
		}

		if err := models.SetExternalSnapshot(tx, businessId, remote.StageId, remote.Amount); err != nil {
			return err
		}

		derived, _, err := workflow.RecomputeBusinessState(tx, logger, businessId, models.TriggerSourceConflictResolution)
		if err != nil {
			return err
		}

		// Diagnostic only: what canonical state the remote stage maps to, if known.
		note := "conflict resolved: adopted external"
		if remoteState, err := models.GetStateForExternalStage(tx, business.UserId, remote.StageId); err == nil {
			note = fmt.Sprintf("conflict resolved: adopted external (remote stage maps to %s)", remoteState)
		}

		oldState := string(business.State)
		newState := string(derived)
		oldAmount := business.LastExternalAmount
		correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
		return models.CreateSyncLogEntry(tx, &models.SyncLogEntry{
			BusinessId:    businessId,
			OperationType: models.SyncOperationState,
			Direction:     models.SyncDirectionIn,
			OldState:      &oldState,
			NewState:      &newState,
			OldAmount:     &oldAmount,
			NewAmount:     &remote.Amount,
			Success:       true,
			ErrorMessage:  note,
			CorrelationId: correlationId,
		})
	})
}
