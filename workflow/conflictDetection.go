package workflow

import (
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/deals_backend/models"
	"bitbucket.org/mmdatafocus/deals_backend/utils"
)

var ErrBusinessNotLinked = errors.New("business has no external deal link")

// Conflict describes a divergence between the locally derived canonicals and
// the last known external snapshot.
type Conflict struct {
	BusinessId      int                  `json:"business_id"`
	Type            models.ConflictType  `json:"type"`
	LocalState      models.BusinessState `json:"local_state"`
	LocalStageId    string               `json:"local_stage_id"`
	ExternalStageId string               `json:"external_stage_id"`
	LocalAmount     decimal.Decimal      `json:"local_amount"`
	ExternalAmount  decimal.Decimal      `json:"external_amount"`
}

// classifyConflict compares mapped local stage/amount against the external
// snapshot. Returns nil when the two sides agree.
func classifyConflict(localStageId, externalStageId string, localAmount, externalAmount decimal.Decimal) *models.ConflictType {
	stageDiffers := localStageId != externalStageId
	amountDiffers := !localAmount.Equal(externalAmount)

	var t models.ConflictType
	switch {
	case stageDiffers && amountDiffers:
		t = models.ConflictTypeBoth
	case stageDiffers:
		t = models.ConflictTypeState
	case amountDiffers:
		t = models.ConflictTypeAmount
	default:
		return nil
	}
	return &t
}

// DetectConflict derives the current canonicals from the live budget set, maps
// the state through the stage mapping and compares against the stored external
// snapshot. It never writes; detection is read-only.
//
// Businesses that have never synced (no snapshot yet) report no conflict: there
// is nothing to diverge from until the first successful sync.
func DetectConflict(tx *gorm.DB, businessId int) (*Conflict, error) {
	business, err := models.GetBusinessWithBudgets(tx, businessId)
	if err != nil {
		return nil, err
	}
	if !business.IsLinked() {
		return nil, ErrBusinessNotLinked
	}
	if business.LastExternalStageId == nil {
		return nil, nil
	}

	localState := DeriveBusinessState(business.Budgets)
	agg := AggregateBudgets(business.Budgets)

	mapping, err := models.GetStageMappingForState(tx, business.UserId, localState)
	if err != nil {
		return nil, err
	}

	t := classifyConflict(mapping.ExternalStageId, *business.LastExternalStageId, agg.Value, business.LastExternalAmount)
	if t == nil {
		return nil, nil
	}

	return &Conflict{
		BusinessId:      businessId,
		Type:            *t,
		LocalState:      localState,
		LocalStageId:    mapping.ExternalStageId,
		ExternalStageId: *business.LastExternalStageId,
		LocalAmount:     agg.Value,
		ExternalAmount:  business.LastExternalAmount,
	}, nil
}

// ResolveConflictAdoptLocal resolves a conflict by declaring the local
// canonicals authoritative: it enqueues manual-priority STATE and AMOUNT syncs
// that will overwrite the external side, and records the decision. Callers
// must run the returned items to completion before reporting the conflict
// resolved, so an immediate re-detection already sees a fresh snapshot.
func ResolveConflictAdoptLocal(tx *gorm.DB, conflict *Conflict) ([]*models.SyncQueueItem, error) {
	correlationId, _ := utils.GetCorrelationIdFromContext(tx.Statement.Context)

	items := make([]*models.SyncQueueItem, 0, 2)
	for _, op := range []models.SyncOperationType{models.SyncOperationState, models.SyncOperationAmount} {
		item, err := models.EnqueueSyncItem(tx, conflict.BusinessId, op,
			models.SyncPriorityManual, models.TriggerSourceConflictResolution, correlationId)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	localState := string(conflict.LocalState)
	return items, models.CreateSyncLogEntry(tx, &models.SyncLogEntry{
		BusinessId:    conflict.BusinessId,
		OperationType: models.SyncOperationState,
		Direction:     models.SyncDirectionDetect,
		NewState:      &localState,
		OldAmount:     &conflict.ExternalAmount,
		NewAmount:     &conflict.LocalAmount,
		Success:       true,
		ErrorMessage:  "conflict resolved: adopted local (" + string(conflict.Type) + ")",
		CorrelationId: correlationId,
	})
}
