package crmsync

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/deals_backend/config"
	"bitbucket.org/mmdatafocus/deals_backend/models"
	"bitbucket.org/mmdatafocus/deals_backend/utils"
	"bitbucket.org/mmdatafocus/deals_backend/workflow"
)

// resolveBusiness loads the business from the :id path param and enforces
// ownership. Admins can reach any business.
func resolveBusiness(c *gin.Context) (*models.Business, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid business id"})
		return nil, false
	}

	ctx := c.Request.Context()
	business, err := models.GetBusinessById(ctx, id)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "business not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}

	userId, _ := utils.GetUserIdFromContext(ctx)
	isAdmin, _ := utils.GetIsAdminFromContext(ctx)
	if business.UserId != userId && !isAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return nil, false
	}
	return business, true
}

// SyncBusinessNow enqueues manual-priority STATE and AMOUNT syncs for one
// business and nudges the sync lane immediately.
func SyncBusinessNow() gin.HandlerFunc {
	return func(c *gin.Context) {
		business, ok := resolveBusiness(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		logger := config.GetLogger()
		correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

		var items []*models.SyncQueueItem
		err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, op := range []models.SyncOperationType{models.SyncOperationState, models.SyncOperationAmount} {
				item, err := models.EnqueueSyncItem(tx, business.ID, op,
					models.SyncPriorityManual, models.TriggerSourceManual, correlationId)
				if err != nil {
					return err
				}
				items = append(items, item)
			}
			return nil
		})
		if err != nil {
			config.LogError(logger, "crmsync", "SyncBusinessNow", c.Param("id"), "", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		for _, item := range items {
			PublishSyncIntent(ctx, logger, item)
		}
		c.JSON(http.StatusAccepted, gin.H{"enqueued": len(items), "correlation_id": correlationId})
	}
}

// SyncAllAmounts enqueues an AMOUNT sync for every linked business owned by the
// caller. Bulk value re-push after a stage-mapping or pricing change.
func SyncAllAmounts() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userId, ok := utils.GetUserIdFromContext(ctx)
		if !ok || userId == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		logger := config.GetLogger()
		correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

		var items []*models.SyncQueueItem
		err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var businesses []models.Business
			if err := tx.Where("user_id = ? AND external_deal_id IS NOT NULL", userId).
				Order("id ASC").Find(&businesses).Error; err != nil {
				return err
			}
			for _, business := range businesses {
				item, err := models.EnqueueSyncItem(tx, business.ID, models.SyncOperationAmount,
					models.SyncPriorityAuto, models.TriggerSourceManual, correlationId)
				if err != nil {
					return err
				}
				items = append(items, item)
			}
			return nil
		})
		if err != nil {
			config.LogError(logger, "crmsync", "SyncAllAmounts", "", "", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		for _, item := range items {
			PublishSyncIntent(ctx, logger, item)
		}
		c.JSON(http.StatusAccepted, gin.H{"enqueued": len(items), "correlation_id": correlationId})
	}
}

// GetConflict reports the current divergence between local canonicals and the
// last known external snapshot. Read-only.
func GetConflict() gin.HandlerFunc {
	return func(c *gin.Context) {
		business, ok := resolveBusiness(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()

		conflict, err := workflow.DetectConflict(config.GetDB().WithContext(ctx), business.ID)
		if err != nil {
			switch {
			case errors.Is(err, workflow.ErrBusinessNotLinked):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			case errors.Is(err, models.ErrMappingMissing):
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		if conflict == nil {
			c.JSON(http.StatusOK, gin.H{"conflict": nil})
			return
		}
		c.JSON(http.StatusOK, gin.H{"conflict": conflict})
	}
}

type resolveConflictInput struct {
	Strategy string `json:"strategy" binding:"required"`
}

// ResolveConflict applies the operator's decision: "local" re-pushes the local
// canonicals outward, "external" adopts the remote deal into the local record.
func ResolveConflict() gin.HandlerFunc {
	return func(c *gin.Context) {
		business, ok := resolveBusiness(c)
		if !ok {
			return
		}
		var input resolveConflictInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		logger := config.GetLogger()
		db := config.GetDB().WithContext(ctx)

		switch input.Strategy {
		case "local":
			var items []*models.SyncQueueItem
			err := db.Transaction(func(tx *gorm.DB) error {
				conflict, err := workflow.DetectConflict(tx, business.ID)
				if err != nil {
					return err
				}
				if conflict == nil {
					return nil
				}
				items, err = workflow.ResolveConflictAdoptLocal(tx, conflict)
				return err
			})
			if err != nil {
				config.LogError(logger, "crmsync", "ResolveConflict", c.Param("id"), input.Strategy, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}

			// Push the local canonicals out before answering, so a follow-up
			// conflict check already sees the refreshed snapshot.
			for _, item := range items {
				if err := ExecuteSyncItemInline(ctx, logger, item); err != nil {
					config.LogError(logger, "crmsync", "ResolveConflict", c.Param("id"), input.Strategy, err)
					c.JSON(http.StatusAccepted, gin.H{"status": "local adopted", "note": "outbound sync queued for retry"})
					return
				}
			}
			c.JSON(http.StatusOK, gin.H{"status": "local adopted"})
		case "external":
			if err := AdoptExternal(ctx, logger, business.ID); err != nil {
				config.LogError(logger, "crmsync", "ResolveConflict", c.Param("id"), input.Strategy, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "external adopted"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "strategy must be local or external"})
		}
	}
}

// RepairBusiness forces a re-derivation of one business regardless of audit
// confidence. Operator escape hatch for medium-confidence divergences.
func RepairBusiness() gin.HandlerFunc {
	return func(c *gin.Context) {
		business, ok := resolveBusiness(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		logger := config.GetLogger()

		var state models.BusinessState
		err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := workflow.AcquireBusinessSyncLock(tx, business.ID); err != nil {
				return err
			}
			defer workflow.ReleaseBusinessSyncLock(tx, business.ID)

			var err error
			state, _, err = workflow.RecomputeBusinessState(tx, logger, business.ID, models.TriggerSourceAuditorRepair)
			return err
		})
		if err != nil {
			config.LogError(logger, "crmsync", "RepairBusiness", c.Param("id"), "", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": state})
	}
}

// RunAudit executes a full consistency audit. Repair is opt-in via query param
// and additionally gated by the feature flag. Admin only.
func RunAudit() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if isAdmin, _ := utils.GetIsAdminFromContext(ctx); !isAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		repair := c.Query("repair") == "true" && config.AutoRepairEnabled()
		report, err := workflow.RunConsistencyAudit(ctx, config.GetDB(), config.GetLogger(), repair)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// AuditExport streams the latest audit as a spreadsheet. Never repairs.
func AuditExport() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if isAdmin, _ := utils.GetIsAdminFromContext(ctx); !isAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		report, err := workflow.RunConsistencyAudit(ctx, config.GetDB(), config.GetLogger(), false)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		f, err := workflow.ExportAuditReportXLSX(report)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		filename := "consistency-audit-" + time.Now().UTC().Format("20060102-150405") + ".xlsx"
		c.Header("Content-Disposition", "attachment; filename="+filename)
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		if err := f.Write(c.Writer); err != nil {
			config.LogError(config.GetLogger(), "crmsync", "AuditExport", filename, "", err)
		}
	}
}

// SyncHistory returns the recent audit trail for one business.
func SyncHistory() gin.HandlerFunc {
	return func(c *gin.Context) {
		business, ok := resolveBusiness(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

		entries, err := models.GetSyncLogForBusiness(config.GetDB().WithContext(c.Request.Context()), business.ID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

// FailedSyncItems lists terminally failed queue items for operators. Admin only.
func FailedSyncItems() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if isAdmin, _ := utils.GetIsAdminFromContext(ctx); !isAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

		items, err := models.FailedSyncItems(config.GetDB().WithContext(ctx), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

// ListStageMappings returns the caller's stage mapping table.
func ListStageMappings() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userId, ok := utils.GetUserIdFromContext(ctx)
		if !ok || userId == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		mappings, err := models.GetStageMappings(config.GetDB().WithContext(ctx), userId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"mappings": mappings})
	}
}

// PutStageMapping creates or replaces the mapping for one canonical state.
func PutStageMapping() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userId, ok := utils.GetUserIdFromContext(ctx)
		if !ok || userId == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var input models.NewStageMapping
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		switch input.State {
		case models.BusinessStateOpportunityCreated, models.BusinessStateQuoteSent,
			models.BusinessStatePartiallyAccepted, models.BusinessStateAccepted,
			models.BusinessStateClosed, models.BusinessStateLost:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state"})
			return
		}

		mapping, err := models.UpsertStageMapping(config.GetDB().WithContext(ctx), userId, &input)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"mapping": mapping})
	}
}
