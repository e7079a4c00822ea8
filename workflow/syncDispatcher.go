package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/deals_backend/models"
)

// SyncItemProcessor executes one claimed queue item against the external CRM.
// Injected by the crmsync package to keep the dependency one-way.
type SyncItemProcessor func(ctx context.Context, logger *logrus.Logger, item models.SyncQueueItem) error

// SyncIntentPublisher hands a claimed queue item to the Pub/Sub push lane.
type SyncIntentPublisher func(ctx context.Context, logger *logrus.Logger, item *models.SyncQueueItem)

type SyncDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Process      SyncItemProcessor
	Publish      SyncIntentPublisher
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewSyncDispatcher(db *gorm.DB, logger *logrus.Logger, process SyncItemProcessor) *SyncDispatcher {
	return &SyncDispatcher{
		DB:             db,
		Logger:         logger,
		Process:        process,
		DispatcherID:   uuid.NewString(),
		BatchSize:      25,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    8,
		InitialBackoff: 5 * time.Second,
	}
}

func (d *SyncDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *SyncDispatcher) dispatchOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)
	db := d.DB
	if db == nil {
		return
	}

	var claimed []models.SyncQueueItem
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING / RETRYING and ready to retry
		// - PROCESSING but lock is stale (worker crashed mid-item), reclaim after LockTimeout
		// Manual syncs outrank automatic ones, then FIFO.
		q := tx.
			Where(`
				(
					status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{string(models.SyncQueueStatusPending), string(models.SyncQueueStatusRetrying)}, now,
				models.SyncQueueStatusProcessing, staleBefore).
			Order("priority DESC, id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			// Poison items go terminal and are left for the auditor/operator.
			if d.MaxAttempts > 0 && claimed[i].Attempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max sync attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].Status = models.SyncQueueStatusFailed
				if err := tx.Model(&models.SyncQueueItem{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"status":          models.SyncQueueStatusFailed,
					"last_error":      &msg,
					"next_attempt_at": nil,
					"locked_at":       nil,
					"locked_by":       nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			claimed[i].Status = models.SyncQueueStatusProcessing
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &d.DispatcherID
			claimed[i].Attempts = claimed[i].Attempts + 1
			if err := tx.Model(&models.SyncQueueItem{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"status":          claimed[i].Status,
				"locked_at":       claimed[i].LockedAt,
				"locked_by":       claimed[i].LockedBy,
				"attempts":        gorm.Expr("attempts + 1"),
				"last_error":      nil,
				"next_attempt_at": nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for _, item := range claimed {
		if item.Status == models.SyncQueueStatusFailed {
			continue
		}
		d.deliver(ctx, item)
	}
}

// deliver hands one claimed item to the push lane when a publisher is wired,
// falling back to in-process execution otherwise. Published items stay
// PROCESSING until the push consumer records the outcome; if the message is
// lost, the stale-lock reclaim republishes after LockTimeout.
func (d *SyncDispatcher) deliver(ctx context.Context, item models.SyncQueueItem) {
	if d.Publish != nil {
		d.Publish(ctx, d.Logger, &item)
		return
	}
	procErr := d.Process(ctx, d.Logger, item)
	d.MarkItemResult(ctx, item, procErr)
}

// MarkItemResult writes the terminal/retry status for a processed item. Shared
// with the Pub/Sub push consumer so both lanes record outcomes identically.
func (d *SyncDispatcher) MarkItemResult(ctx context.Context, item models.SyncQueueItem, procErr error) {
	db := d.DB.WithContext(ctx)
	now := time.Now().UTC()

	if procErr == nil {
		_ = db.Model(&models.SyncQueueItem{}).
			Where("id = ?", item.ID).
			Updates(map[string]interface{}{
				"status":          models.SyncQueueStatusSuccess,
				"locked_at":       nil,
				"locked_by":       nil,
				"next_attempt_at": nil,
			}).Error
		return
	}

	msg := procErr.Error()

	// Permanent errors and exhausted retries go terminal.
	if errors.Is(procErr, ErrNonRetryable) || (d.MaxAttempts > 0 && item.Attempts >= d.MaxAttempts) {
		_ = db.Model(&models.SyncQueueItem{}).
			Where("id = ?", item.ID).
			Updates(map[string]interface{}{
				"status":          models.SyncQueueStatusFailed,
				"last_error":      &msg,
				"next_attempt_at": nil,
				"locked_at":       nil,
				"locked_by":       nil,
			}).Error

		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":       "SyncDispatcher",
				"business_id": item.BusinessId,
				"item_id":     item.ID,
				"operation":   item.OperationType,
				"attempt":     item.Attempts,
			}).Error("sync item moved to FAILED: " + msg)
		}
		return
	}

	next := now.Add(NextBackoff(d.InitialBackoff, item.Attempts))
	_ = db.Model(&models.SyncQueueItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]interface{}{
			"status":          models.SyncQueueStatusRetrying,
			"last_error":      &msg,
			"next_attempt_at": &next,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error

	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":           "SyncDispatcher",
			"business_id":     item.BusinessId,
			"item_id":         item.ID,
			"operation":       item.OperationType,
			"attempt":         item.Attempts,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Error("sync item failed, scheduled retry: " + msg)
	}
}

// NextBackoff doubles the initial backoff per prior attempt, capped at 10 minutes.
func NextBackoff(initial time.Duration, attempt int) time.Duration {
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > time.Minute*10 {
			return time.Minute * 10
		}
	}
	return backoff
}
