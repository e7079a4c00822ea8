package crmsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/deals_backend/config"
	"bitbucket.org/mmdatafocus/deals_backend/models"
	"bitbucket.org/mmdatafocus/deals_backend/workflow"
)

var ensureTopicOnce sync.Once

// PublishSyncIntent notifies the sync lane about a freshly enqueued queue item.
// The queue row is the durable source of truth; a lost message only delays the
// item until the polling dispatcher picks it up.
func PublishSyncIntent(ctx context.Context, logger *logrus.Logger, item *models.SyncQueueItem) {
	ensureTopicOnce.Do(func() {
		client, err := config.GetClient(ctx)
		if err != nil {
			config.LogError(logger, "crmsync", "PublishSyncIntent", "ensure topic", "", err)
			return
		}
		topicName := os.Getenv("CRM_SYNC_TOPIC")
		if topicName == "" {
			topicName = "crm-sync"
		}
		if _, err := config.CreateTopicIfNotExists(client, topicName); err != nil {
			config.LogError(logger, "crmsync", "PublishSyncIntent", "ensure topic", "", err)
		}
	})

	msg := config.SyncIntentMessage{
		QueueItemId:   item.ID,
		BusinessId:    item.BusinessId,
		OperationType: string(item.OperationType),
		TriggerSource: string(item.TriggerSource),
		CorrelationId: item.CorrelationId,
	}
	if _, err := config.PublishSyncIntentWithResult(ctx, msg); err != nil {
		config.LogError(logger, "crmsync", "PublishSyncIntent", "publish", "", err)
	}
}

type pushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageId string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PubSubPushHandler consumes CRM sync intents delivered over a push
// subscription. Terminal outcomes (success, permanent failure, stale item) are
// acked with 200; transient failures return 500 so the broker redelivers.
func PubSubPushHandler(dispatcher *workflow.SyncDispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		var envelope pushEnvelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid push envelope"})
			return
		}

		var msg config.SyncIntentMessage
		if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil {
			config.LogError(logger, "crmsync", "PubSubPushHandler", "decode message", string(envelope.Message.Data), err)
			// Malformed payloads can never succeed; ack so they stop redelivering.
			c.JSON(http.StatusOK, gin.H{"status": "discarded"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		item, err := models.GetSyncQueueItem(db, msg.QueueItemId)
		if err != nil {
			// Row gone (business deleted, queue pruned): nothing to do.
			c.JSON(http.StatusOK, gin.H{"status": "gone"})
			return
		}

		// PROCESSING is the normal state here: the dispatcher claims the row,
		// then publishes it to this lane. Only terminal rows are skipped.
		switch item.Status {
		case models.SyncQueueStatusSuccess, models.SyncQueueStatusFailed:
			c.JSON(http.StatusOK, gin.H{"status": "skipped"})
			return
		}

		procErr := ExecuteSyncItemForMessage(c.Request.Context(), logger, *item, envelope.Message.MessageId)
		dispatcher.MarkItemResult(c.Request.Context(), *item, procErr)

		if procErr != nil && !errors.Is(procErr, workflow.ErrNonRetryable) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": procErr.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "processed"})
	}
}
