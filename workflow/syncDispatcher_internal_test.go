package workflow

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/deals_backend/models"
)

func TestDeliverRoutesClaimedItemsToPublisher(t *testing.T) {
	published := 0
	d := &SyncDispatcher{
		Logger: logrus.New(),
		Publish: func(ctx context.Context, logger *logrus.Logger, item *models.SyncQueueItem) {
			published++
			if item.ID != 41 {
				t.Fatalf("published wrong item: %d", item.ID)
			}
		},
		Process: func(ctx context.Context, logger *logrus.Logger, item models.SyncQueueItem) error {
			t.Fatal("claimed items must ride the push lane when a publisher is wired")
			return nil
		},
	}

	d.deliver(context.Background(), models.SyncQueueItem{ID: 41, BusinessId: 7})
	if published != 1 {
		t.Fatalf("expected 1 publish, got %d", published)
	}
}
