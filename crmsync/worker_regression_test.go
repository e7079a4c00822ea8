package crmsync_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/deals_backend/config"
	"bitbucket.org/mmdatafocus/deals_backend/crmsync"
	"bitbucket.org/mmdatafocus/deals_backend/models"
	"bitbucket.org/mmdatafocus/deals_backend/utils"
	"bitbucket.org/mmdatafocus/deals_backend/workflow"
)

// crmStub is an in-memory stand-in for the external CRM's deal API.
type crmStub struct {
	mu      sync.Mutex
	deals   map[string]*stubDeal
	patches map[string]int
}

type stubDeal struct {
	PipelineId string
	StageId    string
	Amount     decimal.Decimal
}

func newCRMStub() *crmStub {
	return &crmStub{
		deals:   map[string]*stubDeal{},
		patches: map[string]int{},
	}
}

func (s *crmStub) putDeal(id, pipelineId, stageId string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deals[id] = &stubDeal{PipelineId: pipelineId, StageId: stageId, Amount: decimal.NewFromInt(amount)}
}

func (s *crmStub) deal(id string) (stubDeal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[id]
	if !ok {
		return stubDeal{}, false
	}
	return *d, true
}

func (s *crmStub) patchCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patches[id]
}

func (s *crmStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/deals/")

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deals[id]
	if !ok {
		http.Error(w, `{"error":"deal not found"}`, http.StatusNotFound)
		return
	}

	if r.Method == http.MethodPatch {
		var patch struct {
			PipelineId *string          `json:"pipeline_id"`
			StageId    *string          `json:"stage_id"`
			Amount     *decimal.Decimal `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, `{"error":"bad patch"}`, http.StatusUnprocessableEntity)
			return
		}
		if patch.PipelineId != nil {
			d.PipelineId = *patch.PipelineId
		}
		if patch.StageId != nil {
			d.StageId = *patch.StageId
		}
		if patch.Amount != nil {
			d.Amount = *patch.Amount
		}
		s.patches[id]++
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":%q,"pipeline_id":%q,"stage_id":%q,"amount":%q}`,
		id, d.PipelineId, d.StageId, d.Amount.String())
}

func TestSyncWorkerRemoteLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", "127.0.0.1:"+redisPort)
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "deals_test")

	stub := newCRMStub()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	t.Setenv("CRM_API_BASE_URL", srv.URL)
	t.Setenv("CRM_API_TOKEN", "test-token")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	db := config.GetDB()
	if db == nil {
		t.Fatal("db is nil after ConnectDatabaseWithRetry")
	}
	logger := config.GetLogger()

	active := true
	userA := models.User{Username: "owner@test.local", Name: "Owner", Password: "x", Role: models.UserRoleUser, IsActive: &active}
	if err := db.Create(&userA).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	userB := models.User{Username: "unmapped@test.local", Name: "Unmapped", Password: "x", Role: models.UserRoleUser, IsActive: &active}
	if err := db.Create(&userB).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}

	ctxA := utils.SetCorrelationIdInContext(utils.SetUserIdInContext(context.Background(), userA.ID), "test-run")
	ctxB := utils.SetCorrelationIdInContext(utils.SetUserIdInContext(context.Background(), userB.ID), "test-run")

	if _, err := models.UpsertStageMapping(db, userA.ID, &models.NewStageMapping{
		State:              models.BusinessStateAccepted,
		ExternalPipelineId: "p1",
		ExternalStageId:    "s-accepted",
	}); err != nil {
		t.Fatalf("upsert stage mapping: %v", err)
	}

	t.Run("first sync patches, second pass is a no-op", func(t *testing.T) {
		stub.putDeal("deal-1", "p1", "s-old", 0)
		business := createLinkedBusiness(t, ctxA, "Deal One", "deal-1", 1000, 2500)

		item := enqueueItem(t, db, ctxA, business.ID, models.SyncOperationState)
		if err := crmsync.ProcessSyncItem(ctxA, logger, *item); err != nil {
			t.Fatalf("first sync: %v", err)
		}

		if got := stub.patchCount("deal-1"); got != 1 {
			t.Fatalf("expected 1 patch, got %d", got)
		}
		if d, _ := stub.deal("deal-1"); d.StageId != "s-accepted" {
			t.Fatalf("remote stage not updated: %s", d.StageId)
		}

		var reloaded models.Business
		if err := db.Where("id = ?", business.ID).Take(&reloaded).Error; err != nil {
			t.Fatalf("reload business: %v", err)
		}
		if reloaded.State != models.BusinessStateAccepted {
			t.Fatalf("expected business_accepted, got %s", reloaded.State)
		}
		if reloaded.LastExternalStageId == nil || *reloaded.LastExternalStageId != "s-accepted" {
			t.Fatalf("snapshot stage not refreshed: %v", reloaded.LastExternalStageId)
		}

		// Redelivery of the same intent: new attempt, fresh idempotency key,
		// but the remote already matches so no second PATCH goes out.
		second := *item
		second.Attempts = 1
		if err := crmsync.ProcessSyncItem(ctxA, logger, second); err != nil {
			t.Fatalf("second sync: %v", err)
		}
		if got := stub.patchCount("deal-1"); got != 1 {
			t.Fatalf("second pass must not patch again, got %d patches", got)
		}

		var noop int64
		if err := db.Model(&models.SyncLogEntry{}).
			Where("business_id = ? AND error_message = ?", business.ID, "already in sync").
			Count(&noop).Error; err != nil {
			t.Fatalf("count log entries: %v", err)
		}
		if noop == 0 {
			t.Fatal("expected an 'already in sync' log entry for the second pass")
		}
	})

	t.Run("amount sync does not require a stage mapping", func(t *testing.T) {
		stub.putDeal("deal-2", "p9", "s-x", 0)
		business := createLinkedBusiness(t, ctxB, "Deal Two", "deal-2", 700)

		item := enqueueItem(t, db, ctxB, business.ID, models.SyncOperationAmount)
		if err := crmsync.ProcessSyncItem(ctxB, logger, *item); err != nil {
			t.Fatalf("amount sync with no mapping configured: %v", err)
		}
		if d, _ := stub.deal("deal-2"); !d.Amount.Equal(decimal.NewFromInt(700)) {
			t.Fatalf("remote amount not updated: %s", d.Amount)
		}

		// Stage writes still hard-fail without a mapping.
		stateItem := enqueueItem(t, db, ctxB, business.ID, models.SyncOperationState)
		err := crmsync.ProcessSyncItem(ctxB, logger, *stateItem)
		if !errors.Is(err, workflow.ErrNonRetryable) {
			t.Fatalf("expected non-retryable mapping error, got %v", err)
		}
	})

	t.Run("remote 404 deletes locally and keeps the log", func(t *testing.T) {
		business := createLinkedBusiness(t, ctxA, "Deal Gone", "deal-gone", 900)

		item := enqueueItem(t, db, ctxA, business.ID, models.SyncOperationState)
		if err := crmsync.ProcessSyncItem(ctxA, logger, *item); err != nil {
			t.Fatalf("sync against deleted remote: %v", err)
		}

		var gone models.Business
		if err := db.Where("id = ?", business.ID).Take(&gone).Error; !errors.Is(err, gorm.ErrRecordNotFound) {
			t.Fatalf("expected business deleted, got err=%v", err)
		}
		var budgets int64
		if err := db.Model(&models.Budget{}).Where("business_id = ?", business.ID).Count(&budgets).Error; err != nil {
			t.Fatalf("count budgets: %v", err)
		}
		if budgets != 0 {
			t.Fatalf("expected budgets cascaded, %d left", budgets)
		}

		var entries []models.SyncLogEntry
		if err := db.Where("business_id = ?", business.ID).Find(&entries).Error; err != nil {
			t.Fatalf("load log entries: %v", err)
		}
		if len(entries) == 0 {
			t.Fatal("log entries must survive the cascade delete")
		}
		found := false
		for _, e := range entries {
			if strings.Contains(e.ErrorMessage, "remote object not found") {
				found = true
			}
		}
		if !found {
			t.Fatal("expected a 'remote object not found' log entry")
		}
	})

	t.Run("adopt-local clears the conflict before returning", func(t *testing.T) {
		stub.putDeal("deal-4", "p1", "s-other", 111)
		business := createLinkedBusiness(t, ctxA, "Deal Four", "deal-4", 5000)
		if err := models.SetExternalSnapshot(db, business.ID, "s-other", decimal.NewFromInt(111)); err != nil {
			t.Fatalf("seed snapshot: %v", err)
		}

		conflict, err := workflow.DetectConflict(db.WithContext(ctxA), business.ID)
		if err != nil {
			t.Fatalf("DetectConflict: %v", err)
		}
		if conflict == nil || conflict.Type != models.ConflictTypeBoth {
			t.Fatalf("expected a state+amount conflict, got %+v", conflict)
		}

		var items []*models.SyncQueueItem
		err = db.WithContext(ctxA).Transaction(func(tx *gorm.DB) error {
			items, err = workflow.ResolveConflictAdoptLocal(tx, conflict)
			return err
		})
		if err != nil {
			t.Fatalf("ResolveConflictAdoptLocal: %v", err)
		}
		for _, item := range items {
			if err := crmsync.ExecuteSyncItemInline(ctxA, logger, item); err != nil {
				t.Fatalf("inline sync of item %d: %v", item.ID, err)
			}
		}

		conflict, err = workflow.DetectConflict(db.WithContext(ctxA), business.ID)
		if err != nil {
			t.Fatalf("DetectConflict after resolve: %v", err)
		}
		if conflict != nil {
			t.Fatalf("conflict must be gone right after adopt-local, got %+v", conflict)
		}

		for _, item := range items {
			var row models.SyncQueueItem
			if err := db.Where("id = ?", item.ID).Take(&row).Error; err != nil {
				t.Fatalf("reload queue item %d: %v", item.ID, err)
			}
			if row.Status != models.SyncQueueStatusSuccess {
				t.Fatalf("item %d not closed out: %s", item.ID, row.Status)
			}
		}
	})
}

// createLinkedBusiness sets up a business linked to dealId with one approved
// budget per total. Budget writes skip the sync hooks so each subtest controls
// its own queue contents.
func createLinkedBusiness(t *testing.T, ctx context.Context, name, dealId string, totals ...int64) *models.Business {
	t.Helper()

	business, err := models.CreateBusiness(ctx, &models.NewBusiness{Name: name, ExternalDealId: &dealId})
	if err != nil {
		t.Fatalf("create business: %v", err)
	}

	skipCtx := utils.SetSkipSyncHooksInContext(ctx, true)
	db := config.GetDB().WithContext(skipCtx)
	for _, total := range totals {
		budget := models.Budget{
			BusinessId: business.ID,
			State:      models.BudgetStateApproved,
			Total:      decimal.NewFromInt(total),
		}
		if err := db.Create(&budget).Error; err != nil {
			t.Fatalf("create budget: %v", err)
		}
	}
	return business
}

func enqueueItem(t *testing.T, db *gorm.DB, ctx context.Context, businessId int, op models.SyncOperationType) *models.SyncQueueItem {
	t.Helper()

	var item *models.SyncQueueItem
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		item, err = models.EnqueueSyncItem(tx, businessId, op,
			models.SyncPriorityManual, models.TriggerSourceManual, "test-run")
		return err
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", op, err)
	}
	return item
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("deals-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("deals-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=deals_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
