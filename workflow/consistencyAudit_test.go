package workflow_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/deals_backend/models"
	"bitbucket.org/mmdatafocus/deals_backend/workflow"
)

func TestClassifyConfidenceHigh(t *testing.T) {
	cases := []struct {
		name    string
		budgets []models.Budget
	}{
		{"no budgets", nil},
		{"all approved", []models.Budget{
			budget(models.BudgetStateApproved, 100, false),
			budget(models.BudgetStateApproved, 200, false),
		}},
		{"all approved and invoiced", []models.Budget{
			budget(models.BudgetStateApproved, 100, true),
		}},
		{"all rejected or expired", []models.Budget{
			budget(models.BudgetStateRejected, 100, false),
			budget(models.BudgetStateExpired, 200, false),
		}},
		{"cancelled only", []models.Budget{
			budget(models.BudgetStateCancelled, 300, false),
		}},
	}
	for _, tc := range cases {
		if got := workflow.ClassifyConfidence(tc.budgets); got != models.AuditConfidenceHigh {
			t.Fatalf("%s: expected high, got %s", tc.name, got)
		}
	}
}

func TestClassifyConfidenceMedium(t *testing.T) {
	cases := []struct {
		name    string
		budgets []models.Budget
	}{
		{"mixed approved and draft", []models.Budget{
			budget(models.BudgetStateApproved, 100, false),
			budget(models.BudgetStateDraft, 50, false),
		}},
		{"published only", []models.Budget{
			budget(models.BudgetStatePublished, 100, false),
		}},
		{"rejected beside published", []models.Budget{
			budget(models.BudgetStateRejected, 100, false),
			budget(models.BudgetStatePublished, 200, false),
		}},
	}
	for _, tc := range cases {
		if got := workflow.ClassifyConfidence(tc.budgets); got != models.AuditConfidenceMedium {
			t.Fatalf("%s: expected medium, got %s", tc.name, got)
		}
	}
}

func TestExportAuditReportXLSX(t *testing.T) {
	report := &workflow.AuditReport{
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
		Scanned:    3,
		Divergent:  1,
		Items: []workflow.AuditLineItem{
			{
				BusinessId:     7,
				BusinessNumber: 12,
				UserId:         1,
				StoredState:    models.BusinessStateQuoteSent,
				ExpectedState:  models.BusinessStateAccepted,
				ExpectedValue:  decimal.NewFromInt(5000),
				Reason:         "budgets (2 approved) derive business_accepted but stored state is quote_sent",
				Confidence:     models.AuditConfidenceHigh,
				Repaired:       true,
			},
		},
	}

	f, err := workflow.ExportAuditReportXLSX(report)
	if err != nil {
		t.Fatalf("ExportAuditReportXLSX: %v", err)
	}
	defer f.Close()

	got, err := f.GetCellValue("Audit", "A2")
	if err != nil {
		t.Fatalf("GetCellValue: %v", err)
	}
	if got != "7" {
		t.Fatalf("expected business id 7 in A2, got %q", got)
	}
	got, err = f.GetCellValue("Audit", "E2")
	if err != nil {
		t.Fatalf("GetCellValue: %v", err)
	}
	if got != string(models.BusinessStateAccepted) {
		t.Fatalf("expected expected-state in E2, got %q", got)
	}
	got, err = f.GetCellValue("Audit", "G2")
	if err != nil {
		t.Fatalf("GetCellValue: %v", err)
	}
	if got != report.Items[0].Reason {
		t.Fatalf("expected reason in G2, got %q", got)
	}
}
