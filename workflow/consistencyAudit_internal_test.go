package workflow

import (
	"testing"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/deals_backend/models"
)

func TestDivergenceReason(t *testing.T) {
	inv := true
	budgets := []models.Budget{
		{State: models.BudgetStateApproved, Total: decimal.NewFromInt(100), Invoiced: &inv},
		{State: models.BudgetStateApproved, Total: decimal.NewFromInt(200), Invoiced: &inv},
	}
	agg := AggregateBudgets(budgets)

	got := divergenceReason(models.BusinessStateQuoteSent, models.BusinessStateClosed, agg)
	want := "budgets (2 approved, 2 invoiced) derive business_closed but stored state is quote_sent"
	if got != want {
		t.Fatalf("unexpected reason:\n got %q\nwant %q", got, want)
	}

	got = divergenceReason(models.BusinessStateAccepted, models.BusinessStateOpportunityCreated, BudgetAggregate{
		CountsByState: map[models.BudgetState]int{},
	})
	want = "no live budgets but stored state is business_accepted"
	if got != want {
		t.Fatalf("unexpected reason for empty set:\n got %q\nwant %q", got, want)
	}
}
