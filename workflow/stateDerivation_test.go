package workflow_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/deals_backend/models"
	"bitbucket.org/mmdatafocus/deals_backend/workflow"
)

func budget(state models.BudgetState, total int64, invoiced bool) models.Budget {
	return models.Budget{
		State:    state,
		Total:    decimal.NewFromInt(total),
		Invoiced: &invoiced,
	}
}

func TestDeriveStateEmptyBudgetSet(t *testing.T) {
	state := workflow.DeriveBusinessState(nil)
	if state != models.BusinessStateOpportunityCreated {
		t.Fatalf("expected opportunity_created, got %s", state)
	}
	agg := workflow.AggregateBudgets(nil)
	if !agg.Value.IsZero() {
		t.Fatalf("expected zero value, got %s", agg.Value)
	}
}

func TestDeriveStateAllApproved(t *testing.T) {
	budgets := []models.Budget{
		budget(models.BudgetStateApproved, 1000, false),
		budget(models.BudgetStateApproved, 2500, false),
	}
	state := workflow.DeriveBusinessState(budgets)
	if state != models.BusinessStateAccepted {
		t.Fatalf("expected business_accepted, got %s", state)
	}
	agg := workflow.AggregateBudgets(budgets)
	if !agg.Value.Equal(decimal.NewFromInt(3500)) {
		t.Fatalf("expected value 3500, got %s", agg.Value)
	}
}

func TestDeriveStateAllApprovedAndInvoiced(t *testing.T) {
	budgets := []models.Budget{
		budget(models.BudgetStateApproved, 1000, true),
		budget(models.BudgetStateApproved, 2500, true),
	}
	if state := workflow.DeriveBusinessState(budgets); state != models.BusinessStateClosed {
		t.Fatalf("expected business_closed, got %s", state)
	}
}

func TestDeriveStateClosedDoesNotRequireAllApproved(t *testing.T) {
	// One approved+invoiced budget next to a rejected one still closes: every
	// approved budget is invoiced.
	budgets := []models.Budget{
		budget(models.BudgetStateApproved, 1000, true),
		budget(models.BudgetStateRejected, 500, false),
	}
	if state := workflow.DeriveBusinessState(budgets); state != models.BusinessStateClosed {
		t.Fatalf("expected business_closed, got %s", state)
	}
}

func TestDeriveStatePartiallyAccepted(t *testing.T) {
	budgets := []models.Budget{
		budget(models.BudgetStateDraft, 100000, false),
		budget(models.BudgetStateApproved, 250000, false),
	}
	if state := workflow.DeriveBusinessState(budgets); state != models.BusinessStatePartiallyAccepted {
		t.Fatalf("expected partially_accepted, got %s", state)
	}
	// Approved totals dominate the value outright; the draft never contributes.
	agg := workflow.AggregateBudgets(budgets)
	if !agg.Value.Equal(decimal.NewFromInt(250000)) {
		t.Fatalf("expected value 250000, got %s", agg.Value)
	}
}

func TestDeriveStateAllRejectedOrExpired(t *testing.T) {
	budgets := []models.Budget{
		budget(models.BudgetStateRejected, 800, false),
		budget(models.BudgetStateExpired, 1200, false),
	}
	if state := workflow.DeriveBusinessState(budgets); state != models.BusinessStateLost {
		t.Fatalf("expected business_lost, got %s", state)
	}
	// Rejected and expired totals never count toward the value.
	agg := workflow.AggregateBudgets(budgets)
	if !agg.Value.IsZero() {
		t.Fatalf("expected zero value, got %s", agg.Value)
	}
}

func TestDeriveStateQuoteSent(t *testing.T) {
	budgets := []models.Budget{
		budget(models.BudgetStateDraft, 500, false),
		budget(models.BudgetStatePublished, 1500, false),
	}
	if state := workflow.DeriveBusinessState(budgets); state != models.BusinessStateQuoteSent {
		t.Fatalf("expected quote_sent, got %s", state)
	}
	// Published totals outrank draft totals.
	agg := workflow.AggregateBudgets(budgets)
	if !agg.Value.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("expected value 1500, got %s", agg.Value)
	}
}

func TestDeriveStateDraftOnly(t *testing.T) {
	budgets := []models.Budget{budget(models.BudgetStateDraft, 700, false)}
	if state := workflow.DeriveBusinessState(budgets); state != models.BusinessStateQuoteSent {
		t.Fatalf("expected quote_sent, got %s", state)
	}
	agg := workflow.AggregateBudgets(budgets)
	if !agg.Value.Equal(decimal.NewFromInt(700)) {
		t.Fatalf("expected value 700, got %s", agg.Value)
	}
}

func TestCancelledBudgetsAreInvisible(t *testing.T) {
	budgets := []models.Budget{
		budget(models.BudgetStateCancelled, 9999, false),
	}
	if state := workflow.DeriveBusinessState(budgets); state != models.BusinessStateOpportunityCreated {
		t.Fatalf("expected opportunity_created, got %s", state)
	}

	budgets = append(budgets, budget(models.BudgetStateApproved, 100, false))
	if state := workflow.DeriveBusinessState(budgets); state != models.BusinessStateAccepted {
		t.Fatalf("expected business_accepted, got %s", state)
	}
	agg := workflow.AggregateBudgets(budgets)
	if !agg.Value.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("cancelled total leaked into value: %s", agg.Value)
	}
}

func TestAggregatedValueMonotonicUnderApprovals(t *testing.T) {
	budgets := []models.Budget{
		budget(models.BudgetStateApproved, 1000, false),
		budget(models.BudgetStateRejected, 5000, false),
	}
	before := workflow.AggregateBudgets(budgets).Value

	// Adding another approved budget never decreases the value.
	budgets = append(budgets, budget(models.BudgetStateApproved, 250, false))
	after := workflow.AggregateBudgets(budgets).Value
	if after.LessThan(before) {
		t.Fatalf("value decreased after adding approved budget: %s -> %s", before, after)
	}

	// Adding rejected budgets never reduces it either.
	budgets = append(budgets, budget(models.BudgetStateRejected, 9000, false))
	unchanged := workflow.AggregateBudgets(budgets).Value
	if !unchanged.Equal(after) {
		t.Fatalf("rejected budget changed the value: %s -> %s", after, unchanged)
	}
}

func TestDerivationIsDeterministic(t *testing.T) {
	budgets := []models.Budget{
		budget(models.BudgetStateDraft, 100, false),
		budget(models.BudgetStatePublished, 200, false),
		budget(models.BudgetStateApproved, 300, false),
		budget(models.BudgetStateRejected, 400, false),
	}
	first := workflow.DeriveBusinessState(budgets)
	firstValue := workflow.AggregateBudgets(budgets).Value
	for i := 0; i < 50; i++ {
		if got := workflow.DeriveBusinessState(budgets); got != first {
			t.Fatalf("derivation not deterministic: %s vs %s", got, first)
		}
		if got := workflow.AggregateBudgets(budgets).Value; !got.Equal(firstValue) {
			t.Fatalf("aggregation not deterministic: %s vs %s", got, firstValue)
		}
	}
}

func TestMixedDeadAndLiveBudgets(t *testing.T) {
	// A rejected budget beside a published one is still an open quote.
	budgets := []models.Budget{
		budget(models.BudgetStateRejected, 100, false),
		budget(models.BudgetStatePublished, 900, false),
	}
	if state := workflow.DeriveBusinessState(budgets); state != models.BusinessStateQuoteSent {
		t.Fatalf("expected quote_sent, got %s", state)
	}
	agg := workflow.AggregateBudgets(budgets)
	if !agg.Value.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("expected value 900, got %s", agg.Value)
	}
}
