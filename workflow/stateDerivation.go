package workflow

import (
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/deals_backend/models"
)

// BudgetAggregate is the output of the budget aggregator: the reportable value
// plus per-state counts over the non-cancelled budget set.
type BudgetAggregate struct {
	Value            decimal.Decimal
	CountsByState    map[models.BudgetState]int
	TotalCount       int
	ApprovedCount    int
	InvoicedApproved int
}

// AggregateBudgets computes the monetary value under the strict priority rule:
// approved totals win outright; otherwise published totals; otherwise draft
// totals; otherwise zero. Rejected/expired totals never contribute and never
// net against approved ones. Cancelled budgets are excluded entirely.
func AggregateBudgets(budgets []models.Budget) BudgetAggregate {
	agg := BudgetAggregate{
		Value:         decimal.Zero,
		CountsByState: map[models.BudgetState]int{},
	}

	approvedSum := decimal.Zero
	publishedSum := decimal.Zero
	draftSum := decimal.Zero

	for _, b := range budgets {
		if b.State == models.BudgetStateCancelled {
			continue
		}
		agg.TotalCount++
		agg.CountsByState[b.State]++

		switch b.State {
		case models.BudgetStateApproved:
			agg.ApprovedCount++
			if b.IsInvoiced() {
				agg.InvoicedApproved++
			}
			approvedSum = approvedSum.Add(b.Total)
		case models.BudgetStatePublished:
			publishedSum = publishedSum.Add(b.Total)
		case models.BudgetStateDraft:
			draftSum = draftSum.Add(b.Total)
		}
	}

	switch {
	case agg.ApprovedCount > 0:
		agg.Value = approvedSum
	case agg.CountsByState[models.BudgetStatePublished] > 0:
		agg.Value = publishedSum
	case agg.CountsByState[models.BudgetStateDraft] > 0:
		agg.Value = draftSum
	}
	return agg
}

// DeriveBusinessState maps the budget set to the canonical business state.
// First match wins; callers must always pass the current budget set and never
// trust a cached state as an oracle for whether a sync is needed.
func DeriveBusinessState(budgets []models.Budget) models.BusinessState {
	agg := AggregateBudgets(budgets)

	if agg.TotalCount == 0 {
		return models.BusinessStateOpportunityCreated
	}
	if agg.ApprovedCount > 0 && agg.InvoicedApproved == agg.ApprovedCount {
		return models.BusinessStateClosed
	}
	if agg.ApprovedCount == agg.TotalCount {
		return models.BusinessStateAccepted
	}
	if agg.ApprovedCount > 0 {
		return models.BusinessStatePartiallyAccepted
	}
	if agg.CountsByState[models.BudgetStateRejected]+agg.CountsByState[models.BudgetStateExpired] == agg.TotalCount {
		return models.BusinessStateLost
	}
	if agg.CountsByState[models.BudgetStatePublished] > 0 || agg.CountsByState[models.BudgetStateDraft] > 0 {
		return models.BusinessStateQuoteSent
	}
	return models.BusinessStateOpportunityCreated
}

// RecomputeBusinessState reloads the live budget set, derives the canonical
// state and, when the stored state disagrees, corrects it through the single
// mutation entry point. Returns the (possibly corrected) state and the
// aggregated value.
func RecomputeBusinessState(tx *gorm.DB, logger *logrus.Logger, businessId int, source models.TriggerSource) (models.BusinessState, decimal.Decimal, error) {
	budgets, err := models.GetBudgetsForBusiness(tx, businessId)
	if err != nil {
		return "", decimal.Zero, err
	}

	derived := DeriveBusinessState(budgets)
	agg := AggregateBudgets(budgets)

	if _, err := models.UpdateBusinessState(tx, businessId, derived, source); err != nil {
		return "", decimal.Zero, err
	}
	return derived, agg.Value, nil
}
