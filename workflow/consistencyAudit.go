package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/deals_backend/config"
	"bitbucket.org/mmdatafocus/deals_backend/models"
)

// AuditLineItem is one divergent business found by the consistency audit.
type AuditLineItem struct {
	BusinessId     int                    `json:"business_id"`
	BusinessNumber int                    `json:"business_number"`
	UserId         int                    `json:"user_id"`
	StoredState    models.BusinessState   `json:"stored_state"`
	ExpectedState  models.BusinessState   `json:"expected_state"`
	ExpectedValue  decimal.Decimal        `json:"expected_value"`
	Reason         string                 `json:"reason"`
	Confidence     models.AuditConfidence `json:"confidence"`
	Repaired       bool                   `json:"repaired"`
	RepairError    string                 `json:"repair_error,omitempty"`
}

type AuditReport struct {
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	Scanned      int             `json:"scanned"`
	Divergent    int             `json:"divergent"`
	Repaired     int             `json:"repaired"`
	RepairErrors int             `json:"repair_errors"`
	Items        []AuditLineItem `json:"items"`
}

// ClassifyConfidence grades how safe an automatic repair is. High confidence
// covers budget sets whose derivation is unambiguous: empty, uniformly
// approved (invoiced or not), or uniformly dead (rejected/expired). Mixed sets
// are medium and always left to a human.
func ClassifyConfidence(budgets []models.Budget) models.AuditConfidence {
	agg := AggregateBudgets(budgets)

	if agg.TotalCount == 0 {
		return models.AuditConfidenceHigh
	}
	if agg.ApprovedCount == agg.TotalCount {
		return models.AuditConfidenceHigh
	}
	dead := agg.CountsByState[models.BudgetStateRejected] + agg.CountsByState[models.BudgetStateExpired]
	if dead == agg.TotalCount {
		return models.AuditConfidenceHigh
	}
	return models.AuditConfidenceMedium
}

// divergenceReason explains one audit line in operator terms: what the live
// budget set looks like and what it derives versus what is stored.
func divergenceReason(stored, expected models.BusinessState, agg BudgetAggregate) string {
	if agg.TotalCount == 0 {
		return fmt.Sprintf("no live budgets but stored state is %s", stored)
	}

	order := []models.BudgetState{
		models.BudgetStateDraft, models.BudgetStatePublished, models.BudgetStateApproved,
		models.BudgetStateRejected, models.BudgetStateExpired,
	}
	parts := make([]string, 0, len(order)+1)
	for _, s := range order {
		if n := agg.CountsByState[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if agg.InvoicedApproved > 0 {
		parts = append(parts, fmt.Sprintf("%d invoiced", agg.InvoicedApproved))
	}
	return fmt.Sprintf("budgets (%s) derive %s but stored state is %s",
		strings.Join(parts, ", "), expected, stored)
}

// RunConsistencyAudit scans every business in batches, re-derives the expected
// state from the live budget set and reports each divergence. Consistent
// businesses are untouched; the audit performs zero writes on them.
//
// When autoRepair is on, high-confidence divergences are corrected through the
// single mutation entry point, under the per-business sync lock so a concurrent
// sync cannot interleave. One failed business never aborts the run.
func RunConsistencyAudit(ctx context.Context, db *gorm.DB, logger *logrus.Logger, autoRepair bool) (*AuditReport, error) {
	report := &AuditReport{StartedAt: time.Now().UTC()}

	const batchSize = 200
	lastId := 0
	for {
		var businesses []models.Business
		err := db.WithContext(ctx).
			Preload("Budgets").
			Where("id > ?", lastId).
			Order("id ASC").
			Limit(batchSize).
			Find(&businesses).Error
		if err != nil {
			return nil, err
		}
		if len(businesses) == 0 {
			break
		}

		for i := range businesses {
			business := &businesses[i]
			lastId = business.ID
			report.Scanned++

			expected := DeriveBusinessState(business.Budgets)
			if expected == business.State {
				continue
			}

			agg := AggregateBudgets(business.Budgets)
			item := AuditLineItem{
				BusinessId:     business.ID,
				BusinessNumber: business.BusinessNumber,
				UserId:         business.UserId,
				StoredState:    business.State,
				ExpectedState:  expected,
				ExpectedValue:  agg.Value,
				Reason:         divergenceReason(business.State, expected, agg),
				Confidence:     ClassifyConfidence(business.Budgets),
			}
			report.Divergent++

			if autoRepair && item.Confidence == models.AuditConfidenceHigh {
				if err := repairBusiness(ctx, db, logger, business.ID); err != nil {
					item.RepairError = err.Error()
					report.RepairErrors++
					config.LogError(logger, "workflow", "RunConsistencyAudit",
						fmt.Sprintf("business_id=%d", business.ID), "", err)
				} else {
					item.Repaired = true
					report.Repaired++
				}
			}

			report.Items = append(report.Items, item)
		}

		if len(businesses) < batchSize {
			break
		}
	}

	report.FinishedAt = time.Now().UTC()
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":         "ConsistencyAudit",
			"scanned":       report.Scanned,
			"divergent":     report.Divergent,
			"repaired":      report.Repaired,
			"repair_errors": report.RepairErrors,
		}).Info("consistency audit finished")
	}
	return report, nil
}

func repairBusiness(ctx context.Context, db *gorm.DB, logger *logrus.Logger, businessId int) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireBusinessSyncLock(tx, businessId); err != nil {
			return err
		}
		defer ReleaseBusinessSyncLock(tx, businessId)

		_, _, err := RecomputeBusinessState(tx, logger, businessId, models.TriggerSourceAuditorRepair)
		return err
	})
}

// ExportAuditReportXLSX renders the report as a spreadsheet for operators.
func ExportAuditReportXLSX(report *AuditReport) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := "Audit"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	headers := []string{"Business ID", "Number", "User ID", "Stored State", "Expected State", "Expected Value", "Reason", "Confidence", "Repaired", "Repair Error"}
	for col, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for row, item := range report.Items {
		values := []interface{}{
			item.BusinessId,
			item.BusinessNumber,
			item.UserId,
			string(item.StoredState),
			string(item.ExpectedState),
			item.ExpectedValue.StringFixed(2),
			item.Reason,
			string(item.Confidence),
			item.Repaired,
			item.RepairError,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}

	summary := fmt.Sprintf("scanned=%d divergent=%d repaired=%d errors=%d (%s)",
		report.Scanned, report.Divergent, report.Repaired, report.RepairErrors,
		report.FinishedAt.Format(time.RFC3339))
	cell, _ := excelize.CoordinatesToCellName(1, len(report.Items)+3)
	_ = f.SetCellValue(sheet, cell, summary)

	return f, nil
}
