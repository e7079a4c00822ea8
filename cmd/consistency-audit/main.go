// consistency-audit runs a full scan of stored business states against the
// states derived from their budget sets, optionally repairing high-confidence
// divergences, and writes an xlsx report.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/consistency-audit -repair -out audit.xlsx
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/deals_backend/config"
	"bitbucket.org/mmdatafocus/deals_backend/workflow"
)

func main() {
	repair := flag.Bool("repair", false, "Repair high-confidence divergences (also requires AUDIT_AUTO_REPAIR=true).")
	out := flag.String("out", "", "Optional: write the report workbook to this path.")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	logger := config.GetLogger()

	doRepair := *repair && config.AutoRepairEnabled()
	if *repair && !doRepair {
		fmt.Fprintln(os.Stderr, "-repair requested but AUDIT_AUTO_REPAIR is not enabled; running report-only")
	}

	report, err := workflow.RunConsistencyAudit(ctx, db, logger, doRepair)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("scanned=%d divergent=%d repaired=%d repair_errors=%d\n",
		report.Scanned, report.Divergent, report.Repaired, report.RepairErrors)
	for _, item := range report.Items {
		fmt.Printf("business_id=%d number=%d stored=%s expected=%s reason=%q confidence=%s repaired=%v\n",
			item.BusinessId, item.BusinessNumber, item.StoredState, item.ExpectedState, item.Reason, item.Confidence, item.Repaired)
	}

	if *out != "" {
		f, err := workflow.ExportAuditReportXLSX(report)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to build workbook: %v\n", err)
			os.Exit(1)
		}
		if err := f.SaveAs(*out); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", *out, err)
			os.Exit(1)
		}
		fmt.Printf("report written to %s\n", *out)
	}

	if report.Divergent > report.Repaired {
		os.Exit(3)
	}
}
