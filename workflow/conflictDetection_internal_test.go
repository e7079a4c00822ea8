package workflow

import (
	"testing"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/deals_backend/models"
)

func TestClassifyConflict(t *testing.T) {
	hundred := decimal.NewFromInt(100)
	twoHundred := decimal.NewFromInt(200)

	cases := []struct {
		name           string
		localStage     string
		externalStage  string
		localAmount    decimal.Decimal
		externalAmount decimal.Decimal
		want           *models.ConflictType
	}{
		{"in sync", "stage-1", "stage-1", hundred, hundred, nil},
		{"stage differs", "stage-1", "stage-2", hundred, hundred, ptr(models.ConflictTypeState)},
		{"amount differs", "stage-1", "stage-1", hundred, twoHundred, ptr(models.ConflictTypeAmount)},
		{"both differ", "stage-1", "stage-2", hundred, twoHundred, ptr(models.ConflictTypeBoth)},
	}
	for _, tc := range cases {
		got := classifyConflict(tc.localStage, tc.externalStage, tc.localAmount, tc.externalAmount)
		if (got == nil) != (tc.want == nil) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
		if got != nil && *got != *tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, *tc.want, *got)
		}
	}
}

func TestClassifyConflictScaleInsensitiveAmounts(t *testing.T) {
	// 100 and 100.00 are the same money.
	a := decimal.RequireFromString("100")
	b := decimal.RequireFromString("100.00")
	if got := classifyConflict("s", "s", a, b); got != nil {
		t.Fatalf("expected no conflict for equal amounts with different scale, got %s", *got)
	}
}

func ptr(t models.ConflictType) *models.ConflictType {
	return &t
}
