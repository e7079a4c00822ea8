package workflow_test

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/deals_backend/workflow"
)

func TestNextBackoffDoubles(t *testing.T) {
	initial := 5 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 80 * time.Second},
	}
	for _, tc := range cases {
		if got := workflow.NextBackoff(initial, tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestNextBackoffCappedAtTenMinutes(t *testing.T) {
	for attempt := 8; attempt < 40; attempt++ {
		got := workflow.NextBackoff(5*time.Second, attempt)
		if got > 10*time.Minute {
			t.Fatalf("attempt %d: backoff %s exceeds cap", attempt, got)
		}
	}
	if got := workflow.NextBackoff(5*time.Second, 30); got != 10*time.Minute {
		t.Fatalf("expected cap of 10m for late attempts, got %s", got)
	}
}
