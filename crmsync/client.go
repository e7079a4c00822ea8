package crmsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// DealOutcome classifies an external CRM response for retry policy purposes.
type DealOutcome int

const (
	DealOutcomeOk DealOutcome = iota
	// DealOutcomeNotFound means the remote deal is gone (404). The worker treats
	// this as an authoritative remote deletion.
	DealOutcomeNotFound
	// DealOutcomeTransient covers 429 and 5xx: the operation should be retried
	// with backoff.
	DealOutcomeTransient
	// DealOutcomePermanent covers the remaining 4xx: retrying will not help.
	DealOutcomePermanent
)

var errMissingBaseURL = errors.New("CRM_API_BASE_URL is not set")

// DealSnapshot is the subset of the external deal that the engine cares about.
type DealSnapshot struct {
	DealId     string
	PipelineId string
	StageId    string
	Amount     decimal.Decimal
}

type dealResponse struct {
	ID         string          `json:"id"`
	PipelineID string          `json:"pipeline_id"`
	StageID    string          `json:"stage_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// dealUpdateRequest is the full set of fields this engine is allowed to write
// on an external deal. Anything else on the remote object is out of scope and
// must never appear in a patch body.
type dealUpdateRequest struct {
	PipelineID *string          `json:"pipeline_id,omitempty"`
	StageID    *string          `json:"stage_id,omitempty"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
}

// dealClient is a thin PipeCRM HTTP client with a process-wide rate limiter.
type dealClient struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	limiter    <-chan time.Time
}

func newDealClient() (*dealClient, error) {
	baseURL := os.Getenv("CRM_API_BASE_URL")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}

	ratePerSec := 5
	if v := os.Getenv("CRM_API_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ratePerSec = n
		}
	}

	return &dealClient{
		baseURL:  baseURL,
		apiToken: os.Getenv("CRM_API_TOKEN"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: time.Tick(time.Second / time.Duration(ratePerSec)),
	}, nil
}

func (c *dealClient) waitLimiter(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.limiter:
		return nil
	}
}

// outcomeForStatus maps an HTTP status to the retry classification.
func outcomeForStatus(status int) DealOutcome {
	switch {
	case status >= 200 && status < 300:
		return DealOutcomeOk
	case status == http.StatusNotFound:
		return DealOutcomeNotFound
	case status == http.StatusTooManyRequests:
		return DealOutcomeTransient
	case status >= 500:
		return DealOutcomeTransient
	default:
		return DealOutcomePermanent
	}
}

func (c *dealClient) do(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	if err := c.waitLimiter(ctx); err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// getDeal reads the current remote deal. A network-level failure is returned
// as a transient outcome with the error.
func (c *dealClient) getDeal(ctx context.Context, dealId string) (*DealSnapshot, DealOutcome, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/api/v1/deals/"+dealId, nil)
	if err != nil {
		return nil, DealOutcomeTransient, err
	}

	outcome := outcomeForStatus(status)
	if outcome != DealOutcomeOk {
		return nil, outcome, fmt.Errorf("get deal %s: status %d: %s", dealId, status, string(body))
	}

	var dr dealResponse
	if err := json.Unmarshal(body, &dr); err != nil {
		return nil, DealOutcomePermanent, fmt.Errorf("get deal %s: decode: %w", dealId, err)
	}
	return &DealSnapshot{
		DealId:     dr.ID,
		PipelineId: dr.PipelineID,
		StageId:    dr.StageID,
		Amount:     dr.Amount,
	}, DealOutcomeOk, nil
}

// patchDeal writes only the allow-listed fields.
func (c *dealClient) patchDeal(ctx context.Context, dealId string, update dealUpdateRequest) (*DealSnapshot, DealOutcome, error) {
	status, body, err := c.do(ctx, http.MethodPatch, "/api/v1/deals/"+dealId, update)
	if err != nil {
		return nil, DealOutcomeTransient, err
	}

	outcome := outcomeForStatus(status)
	if outcome != DealOutcomeOk {
		return nil, outcome, fmt.Errorf("patch deal %s: status %d: %s", dealId, status, string(body))
	}

	var dr dealResponse
	if err := json.Unmarshal(body, &dr); err != nil {
		return nil, DealOutcomePermanent, fmt.Errorf("patch deal %s: decode: %w", dealId, err)
	}
	return &DealSnapshot{
		DealId:     dr.ID,
		PipelineId: dr.PipelineID,
		StageId:    dr.StageID,
		Amount:     dr.Amount,
	}, DealOutcomeOk, nil
}
