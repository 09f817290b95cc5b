package layerqasdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal layerqa HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Run represents one recorded QA run.
type Run struct {
	ID           string `json:"id"`
	LayerID      string `json:"layer_id"`
	LayerName    string `json:"layer_name"`
	RecordCount  int    `json:"record_count"`
	FindingCount int    `json:"finding_count"`
	Status       string `json:"status"`
	StartedAt    string `json:"started_at"`
	FinishedAt   string `json:"finished_at"`
	ReportPath   string `json:"report_path"`
}

// Finding represents one QA issue row.
type Finding struct {
	IssueType    string `json:"issue_type"`
	FieldName    string `json:"field_name"`
	ObjectID     int64  `json:"object_id"`
	InvalidValue any    `json:"invalid_value"`
	Notes        string `json:"notes"`
}

// RunResult is the response of a triggered run.
type RunResult struct {
	Run      Run       `json:"run"`
	Findings []Finding `json:"findings"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// TriggerRun executes QA checks on a layer.
func (c *Client) TriggerRun(ctx context.Context, layer string, checks []string) (RunResult, error) {
	body := map[string]any{"layer": layer}
	if len(checks) > 0 {
		body["checks"] = checks
	}
	var resp RunResult
	err := c.do(ctx, http.MethodPost, "v0/runs", body, &resp)
	return resp, err
}

// ListRuns returns recorded runs, newest first.
func (c *Client) ListRuns(ctx context.Context, layerID string, limit int) ([]Run, error) {
	endpoint := "v0/runs"
	params := url.Values{}
	if layerID != "" {
		params.Set("layer", layerID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetRun fetches one run by id.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListFindings returns the findings of a run in report order.
func (c *Client) ListFindings(ctx context.Context, runID string) ([]Finding, error) {
	var resp struct {
		Items []Finding `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/runs/%s/findings", url.PathEscape(runID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(data))
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
