package missiongatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Missiongate HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. Long-running operations,
// mission submission in particular, get a generous timeout because the
// pipeline phases run synchronously behind the endpoint.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 3 * time.Minute,
	}
}

// Mission mirrors the API mission model.
type Mission struct {
	ID                     string  `json:"id"`
	Prompt                 string  `json:"prompt"`
	Status                 string  `json:"status"`
	PlanHash               *string `json:"plan_hash,omitempty"`
	ErrorMessage           *string `json:"error_message,omitempty"`
	BuildArtifactsPath     *string `json:"build_artifacts_path,omitempty"`
	AuditScore             *int    `json:"audit_score,omitempty"`
	AuditFeedback          *string `json:"audit_feedback,omitempty"`
	TamperDetected         bool    `json:"tamper_detected"`
	ExecutionSignatureHash *string `json:"execution_signature_hash,omitempty"`
	ReplayCount            int     `json:"replay_count"`
	CreatedAt              string  `json:"created_at"`
	UpdatedAt              string  `json:"updated_at"`
}

// MissionListItem is the compact listing row.
type MissionListItem struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	AuditScore *int   `json:"audit_score,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// MissionOutcome is the pipeline result returned on submission.
type MissionOutcome struct {
	JobID           string          `json:"job_id"`
	Status          string          `json:"status"`
	Score           int             `json:"score,omitempty"`
	Feedback        json.RawMessage `json:"feedback,omitempty"`
	ArtifactsPath   string          `json:"artifacts_path,omitempty"`
	Cached          bool            `json:"cached,omitempty"`
	Note            string          `json:"note,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
}

// ExecutionResponse acknowledges a dispatched execution.
type ExecutionResponse struct {
	JobID           string          `json:"job_id"`
	Status          string          `json:"status"`
	SignatureHash   string          `json:"signature_hash"`
	CanaryCount     int64           `json:"canary_count"`
	GatewayResponse json.RawMessage `json:"gateway_response,omitempty"`
}

// ReplayResponse acknowledges a re-armed mission.
type ReplayResponse struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	ReplayCount int    `json:"replay_count"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitMission runs the full pipeline for a prompt.
func (c *Client) SubmitMission(ctx context.Context, prompt string) (MissionOutcome, error) {
	var resp MissionOutcome
	err := c.do(ctx, http.MethodPost, "v1/missions", map[string]any{"prompt": prompt}, &resp)
	return resp, err
}

// GetMission fetches a mission by id.
func (c *Client) GetMission(ctx context.Context, jobID string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "v1/missions/"+url.PathEscape(jobID), nil, &resp)
	return resp, err
}

// ListMissions lists missions, optionally filtered by status.
func (c *Client) ListMissions(ctx context.Context, status string) ([]MissionListItem, error) {
	endpoint := "v1/missions"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []MissionListItem
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Execute triggers the production execution gates for a mission.
func (c *Client) Execute(ctx context.Context, jobID string) (ExecutionResponse, error) {
	var resp ExecutionResponse
	err := c.do(ctx, http.MethodPost, "v1/missions/"+url.PathEscape(jobID)+"/execute", nil, &resp)
	return resp, err
}

// Replay re-arms a mission for another execution attempt.
func (c *Client) Replay(ctx context.Context, jobID string) (ReplayResponse, error) {
	var resp ReplayResponse
	err := c.do(ctx, http.MethodPost, "v1/missions/"+url.PathEscape(jobID)+"/replay", nil, &resp)
	return resp, err
}

// Telemetry returns the raw telemetry snapshot.
func (c *Client) Telemetry(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "v1/telemetry", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
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
