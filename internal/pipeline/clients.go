package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ArchitectPlan is the architect's successful analysis of a prompt.
type ArchitectPlan struct {
	Plan          json.RawMessage
	PlanHash      string
	SchemaVersion string
	RawResponse   string
}

// AuditVerdict is the auditor's judgement of built artifacts.
type AuditVerdict struct {
	Status         string
	Score          int
	Feedback       json.RawMessage
	TamperDetected bool
}

// Clients wraps the three analysis services. Each phase carries its own
// http.Client so one hung service cannot exhaust another's deadline.
type Clients struct {
	ArchitectURL string
	BuilderURL   string
	AuditorURL   string

	architect *http.Client
	builder   *http.Client
	auditor   *http.Client
}

// NewClients builds clients with per-phase timeouts.
func NewClients(architectURL, builderURL, auditorURL string, architectTimeout, builderTimeout, auditorTimeout time.Duration) *Clients {
	return &Clients{
		ArchitectURL: architectURL,
		BuilderURL:   builderURL,
		AuditorURL:   auditorURL,
		architect:    &http.Client{Timeout: architectTimeout},
		builder:      &http.Client{Timeout: builderTimeout},
		auditor:      &http.Client{Timeout: auditorTimeout},
	}
}

// Architect submits the prompt for analysis.
func (c *Clients) Architect(ctx context.Context, prompt string) (ArchitectPlan, error) {
	raw, err := postJSON(ctx, c.architect, c.ArchitectURL, map[string]any{"prompt": prompt})
	if err != nil {
		return ArchitectPlan{}, fmt.Errorf("architect: %w", err)
	}
	var resp struct {
		Plan json.RawMessage `json:"plan"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Plan) == 0 {
		return ArchitectPlan{}, fmt.Errorf("architect: malformed response")
	}
	var meta struct {
		PlanHash      string `json:"plan_hash"`
		SchemaVersion string `json:"schema_version"`
	}
	if err := json.Unmarshal(resp.Plan, &meta); err != nil || meta.PlanHash == "" {
		return ArchitectPlan{}, fmt.Errorf("architect: plan is missing plan_hash")
	}
	return ArchitectPlan{
		Plan:          resp.Plan,
		PlanHash:      meta.PlanHash,
		SchemaVersion: meta.SchemaVersion,
		RawResponse:   string(raw),
	}, nil
}

// Build hands the plan to the builder and returns the artifact location.
func (c *Clients) Build(ctx context.Context, plan ArchitectPlan) (string, error) {
	raw, err := postJSON(ctx, c.builder, c.BuilderURL, map[string]any{
		"plan":           json.RawMessage(plan.Plan),
		"schema_version": plan.SchemaVersion,
		"plan_hash":      plan.PlanHash,
	})
	if err != nil {
		return "", fmt.Errorf("builder: %w", err)
	}
	var resp struct {
		ArtifactsPath string `json:"artifacts_path"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.ArtifactsPath == "" {
		return "", fmt.Errorf("builder: malformed response")
	}
	return resp.ArtifactsPath, nil
}

// Audit asks the auditor to judge the built artifacts against the plan.
func (c *Clients) Audit(ctx context.Context, plan ArchitectPlan, artifactsPath string) (AuditVerdict, error) {
	raw, err := postJSON(ctx, c.auditor, c.AuditorURL, map[string]any{
		"plan":           json.RawMessage(plan.Plan),
		"artifacts_path": artifactsPath,
	})
	if err != nil {
		return AuditVerdict{}, fmt.Errorf("auditor: %w", err)
	}
	var resp struct {
		Status         string          `json:"status"`
		Score          int             `json:"score"`
		Feedback       json.RawMessage `json:"feedback"`
		TamperDetected bool            `json:"tamper_detected"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Status == "" {
		return AuditVerdict{}, fmt.Errorf("auditor: malformed response")
	}
	return AuditVerdict{
		Status:         resp.Status,
		Score:          resp.Score,
		Feedback:       resp.Feedback,
		TamperDetected: resp.TamperDetected,
	}, nil
}

// postJSON is the shared request helper. A timeout is reported the same
// way as any other transport error.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
