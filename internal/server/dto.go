package server

import (
	"encoding/json"

	"missiongate/internal/domain"
	"missiongate/internal/finance"
)

// SubmitMissionRequest starts a pipeline run.
type SubmitMissionRequest struct {
	Prompt string `json:"prompt" example:"Refactor the payment reconciliation batch" minLength:"1"`
}

// MissionOutcome is the pipeline result returned on submission.
type MissionOutcome struct {
	JobID           string          `json:"job_id" example:"job_4f9b21c3"`
	Status          string          `json:"status" example:"READY_FOR_EXECUTION"`
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
	Status          string          `json:"status" example:"EXECUTION_TRIGGERED"`
	SignatureHash   string          `json:"signature_hash"`
	CanaryCount     int64           `json:"canary_count"`
	GatewayResponse json.RawMessage `json:"gateway_response,omitempty"`
}

// ReplayResponse acknowledges a re-armed mission.
type ReplayResponse struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status" example:"READY_FOR_EXECUTION"`
	ReplayCount int    `json:"replay_count"`
}

// MissionListItem is the compact listing row.
type MissionListItem struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	AuditScore *int   `json:"audit_score,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

func missionListItems(items []domain.Mission) []MissionListItem {
	out := make([]MissionListItem, 0, len(items))
	for _, m := range items {
		out = append(out, MissionListItem{
			ID:         m.ID,
			Status:     m.Status,
			AuditScore: m.AuditScore,
			CreatedAt:  m.CreatedAt,
			UpdatedAt:  m.UpdatedAt,
		})
	}
	return out
}

func rawFeedback(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

// TelemetryResponse is the composite operational snapshot.
type TelemetryResponse struct {
	GeneratedAt string             `json:"generated_at" format:"date-time"`
	System      TelemetrySystem    `json:"system"`
	Auditor     TelemetryAuditor   `json:"auditor"`
	Semantic    map[string]int     `json:"semantic_events_24h"`
	Finance     finance.Aggregates `json:"finance"`
	Jobs        TelemetryJobs      `json:"jobs"`
	Runtime     TelemetryRuntime   `json:"runtime"`
}

type TelemetrySystem struct {
	GatewayStatus       string  `json:"gateway_status" enum:"HEALTHY,DEGRADING,GATEWAY_DEGRADED"`
	ConsecutiveFailures int64   `json:"consecutive_gateway_failures"`
	CanaryCount         int64   `json:"canary_count"`
	CanaryLimit         int64   `json:"canary_limit"`
	KillSwitchActive    bool    `json:"kill_switch_active"`
	ExpansionFrozen     bool    `json:"expansion_frozen"`
	SSI                 float64 `json:"ssi"`
	SSIProjection12h    float64 `json:"ssi_projection_12h"`
	SSITrendSlope       float64 `json:"ssi_trend_slope"`
	SSIBurnCorrelation  float64 `json:"ssi_burn_correlation"`
}

type TelemetryAuditor struct {
	AvgScore24h  float64 `json:"avg_score_24h"`
	MA20         float64 `json:"ma20"`
	Baseline     int     `json:"baseline"`
	DriftPercent float64 `json:"drift_percent"`
	Tamper24h    int     `json:"tamper_detected_24h"`
}

type TelemetryJobs struct {
	Total24h        int            `json:"total_24h"`
	StatusCounts24h map[string]int `json:"status_counts_24h"`
	Replays24h      int            `json:"replays_24h"`
}

type TelemetryRuntime struct {
	HeapMB        float64 `json:"heap_mb"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}
