package domain

// Mission statuses. Transitions only move forward through the pipeline;
// the policy engine rolls back to READY_FOR_EXECUTION after a
// sub-threshold gateway failure, and the replay controller re-arms
// eligible missions the same way.
const (
	StatusInit                   = "INIT"
	StatusArchitectSuccess       = "ARCHITECT_SUCCESS"
	StatusArchitectFailed        = "ARCHITECT_FAILED"
	StatusFinanceGuardBlocked    = "FINANCE_GUARD_BLOCKED"
	StatusBuilderPending         = "BUILDER_PENDING"
	StatusBuilderSuccess         = "BUILDER_SUCCESS"
	StatusBuilderFailed          = "BUILDER_FAILED"
	StatusAuditPending           = "AUDIT_PENDING"
	StatusAuditFailed            = "AUDIT_FAILED"
	StatusReadyForExecution      = "READY_FOR_EXECUTION"
	StatusAwaitingPolicyApproval = "AWAITING_POLICY_APPROVAL"
	StatusPolicyRejected         = "POLICY_REJECTED"
	StatusCanaryLimitReached     = "CANARY_LIMIT_REACHED"
	StatusExecutionTriggered     = "EXECUTION_TRIGGERED"
	StatusGatewayDegraded        = "GATEWAY_DEGRADED"
)

// Semantic log event types.
const (
	EventSemanticFail = "SEMANTIC_FAIL"
	EventBlock        = "BLOCK"
	EventHumanReview  = "HUMAN_REVIEW"
	EventAmbiguity    = "AMBIGUITY_DETECTED"
)

// Mission is one unit of work moving through the pipeline. Field groups are
// only ever written together by their owning phase.
type Mission struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
	Status string `json:"status"`

	PlanJSON             *string `json:"plan_json,omitempty"`
	ArchitectResponseRaw *string `json:"architect_response_raw,omitempty"`
	PlanHash             *string `json:"plan_hash,omitempty"`
	ErrorMessage         *string `json:"error_message,omitempty"`
	ExecutionTimeMs      *int64  `json:"execution_time_ms,omitempty"`

	BuildArtifactsPath   *string `json:"build_artifacts_path,omitempty"`
	BuildExecutionTimeMs *int64  `json:"build_execution_time_ms,omitempty"`
	BuildErrorMessage    *string `json:"build_error_message,omitempty"`

	AuditScore           *int    `json:"audit_score,omitempty"`
	AuditFeedback        *string `json:"audit_feedback,omitempty"`
	AuditExecutionTimeMs *int64  `json:"audit_execution_time_ms,omitempty"`
	TamperDetected       bool    `json:"tamper_detected"`

	ExecutionAuthorizedAt  *string `json:"execution_authorized_at,omitempty" format:"date-time"`
	ExecutionPolicyVersion *string `json:"execution_policy_version,omitempty"`
	ExecutionSignatureHash *string `json:"execution_signature_hash,omitempty"`

	ReplayCount  int     `json:"replay_count"`
	LastReplayAt *string `json:"last_replay_at,omitempty" format:"date-time"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// SemanticLogEntry is an append-only record of a notable pipeline event.
type SemanticLogEntry struct {
	ID        int64  `json:"id"`
	JobID     string `json:"job_id"`
	EventType string `json:"event_type" enum:"SEMANTIC_FAIL,BLOCK,HUMAN_REVIEW,AMBIGUITY_DETECTED"`
	Details   string `json:"details,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TokenUsageRecord is one row per paid call to an analysis service.
// Immutable once written.
type TokenUsageRecord struct {
	ID           int64   `json:"id"`
	JobID        string  `json:"job_id"`
	Model        string  `json:"model"`
	Phase        string  `json:"phase"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// TelemetryMetrics is the mission store's derived aggregate over the
// trailing 24 hours, plus the last-20 score window.
type TelemetryMetrics struct {
	AvgScore24h       float64        `json:"avg_score_24h"`
	MA20              float64        `json:"ma20"`
	MA20Scores        []float64      `json:"ma20_scores"`
	Tamper24h         int            `json:"tamper_24h"`
	Total24h          int            `json:"total_24h"`
	StatusCounts24h   map[string]int `json:"status_counts_24h"`
	Replays24h        int            `json:"replays_24h"`
	SemanticCounts24h map[string]int `json:"semantic_counts_24h"`
}
