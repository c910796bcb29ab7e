package policy

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"missiongate/internal/domain"
	"missiongate/internal/repo"
)

const (
	auditorVersion      = "v2-strict-auditor"
	orchestratorVersion = "1.0.0"
)

// Rejection reasons, one per gate.
const (
	ReasonInvalidState    = "invalid_state"
	ReasonCircuitBreaker  = "circuit_breaker"
	ReasonKillSwitch      = "kill_switch"
	ReasonExpansionFrozen = "expansion_frozen"
	ReasonCanaryLimit     = "canary_limit"
	ReasonAuditScore      = "audit_score"
	ReasonTamper          = "tamper_detected"
	ReasonFastFailRate    = "fast_fail_rate"
	ReasonRateLimit       = "rate_limit"
)

// Rejection is a gate refusing an execution. It is terminal for the
// attempt, not for the mission.
type Rejection struct {
	Reason        string
	Detail        string
	MissionStatus string
	Score         int
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("execution rejected (%s): %s", r.Reason, r.Detail)
}

// GatewayError reports a failed dispatch to the execution gateway.
type GatewayError struct {
	Detail        string
	MissionStatus string
}

func (e *GatewayError) Error() string {
	return "execution gateway unavailable: " + e.Detail
}

// GatewaySettings configures the outbound execution webhook.
type GatewaySettings struct {
	URL              string
	Secret           string
	Timeout          time.Duration
	FailureThreshold int64
}

// Rules are the deterministic validator settings.
type Rules struct {
	MinAuditScore   int
	MaxFastFailRate float64
	PolicyVersion   string
}

// Engine gates production executions and dispatches signed payloads.
type Engine struct {
	Repo    repo.Repo
	State   *ProcessState
	Rate    *RateGuard
	Gateway GatewaySettings
	Rules   Rules
	Log     *slog.Logger
	Now     func() time.Time

	clientOnce sync.Once
	client     *http.Client
}

// Receipt is a successful dispatch acknowledgement.
type Receipt struct {
	JobID           string          `json:"job_id"`
	SignatureHash   string          `json:"signature_hash"`
	CanaryCount     int64           `json:"canary_count"`
	GatewayResponse json.RawMessage `json:"gateway_response,omitempty"`
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// httpClient is initialized once; Execute runs concurrently across
// missions and must not race on the field.
func (e *Engine) httpClient() *http.Client {
	e.clientOnce.Do(func() {
		e.client = &http.Client{Timeout: e.Gateway.Timeout}
	})
	return e.client
}

// Execute runs the full gate sequence for one mission and, if every
// gate passes, signs and dispatches the execution payload. The first
// failing gate determines both the error and the persisted status.
func (e *Engine) Execute(ctx context.Context, jobID string) (*Receipt, error) {
	m, err := e.Repo.GetMission(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if m.Status != domain.StatusReadyForExecution {
		return nil, &Rejection{
			Reason: ReasonInvalidState,
			Detail: fmt.Sprintf("mission is %s, execution requires %s", m.Status, domain.StatusReadyForExecution),
		}
	}

	if e.State.GatewayFailures() >= e.Gateway.FailureThreshold {
		return nil, e.reject(ctx, jobID, &Rejection{
			Reason:        ReasonCircuitBreaker,
			Detail:        "gateway circuit breaker open, manual intervention required",
			MissionStatus: domain.StatusGatewayDegraded,
		})
	}

	if err := e.Repo.UpdateStatus(ctx, jobID, domain.StatusAwaitingPolicyApproval); err != nil {
		return nil, err
	}

	if e.State.KillSwitchActive() {
		return nil, e.reject(ctx, jobID, &Rejection{
			Reason:        ReasonKillSwitch,
			Detail:        "execution kill switch is active",
			MissionStatus: domain.StatusPolicyRejected,
		})
	}

	if e.State.ExpansionFrozen() {
		return nil, e.reject(ctx, jobID, &Rejection{
			Reason:        ReasonExpansionFrozen,
			Detail:        "expansion freeze flag present, canary growth halted",
			MissionStatus: domain.StatusCanaryLimitReached,
		})
	}

	if limit := e.State.CanaryLimit(); limit > 0 && e.State.CanaryCount() >= limit {
		return nil, e.reject(ctx, jobID, &Rejection{
			Reason:        ReasonCanaryLimit,
			Detail:        fmt.Sprintf("canary execution limit %d reached", limit),
			MissionStatus: domain.StatusCanaryLimitReached,
		})
	}

	score := 0
	if m.AuditScore != nil {
		score = *m.AuditScore
	}
	if score < e.Rules.MinAuditScore {
		return nil, e.reject(ctx, jobID, &Rejection{
			Reason:        ReasonAuditScore,
			Detail:        fmt.Sprintf("audit score %d below required %d", score, e.Rules.MinAuditScore),
			MissionStatus: domain.StatusPolicyRejected,
			Score:         score,
		})
	}
	if m.TamperDetected {
		return nil, e.reject(ctx, jobID, &Rejection{
			Reason:        ReasonTamper,
			Detail:        "audit flagged plan tampering",
			MissionStatus: domain.StatusPolicyRejected,
			Score:         score,
		})
	}

	rate, err := e.fastFailRate(ctx)
	if err != nil {
		return nil, err
	}
	if rate > e.Rules.MaxFastFailRate {
		return nil, e.reject(ctx, jobID, &Rejection{
			Reason:        ReasonFastFailRate,
			Detail:        fmt.Sprintf("architect fast-fail rate %.2f exceeds %.2f", rate, e.Rules.MaxFastFailRate),
			MissionStatus: domain.StatusPolicyRejected,
			Score:         score,
		})
	}

	if !e.Rate.Allow() {
		return nil, e.reject(ctx, jobID, &Rejection{
			Reason:        ReasonRateLimit,
			Detail:        "hourly execution quota exhausted",
			MissionStatus: domain.StatusPolicyRejected,
			Score:         score,
		})
	}

	manifest := e.loadManifest(m)
	signature := e.sign(m, score, manifest)
	auth := repo.Authorization{
		AuthorizedAt:  e.now().UTC().Format(time.RFC3339),
		PolicyVersion: e.Rules.PolicyVersion,
		SignatureHash: signature,
	}
	if err := e.Repo.AuthorizeExecution(ctx, jobID, domain.StatusExecutionTriggered, auth); err != nil {
		return nil, err
	}

	ack, err := e.dispatch(ctx, m, score, manifest, signature)
	if err != nil {
		failures := e.State.RecordGatewayFailure()
		status := domain.StatusReadyForExecution
		if failures >= e.Gateway.FailureThreshold {
			status = domain.StatusGatewayDegraded
			e.Log.Error("gateway failure threshold reached, circuit breaker open",
				"job_id", jobID, "failures", failures)
		}
		if uerr := e.Repo.UpdateStatus(ctx, jobID, status); uerr != nil {
			e.Log.Error("status revert after gateway failure failed", "job_id", jobID, "error", uerr)
		}
		return nil, &GatewayError{Detail: err.Error(), MissionStatus: status}
	}

	e.State.ResetGatewayFailures()
	count := e.State.IncrementCanary()
	e.Log.Info("execution dispatched", "job_id", jobID, "canary_count", count)
	return &Receipt{
		JobID:           jobID,
		SignatureHash:   signature,
		CanaryCount:     count,
		GatewayResponse: ack,
	}, nil
}

func (e *Engine) reject(ctx context.Context, jobID string, rej *Rejection) error {
	if rej.MissionStatus != "" {
		if err := e.Repo.UpdateStatus(ctx, jobID, rej.MissionStatus); err != nil {
			e.Log.Error("status update on rejection failed", "job_id", jobID, "error", err)
		}
	}
	e.Log.Warn("execution rejected", "job_id", jobID, "reason", rej.Reason, "detail", rej.Detail)
	return rej
}

// fastFailRate is the share of missions that failed at the architect
// phase over the trailing 24 hours.
func (e *Engine) fastFailRate(ctx context.Context) (float64, error) {
	metrics, err := e.Repo.TelemetryMetrics(ctx)
	if err != nil {
		return 0, err
	}
	if metrics.Total24h == 0 {
		return 0, nil
	}
	failed := metrics.StatusCounts24h[domain.StatusArchitectFailed]
	return float64(failed) / float64(metrics.Total24h), nil
}

// loadManifest reads manifest.json from the mission's artifact path.
// A missing or unreadable manifest signs as an empty document rather
// than failing the execution.
func (e *Engine) loadManifest(m domain.Mission) json.RawMessage {
	if m.BuildArtifactsPath == nil {
		return json.RawMessage("{}")
	}
	data, err := os.ReadFile(filepath.Join(*m.BuildArtifactsPath, "manifest.json"))
	if err != nil || !json.Valid(data) {
		e.Log.Warn("build manifest unavailable, signing empty manifest",
			"job_id", m.ID, "path", *m.BuildArtifactsPath)
		return json.RawMessage("{}")
	}
	return json.RawMessage(data)
}

// sign composes the provenance chain and hashes it into the execution
// signature.
func (e *Engine) sign(m domain.Mission, score int, manifest json.RawMessage) string {
	planHash := ""
	if m.PlanHash != nil {
		planHash = *m.PlanHash
	}
	manifestHash := sha256Hex(manifest)
	auditorHash := sha256Hex([]byte(auditorVersion))
	toSign := strings.Join([]string{
		planHash,
		fmt.Sprintf("%d", score),
		e.Rules.PolicyVersion,
		e.now().UTC().Format(time.RFC3339),
		manifestHash,
		auditorHash,
		orchestratorVersion,
	}, "|")
	return sha256Hex([]byte(toSign))
}

type gatewayPayload struct {
	PlanJSON               json.RawMessage `json:"plan_json"`
	Manifest               json.RawMessage `json:"manifest"`
	AuditScore             int             `json:"audit_score"`
	CorrelationID          string          `json:"correlation_id"`
	ExecutionSignatureHash string          `json:"execution_signature_hash"`
}

// dispatch POSTs the signed payload. The MAC in X-Mission-Signature is
// computed over the exact bytes sent on the wire.
func (e *Engine) dispatch(ctx context.Context, m domain.Mission, score int, manifest json.RawMessage, signature string) (json.RawMessage, error) {
	plan := json.RawMessage("{}")
	if m.PlanJSON != nil && json.Valid([]byte(*m.PlanJSON)) {
		plan = json.RawMessage(*m.PlanJSON)
	}
	body, err := json.Marshal(gatewayPayload{
		PlanJSON:               plan,
		Manifest:               manifest,
		AuditScore:             score,
		CorrelationID:          m.ID,
		ExecutionSignatureHash: signature,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Gateway.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mission-Signature", Sign(body, e.Gateway.Secret))

	resp, err := e.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	ack, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(ack)))
	}
	if !json.Valid(ack) {
		return nil, nil
	}
	return json.RawMessage(ack), nil
}

// Sign computes the hex HMAC-SHA256 of payload with secret. The
// simulated gateway verifies requests with the same function.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a gateway MAC in constant time.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
