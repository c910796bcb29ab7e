package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"missiongate/internal/domain"
	"missiongate/internal/events"
)

// Repo is the mission store. Every mutating operation is one atomic
// statement or transaction touching its own field group plus updated_at;
// missions are never deleted.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Repo) ts() string {
	return r.now().UTC().Format(time.RFC3339)
}

const missionCols = `id,prompt,status,plan_json,architect_response_raw,plan_hash,error_message,execution_time_ms,` +
	`build_artifacts_path,build_execution_time_ms,build_error_message,` +
	`audit_score,audit_feedback,audit_execution_time_ms,tamper_detected,` +
	`execution_authorized_at,execution_policy_version,execution_signature_hash,` +
	`replay_count,last_replay_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(row rowScanner) (domain.Mission, error) {
	var m domain.Mission
	var planJSON, rawResp, planHash, errMsg, artifacts, buildErr, feedback sql.NullString
	var authorizedAt, policyVersion, signature, lastReplay sql.NullString
	var execMs, buildMs, auditMs sql.NullInt64
	var score sql.NullInt64
	var tamper int
	err := row.Scan(&m.ID, &m.Prompt, &m.Status, &planJSON, &rawResp, &planHash, &errMsg, &execMs,
		&artifacts, &buildMs, &buildErr,
		&score, &feedback, &auditMs, &tamper,
		&authorizedAt, &policyVersion, &signature,
		&m.ReplayCount, &lastReplay, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if planJSON.Valid {
		m.PlanJSON = &planJSON.String
	}
	if rawResp.Valid {
		m.ArchitectResponseRaw = &rawResp.String
	}
	if planHash.Valid {
		m.PlanHash = &planHash.String
	}
	if errMsg.Valid {
		m.ErrorMessage = &errMsg.String
	}
	if execMs.Valid {
		m.ExecutionTimeMs = &execMs.Int64
	}
	if artifacts.Valid {
		m.BuildArtifactsPath = &artifacts.String
	}
	if buildMs.Valid {
		m.BuildExecutionTimeMs = &buildMs.Int64
	}
	if buildErr.Valid {
		m.BuildErrorMessage = &buildErr.String
	}
	if score.Valid {
		s := int(score.Int64)
		m.AuditScore = &s
	}
	if feedback.Valid {
		m.AuditFeedback = &feedback.String
	}
	if auditMs.Valid {
		m.AuditExecutionTimeMs = &auditMs.Int64
	}
	m.TamperDetected = tamper != 0
	if authorizedAt.Valid {
		m.ExecutionAuthorizedAt = &authorizedAt.String
	}
	if policyVersion.Valid {
		m.ExecutionPolicyVersion = &policyVersion.String
	}
	if signature.Valid {
		m.ExecutionSignatureHash = &signature.String
	}
	if lastReplay.Valid {
		m.LastReplayAt = &lastReplay.String
	}
	return m, nil
}

// CreateMission inserts a new mission in INIT status.
func (r Repo) CreateMission(ctx context.Context, id, prompt string) error {
	ts := r.ts()
	_, err := r.DB.ExecContext(ctx, `INSERT INTO missions(id,prompt,status,created_at,updated_at) VALUES (?,?,?,?,?)`,
		id, prompt, domain.StatusInit, ts, ts)
	return err
}

// ArchitectResult is the architect phase field group.
type ArchitectResult struct {
	PlanJSON        *string
	RawResponse     *string
	PlanHash        *string
	ErrorMessage    *string
	ExecutionTimeMs *int64
}

func (r Repo) UpdateArchitectResult(ctx context.Context, id, status string, res ArchitectResult) error {
	out, err := r.DB.ExecContext(ctx, `UPDATE missions SET status=?, plan_json=?, architect_response_raw=?, plan_hash=?, error_message=?, execution_time_ms=?, updated_at=? WHERE id=?`,
		status, nullableStringPtr(res.PlanJSON), nullableStringPtr(res.RawResponse), nullableStringPtr(res.PlanHash),
		nullableStringPtr(res.ErrorMessage), nullableInt64Ptr(res.ExecutionTimeMs), r.ts(), id)
	return affected(out, err)
}

// BuilderResult is the builder phase field group.
type BuilderResult struct {
	ArtifactsPath   *string
	ErrorMessage    *string
	ExecutionTimeMs *int64
}

func (r Repo) UpdateBuilderResult(ctx context.Context, id, status string, res BuilderResult) error {
	out, err := r.DB.ExecContext(ctx, `UPDATE missions SET status=?, build_artifacts_path=?, build_execution_time_ms=?, build_error_message=?, updated_at=? WHERE id=?`,
		status, nullableStringPtr(res.ArtifactsPath), nullableInt64Ptr(res.ExecutionTimeMs), nullableStringPtr(res.ErrorMessage), r.ts(), id)
	return affected(out, err)
}

// AuditResult is the auditor phase field group.
type AuditResult struct {
	Score           *int
	FeedbackJSON    *string
	TamperDetected  bool
	ExecutionTimeMs *int64
}

func (r Repo) UpdateAuditResult(ctx context.Context, id, status string, res AuditResult) error {
	tamper := 0
	if res.TamperDetected {
		tamper = 1
	}
	out, err := r.DB.ExecContext(ctx, `UPDATE missions SET status=?, audit_score=?, audit_feedback=?, audit_execution_time_ms=?, tamper_detected=?, updated_at=? WHERE id=?`,
		status, nullableIntPtr(res.Score), nullableStringPtr(res.FeedbackJSON), nullableInt64Ptr(res.ExecutionTimeMs), tamper, r.ts(), id)
	return affected(out, err)
}

// Authorization is the execution provenance field group.
type Authorization struct {
	AuthorizedAt  string
	PolicyVersion string
	SignatureHash string
}

func (r Repo) AuthorizeExecution(ctx context.Context, id, status string, auth Authorization) error {
	out, err := r.DB.ExecContext(ctx, `UPDATE missions SET status=?, execution_authorized_at=?, execution_policy_version=?, execution_signature_hash=?, updated_at=? WHERE id=?`,
		status, auth.AuthorizedAt, auth.PolicyVersion, auth.SignatureHash, r.ts(), id)
	return affected(out, err)
}

func (r Repo) UpdateStatus(ctx context.Context, id, status string) error {
	out, err := r.DB.ExecContext(ctx, `UPDATE missions SET status=?, updated_at=? WHERE id=?`, status, r.ts(), id)
	return affected(out, err)
}

// RecordReplay bumps the replay counter and stamp. Only the replay
// controller calls this.
func (r Repo) RecordReplay(ctx context.Context, id string) error {
	ts := r.ts()
	out, err := r.DB.ExecContext(ctx, `UPDATE missions SET replay_count=replay_count+1, last_replay_at=?, updated_at=? WHERE id=?`, ts, ts, id)
	return affected(out, err)
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return scanMission(r.DB.QueryRowContext(ctx, `SELECT `+missionCols+` FROM missions WHERE id=?`, id))
}

// GetByPlanHash is the idempotency lookup. It only matches missions that
// already passed the auditor, so an unvetted build is never reused.
func (r Repo) GetByPlanHash(ctx context.Context, hash string) (domain.Mission, error) {
	return scanMission(r.DB.QueryRowContext(ctx,
		`SELECT `+missionCols+` FROM missions WHERE plan_hash=? AND status=? ORDER BY created_at DESC LIMIT 1`,
		hash, domain.StatusReadyForExecution))
}

func (r Repo) ListByStatus(ctx context.Context, status string) ([]domain.Mission, error) {
	query := `SELECT ` + missionCols + ` FROM missions`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// LogSemantic appends one semantic log entry in its own transaction.
func (r Repo) LogSemantic(ctx context.Context, jobID, eventType string, payload events.EventPayload) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	w := events.Writer{DB: r.DB, Now: r.Now}
	if err := w.Append(ctx, tx, jobID, eventType, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// TelemetryMetrics computes the trailing-24h aggregates plus the last-20
// score window. All window boundaries come from r.Now so tests can pin them.
func (r Repo) TelemetryMetrics(ctx context.Context) (domain.TelemetryMetrics, error) {
	var m domain.TelemetryMetrics
	cutoff := r.now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)

	var avg sql.NullFloat64
	if err := r.DB.QueryRowContext(ctx,
		`SELECT AVG(audit_score) FROM missions WHERE audit_score IS NOT NULL AND created_at >= ?`, cutoff).Scan(&avg); err != nil {
		return m, err
	}
	if avg.Valid {
		m.AvgScore24h = avg.Float64
	}

	rows, err := r.DB.QueryContext(ctx,
		`SELECT audit_score FROM missions WHERE audit_score IS NOT NULL ORDER BY created_at DESC, id DESC LIMIT 20`)
	if err != nil {
		return m, err
	}
	defer rows.Close()
	var sum float64
	for rows.Next() {
		var s float64
		if err := rows.Scan(&s); err != nil {
			return m, err
		}
		m.MA20Scores = append(m.MA20Scores, s)
		sum += s
	}
	if err := rows.Err(); err != nil {
		return m, err
	}
	if len(m.MA20Scores) > 0 {
		m.MA20 = sum / float64(len(m.MA20Scores))
	}

	if err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM missions WHERE tamper_detected=1 AND created_at >= ?`, cutoff).Scan(&m.Tamper24h); err != nil {
		return m, err
	}

	m.StatusCounts24h = map[string]int{}
	statusRows, err := r.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM missions WHERE created_at >= ? GROUP BY status`, cutoff)
	if err != nil {
		return m, err
	}
	defer statusRows.Close()
	for statusRows.Next() {
		var status string
		var count int
		if err := statusRows.Scan(&status, &count); err != nil {
			return m, err
		}
		m.StatusCounts24h[status] = count
		m.Total24h += count
	}
	if err := statusRows.Err(); err != nil {
		return m, err
	}

	var replays sql.NullInt64
	if err := r.DB.QueryRowContext(ctx,
		`SELECT SUM(replay_count) FROM missions WHERE created_at >= ?`, cutoff).Scan(&replays); err != nil {
		return m, err
	}
	if replays.Valid {
		m.Replays24h = int(replays.Int64)
	}

	m.SemanticCounts24h = map[string]int{}
	semRows, err := r.DB.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM semantic_logs WHERE created_at >= ? GROUP BY event_type`, cutoff)
	if err != nil {
		return m, err
	}
	defer semRows.Close()
	for semRows.Next() {
		var evt string
		var count int
		if err := semRows.Scan(&evt, &count); err != nil {
			return m, err
		}
		m.SemanticCounts24h[evt] = count
	}
	return m, semRows.Err()
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
