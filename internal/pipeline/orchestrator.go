package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"missiongate/internal/domain"
	"missiongate/internal/events"
	"missiongate/internal/finance"
	"missiongate/internal/repo"
)

// Failure classes, mapped by the server to distinct status codes.
const (
	ClassUpstream = "upstream"
	ClassBudget   = "budget"
	ClassQuality  = "quality"
)

// Simulated token counts per phase, pending real usage reporting from
// the analysis services.
const (
	architectModel = "gemini-1.5-pro"
	auditorModel   = "claude-3-5-sonnet"

	architectInputTokens  = 1200
	architectOutputTokens = 800
	auditorInputTokens    = 1500
	auditorOutputTokens   = 500

	auditSuccessStatus = "AUDIT_SUCCESS"
)

// Failure is a terminal mission outcome. No phase is retried
// automatically; the caller resubmits or replays.
type Failure struct {
	Class    string
	Phase    string
	JobID    string
	Status   string
	Message  string
	Score    int
	Feedback string
	Tamper   bool
	CostUSD  float64
}

func (f *Failure) Error() string {
	return fmt.Sprintf("mission %s failed at %s (%s): %s", f.JobID, f.Phase, f.Status, f.Message)
}

// Result is a mission that reached READY_FOR_EXECUTION.
type Result struct {
	JobID           string
	Status          string
	Score           int
	Feedback        string
	TamperDetected  bool
	ArtifactsPath   string
	Cached          bool
	Note            string
	ExecutionTimeMs int64
}

// Orchestrator drives a mission through architect, builder and auditor.
type Orchestrator struct {
	Repo    repo.Repo
	Clients *Clients
	Guard   *finance.Guard
	Log     *slog.Logger
}

// Run executes the pipeline for one prompt. Each phase persists its
// result before the next begins so a crash never loses a transition.
func (o *Orchestrator) Run(ctx context.Context, prompt string) (*Result, error) {
	jobID := newJobID()
	log := o.Log.With("job_id", jobID)
	if err := o.Repo.CreateMission(ctx, jobID, prompt); err != nil {
		return nil, err
	}
	log.Info("mission created", "status", domain.StatusInit)

	plan, elapsed, err := timed(func() (ArchitectPlan, error) {
		return o.Clients.Architect(ctx, prompt)
	})
	if err != nil {
		msg := err.Error()
		res := repo.ArchitectResult{ErrorMessage: &msg, ExecutionTimeMs: &elapsed}
		if uerr := o.Repo.UpdateArchitectResult(ctx, jobID, domain.StatusArchitectFailed, res); uerr != nil {
			return nil, uerr
		}
		o.logSemantic(ctx, jobID, domain.EventSemanticFail, events.EventPayload{"phase": "architect", "error": msg})
		log.Warn("architect phase failed", "error", msg)
		return nil, &Failure{Class: ClassUpstream, Phase: "architect", JobID: jobID,
			Status: domain.StatusArchitectFailed, Message: msg}
	}

	planJSON := string(plan.Plan)
	res := repo.ArchitectResult{
		PlanJSON:        &planJSON,
		RawResponse:     &plan.RawResponse,
		PlanHash:        &plan.PlanHash,
		ExecutionTimeMs: &elapsed,
	}
	if err := o.Repo.UpdateArchitectResult(ctx, jobID, domain.StatusArchitectSuccess, res); err != nil {
		return nil, err
	}

	if f := o.recordSpend(ctx, jobID, architectModel, "architect", architectInputTokens, architectOutputTokens); f != nil {
		return nil, f
	}

	if cached, ok := o.reuseByPlanHash(ctx, jobID, plan.PlanHash, log); ok {
		return cached, nil
	}

	if err := o.Repo.UpdateStatus(ctx, jobID, domain.StatusBuilderPending); err != nil {
		return nil, err
	}
	artifacts, buildElapsed, err := timed(func() (string, error) {
		return o.Clients.Build(ctx, plan)
	})
	if err != nil {
		msg := err.Error()
		bres := repo.BuilderResult{ErrorMessage: &msg, ExecutionTimeMs: &buildElapsed}
		if uerr := o.Repo.UpdateBuilderResult(ctx, jobID, domain.StatusBuilderFailed, bres); uerr != nil {
			return nil, uerr
		}
		log.Warn("builder phase failed", "error", msg)
		return nil, &Failure{Class: ClassUpstream, Phase: "builder", JobID: jobID,
			Status: domain.StatusBuilderFailed, Message: msg}
	}
	bres := repo.BuilderResult{ArtifactsPath: &artifacts, ExecutionTimeMs: &buildElapsed}
	if err := o.Repo.UpdateBuilderResult(ctx, jobID, domain.StatusBuilderSuccess, bres); err != nil {
		return nil, err
	}

	if err := o.Repo.UpdateStatus(ctx, jobID, domain.StatusAuditPending); err != nil {
		return nil, err
	}
	verdict, auditElapsed, err := timed(func() (AuditVerdict, error) {
		return o.Clients.Audit(ctx, plan, artifacts)
	})
	if err != nil {
		// A crashed audit is indistinguishable from a rejection, so it is
		// terminal with score zero.
		msg := err.Error()
		zero := 0
		ares := repo.AuditResult{Score: &zero, FeedbackJSON: &msg, ExecutionTimeMs: &auditElapsed}
		if uerr := o.Repo.UpdateAuditResult(ctx, jobID, domain.StatusAuditFailed, ares); uerr != nil {
			return nil, uerr
		}
		log.Warn("audit phase crashed", "error", msg)
		return nil, &Failure{Class: ClassUpstream, Phase: "auditor", JobID: jobID,
			Status: domain.StatusAuditFailed, Message: msg}
	}

	final := domain.StatusAuditFailed
	if verdict.Status == auditSuccessStatus && !verdict.TamperDetected {
		final = domain.StatusReadyForExecution
	}
	feedback := string(verdict.Feedback)
	ares := repo.AuditResult{
		Score:           &verdict.Score,
		FeedbackJSON:    &feedback,
		TamperDetected:  verdict.TamperDetected,
		ExecutionTimeMs: &auditElapsed,
	}
	if err := o.Repo.UpdateAuditResult(ctx, jobID, final, ares); err != nil {
		return nil, err
	}

	if f := o.recordSpend(ctx, jobID, auditorModel, "auditor", auditorInputTokens, auditorOutputTokens); f != nil {
		return nil, f
	}

	if final == domain.StatusAuditFailed {
		o.logSemantic(ctx, jobID, domain.EventBlock, events.EventPayload{
			"phase": "auditor", "score": verdict.Score, "tamper_detected": verdict.TamperDetected,
		})
		log.Warn("mission blocked by audit", "score", verdict.Score, "tamper_detected", verdict.TamperDetected)
		return nil, &Failure{Class: ClassQuality, Phase: "auditor", JobID: jobID,
			Status: domain.StatusAuditFailed, Message: "audit rejected the built artifacts",
			Score: verdict.Score, Feedback: feedback, Tamper: verdict.TamperDetected}
	}

	log.Info("mission ready for execution", "score", verdict.Score)
	return &Result{
		JobID:           jobID,
		Status:          domain.StatusReadyForExecution,
		Score:           verdict.Score,
		Feedback:        feedback,
		ArtifactsPath:   artifacts,
		ExecutionTimeMs: elapsed + buildElapsed + auditElapsed,
	}, nil
}

// recordSpend charges a phase and terminates the mission if the guard
// blocks it.
func (o *Orchestrator) recordSpend(ctx context.Context, jobID, model, phase string, in, out int) *Failure {
	usage, err := o.Guard.RecordUsage(ctx, jobID, model, phase, in, out)
	if err != nil {
		o.Log.Error("token usage recording failed", "job_id", jobID, "phase", phase, "error", err)
		return nil
	}
	if !usage.Blocked {
		return nil
	}
	if err := o.Repo.UpdateStatus(ctx, jobID, domain.StatusFinanceGuardBlocked); err != nil {
		o.Log.Error("budget block status update failed", "job_id", jobID, "error", err)
	}
	return &Failure{Class: ClassBudget, Phase: phase, JobID: jobID,
		Status: domain.StatusFinanceGuardBlocked,
		Message: fmt.Sprintf("mission spend $%.4f exceeds the per-job budget", usage.JobCost),
		CostUSD: usage.JobCost}
}

// reuseByPlanHash returns the cached outcome of a prior mission that
// produced the same plan and already reached READY_FOR_EXECUTION.
// Builder and auditor are skipped entirely.
func (o *Orchestrator) reuseByPlanHash(ctx context.Context, jobID, planHash string, log *slog.Logger) (*Result, bool) {
	prior, err := o.Repo.GetByPlanHash(ctx, planHash)
	if err != nil || prior.ID == jobID {
		return nil, false
	}

	note := "Reused from " + prior.ID
	zero := int64(0)
	artifacts := ""
	if prior.BuildArtifactsPath != nil {
		artifacts = *prior.BuildArtifactsPath
	}
	bres := repo.BuilderResult{ArtifactsPath: prior.BuildArtifactsPath, ErrorMessage: &note, ExecutionTimeMs: &zero}
	if uerr := o.Repo.UpdateBuilderResult(ctx, jobID, domain.StatusBuilderSuccess, bres); uerr != nil {
		log.Error("reuse builder update failed", "error", uerr)
		return nil, false
	}
	ares := repo.AuditResult{
		Score:           prior.AuditScore,
		FeedbackJSON:    prior.AuditFeedback,
		TamperDetected:  prior.TamperDetected,
		ExecutionTimeMs: &zero,
	}
	if uerr := o.Repo.UpdateAuditResult(ctx, jobID, domain.StatusReadyForExecution, ares); uerr != nil {
		log.Error("reuse audit update failed", "error", uerr)
		return nil, false
	}

	score := 0
	if prior.AuditScore != nil {
		score = *prior.AuditScore
	}
	feedback := ""
	if prior.AuditFeedback != nil {
		feedback = *prior.AuditFeedback
	}
	log.Info("plan hash matched prior mission, reusing artifacts", "prior_job_id", prior.ID)
	return &Result{
		JobID:         jobID,
		Status:        domain.StatusReadyForExecution,
		Score:         score,
		Feedback:      feedback,
		ArtifactsPath: artifacts,
		Cached:        true,
		Note:          note,
	}, true
}

func (o *Orchestrator) logSemantic(ctx context.Context, jobID, event string, payload events.EventPayload) {
	if err := o.Repo.LogSemantic(ctx, jobID, event, payload); err != nil {
		o.Log.Error("semantic log append failed", "job_id", jobID, "event", event, "error", err)
	}
}

func newJobID() string {
	return "job_" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// timed measures a phase call in milliseconds.
func timed[T any](fn func() (T, error)) (T, int64, error) {
	start := time.Now()
	v, err := fn()
	return v, time.Since(start).Milliseconds(), err
}
