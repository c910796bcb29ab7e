package replay

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"missiongate/internal/domain"
	"missiongate/internal/finance"
	"missiongate/internal/pipeline"
	"missiongate/internal/policy"
	"missiongate/internal/repo"
)

const (
	replayModel        = "gemini-1.5-flash"
	replayPhase        = "replay"
	replayInputTokens  = 500
	replayOutputTokens = 200

	maxReplaysPerWindow = 2
	cooldownWindow      = 10 * time.Minute
)

// replayable is the set of statuses a mission may be re-armed from.
var replayable = map[string]bool{
	domain.StatusReadyForExecution:  true,
	domain.StatusExecutionTriggered: true,
	domain.StatusGatewayDegraded:    true,
	domain.StatusPolicyRejected:     true,
}

// IneligibleError rejects a replay for a mission that cannot be re-armed.
type IneligibleError struct {
	Detail string
}

func (e *IneligibleError) Error() string { return "replay not allowed: " + e.Detail }

// CooldownError rejects a replay attempted too soon.
type CooldownError struct {
	RetryAfterMinutes int
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("replay cooldown active, retry in %d minutes", e.RetryAfterMinutes)
}

// Outcome reports a successful re-arm.
type Outcome struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	ReplayCount int    `json:"replay_count"`
}

// Controller re-arms executed or rejected missions for another attempt.
type Controller struct {
	Repo  repo.Repo
	Guard *finance.Guard
	State *policy.ProcessState
	Log   *slog.Logger
	Now   func() time.Time
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Replay re-arms a mission back to READY_FOR_EXECUTION. At most two
// replays fit in a rolling ten-minute window measured from the last
// replay, and only missions authorized at least once are eligible.
func (c *Controller) Replay(ctx context.Context, jobID string) (*Outcome, error) {
	m, err := c.Repo.GetMission(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if !replayable[m.Status] {
		return nil, &IneligibleError{Detail: fmt.Sprintf("mission is %s", m.Status)}
	}
	if m.ExecutionSignatureHash == nil {
		return nil, &IneligibleError{Detail: "mission was never authorized for execution"}
	}

	if m.ReplayCount >= maxReplaysPerWindow && m.LastReplayAt != nil {
		last, perr := time.Parse(time.RFC3339, *m.LastReplayAt)
		if perr == nil {
			remaining := cooldownWindow - c.now().Sub(last)
			if remaining > 0 {
				minutes := int(math.Ceil(remaining.Minutes()))
				if minutes < 1 {
					minutes = 1
				}
				return nil, &CooldownError{RetryAfterMinutes: minutes}
			}
		}
	}

	if err := c.Repo.RecordReplay(ctx, jobID); err != nil {
		return nil, err
	}
	usage, uerr := c.Guard.RecordUsage(ctx, jobID, replayModel, replayPhase, replayInputTokens, replayOutputTokens)
	if uerr != nil {
		c.Log.Error("replay usage recording failed", "job_id", jobID, "error", uerr)
	} else if usage.Blocked {
		// The replay charge itself can exhaust the per-job budget; a
		// blocked mission is not re-armed.
		if serr := c.Repo.UpdateStatus(ctx, jobID, domain.StatusFinanceGuardBlocked); serr != nil {
			c.Log.Error("budget block status update failed", "job_id", jobID, "error", serr)
		}
		return nil, &pipeline.Failure{Class: pipeline.ClassBudget, Phase: replayPhase, JobID: jobID,
			Status:  domain.StatusFinanceGuardBlocked,
			Message: fmt.Sprintf("replay spend $%.4f exceeds the per-job budget", usage.JobCost),
			CostUSD: usage.JobCost}
	}
	c.State.ResetGatewayFailures()
	if err := c.Repo.UpdateStatus(ctx, jobID, domain.StatusReadyForExecution); err != nil {
		return nil, err
	}

	updated, err := c.Repo.GetMission(ctx, jobID)
	if err != nil {
		return nil, err
	}
	c.Log.Info("mission re-armed for execution", "job_id", jobID, "replay_count", updated.ReplayCount)
	return &Outcome{
		JobID:       jobID,
		Status:      updated.Status,
		ReplayCount: updated.ReplayCount,
	}, nil
}
