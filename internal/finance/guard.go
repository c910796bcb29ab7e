package finance

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"missiongate/internal/alert"
	"missiongate/internal/domain"
	"missiongate/internal/repo"
)

// modelPrice is USD per million tokens.
type modelPrice struct {
	Input  float64
	Output float64
}

var pricing = map[string]modelPrice{
	"claude-3-5-sonnet": {Input: 3.0, Output: 15.0},
	"gemini-1.5-pro":    {Input: 3.5, Output: 10.5},
	"gemini-1.5-flash":  {Input: 0.075, Output: 0.3},
}

var defaultPrice = modelPrice{Input: 1.0, Output: 2.0}

// Cost prices a single call in USD.
func Cost(model string, inputTokens, outputTokens int) float64 {
	p, ok := pricing[model]
	if !ok {
		p = defaultPrice
	}
	return float64(inputTokens)/1e6*p.Input + float64(outputTokens)/1e6*p.Output
}

// Limits are the spend ceilings the guard enforces. Only the per-job
// ceiling blocks a mission; the daily and throughput ceilings alert.
type Limits struct {
	MaxJobUSD   float64
	MaxDailyUSD float64
	MaxTPM      float64
	Debounce    time.Duration
}

// Guard records token spend and decides whether a mission may continue.
type Guard struct {
	Repo   repo.Repo
	Alerts *alert.Notifier
	Limits Limits
	Log    *slog.Logger
	Now    func() time.Time

	mu        sync.Mutex
	lastAlert map[string]time.Time
}

// Usage is the outcome of recording one paid call.
type Usage struct {
	Cost    float64
	JobCost float64
	Blocked bool
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// RecordUsage persists the call, re-prices it, and checks the ceilings.
// Blocked is true when the mission's cumulative cost exceeds the per-job
// ceiling; daily and TPM breaches only raise alerts.
func (g *Guard) RecordUsage(ctx context.Context, jobID, model, phase string, inputTokens, outputTokens int) (Usage, error) {
	cost := Cost(model, inputTokens, outputTokens)
	rec := domain.TokenUsageRecord{
		JobID:        jobID,
		Model:        model,
		Phase:        phase,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		CostUSD:      cost,
	}
	if err := g.Repo.InsertUsage(ctx, rec); err != nil {
		return Usage{}, fmt.Errorf("record usage: %w", err)
	}

	jobCost, err := g.Repo.JobCost(ctx, jobID)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{Cost: cost, JobCost: jobCost}
	var kinds, breaches []string

	if jobCost > g.Limits.MaxJobUSD {
		u.Blocked = true
		g.Log.Error("finance guard blocked mission",
			"job_id", jobID, "job_cost_usd", jobCost, "limit_usd", g.Limits.MaxJobUSD)
		kinds = append(kinds, "job_budget")
		breaches = append(breaches,
			fmt.Sprintf("mission %s blocked, spend $%.4f exceeds per-job limit $%.2f", jobID, jobCost, g.Limits.MaxJobUSD))
	}

	sum, err := g.Repo.UsageSummary(ctx, g.dayStart())
	if err != nil {
		return Usage{}, err
	}
	if sum.DailyCostUSD > g.Limits.MaxDailyUSD {
		g.Log.Warn("daily spend ceiling exceeded",
			"daily_cost_usd", sum.DailyCostUSD, "limit_usd", g.Limits.MaxDailyUSD)
		kinds = append(kinds, "daily_budget")
		breaches = append(breaches,
			fmt.Sprintf("daily spend $%.4f exceeds limit $%.2f", sum.DailyCostUSD, g.Limits.MaxDailyUSD))
	}

	tpm, err := g.TokensPerMinute(ctx)
	if err != nil {
		return Usage{}, err
	}
	if tpm > g.Limits.MaxTPM {
		g.Log.Warn("token throughput ceiling exceeded", "tpm", tpm, "limit", g.Limits.MaxTPM)
		kinds = append(kinds, "tpm")
		breaches = append(breaches,
			fmt.Sprintf("throughput %.0f TPM exceeds limit %.0f", tpm, g.Limits.MaxTPM))
	}

	// All breaches from one call go out as a single notification.
	if len(breaches) > 0 {
		g.alert(jobID, strings.Join(kinds, "+"), "FINANCE GUARD: "+strings.Join(breaches, "; "))
	}

	return u, nil
}

// TokensPerMinute averages token throughput over the trailing five minutes.
func (g *Guard) TokensPerMinute(ctx context.Context) (float64, error) {
	now := g.now()
	tokens, err := g.Repo.TokensBetween(ctx, now.Add(-5*time.Minute), now)
	if err != nil {
		return 0, err
	}
	return float64(tokens) / 5, nil
}

// BurnVariance characterizes spend volatility over the trailing fifteen
// minutes. Only minutes with recorded usage contribute a bucket.
type BurnVariance struct {
	Mean            float64 `json:"mean_tokens_per_minute"`
	StdDev          float64 `json:"std_dev"`
	CV              float64 `json:"coefficient_of_variation"`
	LastMinuteDelta int64   `json:"last_minute_delta"`
	Buckets         int     `json:"buckets"`
}

// Variance computes burn variance from per-minute token buckets.
func (g *Guard) Variance(ctx context.Context) (BurnVariance, error) {
	buckets, err := g.Repo.MinuteBuckets(ctx, g.now().Add(-15*time.Minute))
	if err != nil {
		return BurnVariance{}, err
	}
	return computeVariance(buckets), nil
}

func computeVariance(buckets []repo.MinuteBucket) BurnVariance {
	v := BurnVariance{Buckets: len(buckets)}
	if len(buckets) == 0 {
		return v
	}
	var sum float64
	for _, b := range buckets {
		sum += float64(b.Tokens)
	}
	v.Mean = sum / float64(len(buckets))
	var sq float64
	for _, b := range buckets {
		d := float64(b.Tokens) - v.Mean
		sq += d * d
	}
	v.StdDev = math.Sqrt(sq / float64(len(buckets)))
	if v.Mean > 0 {
		v.CV = v.StdDev / v.Mean
	}
	if n := len(buckets); n >= 2 {
		v.LastMinuteDelta = buckets[n-1].Tokens - buckets[n-2].Tokens
	} else {
		v.LastMinuteDelta = buckets[0].Tokens
	}
	return v
}

// Aggregates is the finance section of the telemetry payload.
type Aggregates struct {
	Summary              repo.UsageSummary       `json:"summary"`
	ProjectedMonthlyUSD  float64                 `json:"projected_monthly_usd"`
	TopExpensiveMissions []repo.ExpensiveMission `json:"top_expensive_missions"`
	TokensPerMinute      float64                 `json:"tokens_per_minute"`
	BurnVariance         BurnVariance            `json:"burn_variance"`
	PerJobLimitUSD       float64                 `json:"per_job_limit_usd"`
	DailyLimitUSD        float64                 `json:"daily_limit_usd"`
	TokensPerMinuteLimit float64                 `json:"tokens_per_minute_limit"`
}

// Aggregates assembles the full finance picture for telemetry.
func (g *Guard) Aggregates(ctx context.Context) (Aggregates, error) {
	sum, err := g.Repo.UsageSummary(ctx, g.dayStart())
	if err != nil {
		return Aggregates{}, err
	}
	top, err := g.Repo.TopExpensiveMissions(ctx, 10)
	if err != nil {
		return Aggregates{}, err
	}
	tpm, err := g.TokensPerMinute(ctx)
	if err != nil {
		return Aggregates{}, err
	}
	variance, err := g.Variance(ctx)
	if err != nil {
		return Aggregates{}, err
	}
	return Aggregates{
		Summary:              sum,
		ProjectedMonthlyUSD:  sum.DailyCostUSD * 30,
		TopExpensiveMissions: top,
		TokensPerMinute:      tpm,
		BurnVariance:         variance,
		PerJobLimitUSD:       g.Limits.MaxJobUSD,
		DailyLimitUSD:        g.Limits.MaxDailyUSD,
		TokensPerMinuteLimit: g.Limits.MaxTPM,
	}, nil
}

func (g *Guard) dayStart() time.Time {
	now := g.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

// alert sends one webhook message per (job, kind) within the debounce
// window so a hot loop cannot flood the channel.
func (g *Guard) alert(jobID, kind, msg string) {
	if g.Alerts == nil {
		return
	}
	key := jobID + "|" + kind
	now := g.now()

	g.mu.Lock()
	if g.lastAlert == nil {
		g.lastAlert = make(map[string]time.Time)
	}
	last, seen := g.lastAlert[key]
	if seen && now.Sub(last) < g.Limits.Debounce {
		g.mu.Unlock()
		return
	}
	g.lastAlert[key] = now
	g.mu.Unlock()

	g.Alerts.Notify(msg)
}
