package repo

import (
	"context"
	"database/sql"
	"time"

	"missiongate/internal/domain"
)

// UsageSummary aggregates token spend, overall and since the day start.
type UsageSummary struct {
	TotalCostUSD float64 `json:"total_cost_usd"`
	TotalTokens  int64   `json:"total_tokens"`
	DailyCostUSD float64 `json:"daily_cost_usd"`
	DailyTokens  int64   `json:"daily_tokens"`
}

// ExpensiveMission is one row of the top-cost ranking.
type ExpensiveMission struct {
	JobID     string  `json:"job_id"`
	CostUSD   float64 `json:"cost_usd"`
	Tokens    int64   `json:"tokens"`
	FirstSeen string  `json:"first_seen" format:"date-time"`
}

// MinuteBucket is the token total for one minute of the burn window.
type MinuteBucket struct {
	Minute string `json:"minute"`
	Tokens int64  `json:"tokens"`
}

// InsertUsage records one paid call. Rows are immutable once written.
func (r Repo) InsertUsage(ctx context.Context, rec domain.TokenUsageRecord) error {
	ts := rec.CreatedAt
	if ts == "" {
		ts = r.ts()
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO token_usage(job_id,model,phase,input_tokens,output_tokens,total_tokens,cost_usd,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		rec.JobID, rec.Model, rec.Phase, rec.InputTokens, rec.OutputTokens, rec.TotalTokens, rec.CostUSD, ts)
	return err
}

// JobCost returns the cumulative cost recorded for one mission.
func (r Repo) JobCost(ctx context.Context, jobID string) (float64, error) {
	var cost sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT SUM(cost_usd) FROM token_usage WHERE job_id=?`, jobID).Scan(&cost)
	if err != nil {
		return 0, err
	}
	return cost.Float64, nil
}

// UsageSummary totals spend overall and since dayStart.
func (r Repo) UsageSummary(ctx context.Context, dayStart time.Time) (UsageSummary, error) {
	var s UsageSummary
	cutoff := dayStart.UTC().Format(time.RFC3339)
	var totalCost, dailyCost sql.NullFloat64
	var totalTokens, dailyTokens sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT
		SUM(cost_usd),
		SUM(total_tokens),
		SUM(CASE WHEN created_at >= ? THEN cost_usd ELSE 0 END),
		SUM(CASE WHEN created_at >= ? THEN total_tokens ELSE 0 END)
		FROM token_usage`, cutoff, cutoff).Scan(&totalCost, &totalTokens, &dailyCost, &dailyTokens)
	if err != nil {
		return s, err
	}
	s.TotalCostUSD = totalCost.Float64
	s.TotalTokens = totalTokens.Int64
	s.DailyCostUSD = dailyCost.Float64
	s.DailyTokens = dailyTokens.Int64
	return s, nil
}

// TopExpensiveMissions ranks missions by cumulative cost.
func (r Repo) TopExpensiveMissions(ctx context.Context, limit int) ([]ExpensiveMission, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT job_id, SUM(cost_usd), SUM(total_tokens), MIN(created_at)
		FROM token_usage GROUP BY job_id ORDER BY SUM(cost_usd) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ExpensiveMission
	for rows.Next() {
		var e ExpensiveMission
		if err := rows.Scan(&e.JobID, &e.CostUSD, &e.Tokens, &e.FirstSeen); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// TokensBetween sums tokens recorded in [from, to]. The upper bound is
// inclusive so a row stamped at the query instant still counts; the
// guard checks throughput right after inserting at the current second.
func (r Repo) TokensBetween(ctx context.Context, from, to time.Time) (int64, error) {
	var tokens sql.NullInt64
	err := r.DB.QueryRowContext(ctx,
		`SELECT SUM(total_tokens) FROM token_usage WHERE created_at >= ? AND created_at <= ?`,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339)).Scan(&tokens)
	if err != nil {
		return 0, err
	}
	return tokens.Int64, nil
}

// MinuteBuckets groups tokens since cutoff into one-minute buckets. Only
// minutes with recorded usage appear.
func (r Repo) MinuteBuckets(ctx context.Context, cutoff time.Time) ([]MinuteBucket, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT strftime('%Y-%m-%dT%H:%M', created_at) AS minute, SUM(total_tokens)
		FROM token_usage WHERE created_at >= ? GROUP BY minute ORDER BY minute`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []MinuteBucket
	for rows.Next() {
		var b MinuteBucket
		if err := rows.Scan(&b.Minute, &b.Tokens); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}
