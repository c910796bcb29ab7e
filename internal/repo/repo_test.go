package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"missiongate/internal/db"
	"missiongate/internal/domain"
	"missiongate/internal/events"
	"missiongate/internal/migrate"
)

func newTestRepo(t *testing.T, now time.Time) (Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn, Now: func() time.Time { return now }}, conn
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func i64Ptr(i int64) *int64   { return &i }

func TestMissionLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	r, _ := newTestRepo(t, now)
	ctx := context.Background()

	if err := r.CreateMission(ctx, "job_a1", "do the thing"); err != nil {
		t.Fatalf("create: %v", err)
	}
	m, err := r.GetMission(ctx, "job_a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Status != domain.StatusInit {
		t.Fatalf("status = %s, want INIT", m.Status)
	}

	arch := ArchitectResult{
		PlanJSON:        strPtr(`{"plan_hash":"abc","schema_version":"1"}`),
		RawResponse:     strPtr(`{"plan":{}}`),
		PlanHash:        strPtr("abc"),
		ExecutionTimeMs: i64Ptr(120),
	}
	if err := r.UpdateArchitectResult(ctx, "job_a1", domain.StatusArchitectSuccess, arch); err != nil {
		t.Fatalf("architect update: %v", err)
	}

	build := BuilderResult{ArtifactsPath: strPtr("/tmp/artifacts/job_a1"), ExecutionTimeMs: i64Ptr(900)}
	if err := r.UpdateBuilderResult(ctx, "job_a1", domain.StatusBuilderSuccess, build); err != nil {
		t.Fatalf("builder update: %v", err)
	}

	audit := AuditResult{Score: intPtr(95), FeedbackJSON: strPtr(`{"notes":[]}`), ExecutionTimeMs: i64Ptr(300)}
	if err := r.UpdateAuditResult(ctx, "job_a1", domain.StatusReadyForExecution, audit); err != nil {
		t.Fatalf("audit update: %v", err)
	}

	m, err = r.GetMission(ctx, "job_a1")
	if err != nil {
		t.Fatalf("get after updates: %v", err)
	}
	if m.Status != domain.StatusReadyForExecution {
		t.Fatalf("status = %s, want READY_FOR_EXECUTION", m.Status)
	}
	if m.AuditScore == nil || *m.AuditScore != 95 {
		t.Fatalf("audit score = %v, want 95", m.AuditScore)
	}
	if m.PlanHash == nil || *m.PlanHash != "abc" {
		t.Fatalf("plan hash = %v, want abc", m.PlanHash)
	}
	if m.TamperDetected {
		t.Fatal("tamper flag set unexpectedly")
	}

	auth := Authorization{AuthorizedAt: now.Format(time.RFC3339), PolicyVersion: "v1.0.0", SignatureHash: "deadbeef"}
	if err := r.AuthorizeExecution(ctx, "job_a1", domain.StatusExecutionTriggered, auth); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	m, _ = r.GetMission(ctx, "job_a1")
	if m.ExecutionSignatureHash == nil || *m.ExecutionSignatureHash != "deadbeef" {
		t.Fatalf("signature = %v, want deadbeef", m.ExecutionSignatureHash)
	}

	if err := r.RecordReplay(ctx, "job_a1"); err != nil {
		t.Fatalf("record replay: %v", err)
	}
	m, _ = r.GetMission(ctx, "job_a1")
	if m.ReplayCount != 1 || m.LastReplayAt == nil {
		t.Fatalf("replay count = %d lastReplayAt = %v", m.ReplayCount, m.LastReplayAt)
	}
}

func TestUpdatesOnMissingMissionReturnNotFound(t *testing.T) {
	r, _ := newTestRepo(t, time.Now())
	ctx := context.Background()

	if err := r.UpdateStatus(ctx, "job_missing", domain.StatusBuilderPending); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update status err = %v, want ErrNotFound", err)
	}
	if _, err := r.GetMission(ctx, "job_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get err = %v, want ErrNotFound", err)
	}
}

func TestGetByPlanHashOnlyMatchesReadyMissions(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	r, _ := newTestRepo(t, now)
	ctx := context.Background()

	if err := r.CreateMission(ctx, "job_b1", "p"); err != nil {
		t.Fatal(err)
	}
	arch := ArchitectResult{PlanHash: strPtr("h1")}
	if err := r.UpdateArchitectResult(ctx, "job_b1", domain.StatusAuditFailed, arch); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetByPlanHash(ctx, "h1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unvetted mission matched: err = %v", err)
	}

	if err := r.UpdateStatus(ctx, "job_b1", domain.StatusReadyForExecution); err != nil {
		t.Fatal(err)
	}
	m, err := r.GetByPlanHash(ctx, "h1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if m.ID != "job_b1" {
		t.Fatalf("matched %s, want job_b1", m.ID)
	}
}

func TestTelemetryMetricsWindows(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	r, _ := newTestRepo(t, now)
	ctx := context.Background()

	// Two recent missions, one stale mission outside the 24h window.
	recent := r
	for _, tc := range []struct {
		id    string
		score int
		when  time.Time
	}{
		{"job_r1", 90, now.Add(-time.Hour)},
		{"job_r2", 80, now.Add(-2 * time.Hour)},
		{"job_old", 10, now.Add(-48 * time.Hour)},
	} {
		recent.Now = func() time.Time { return tc.when }
		if err := recent.CreateMission(ctx, tc.id, "p"); err != nil {
			t.Fatal(err)
		}
		audit := AuditResult{Score: intPtr(tc.score)}
		if err := recent.UpdateAuditResult(ctx, tc.id, domain.StatusReadyForExecution, audit); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.LogSemantic(ctx, "job_r1", domain.EventBlock, events.EventPayload{"why": "test"}); err != nil {
		t.Fatalf("log semantic: %v", err)
	}

	m, err := r.TelemetryMetrics(ctx)
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	if m.Total24h != 2 {
		t.Fatalf("total24h = %d, want 2", m.Total24h)
	}
	if m.AvgScore24h != 85 {
		t.Fatalf("avg24h = %v, want 85", m.AvgScore24h)
	}
	// The MA20 window is not time bounded; the stale score drags it down.
	if len(m.MA20Scores) != 3 {
		t.Fatalf("ma20 samples = %d, want 3", len(m.MA20Scores))
	}
	if m.SemanticCounts24h[domain.EventBlock] != 1 {
		t.Fatalf("semantic counts = %v", m.SemanticCounts24h)
	}
}

func TestTokenUsageAggregates(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	r, _ := newTestRepo(t, now)
	ctx := context.Background()

	insert := func(jobID string, tokens int, cost float64, at time.Time) {
		t.Helper()
		rec := domain.TokenUsageRecord{
			JobID: jobID, Model: "gemini-1.5-pro", Phase: "architect",
			InputTokens: tokens / 2, OutputTokens: tokens - tokens/2, TotalTokens: tokens,
			CostUSD: cost, CreatedAt: at.UTC().Format(time.RFC3339),
		}
		if err := r.InsertUsage(ctx, rec); err != nil {
			t.Fatalf("insert usage: %v", err)
		}
	}

	insert("job_x", 1000, 0.10, now.Add(-1*time.Minute))
	insert("job_x", 3000, 0.30, now.Add(-2*time.Minute))
	insert("job_y", 500, 0.05, now.Add(-30*time.Hour))

	cost, err := r.JobCost(ctx, "job_x")
	if err != nil {
		t.Fatalf("job cost: %v", err)
	}
	if cost < 0.399 || cost > 0.401 {
		t.Fatalf("job cost = %v, want 0.40", cost)
	}

	dayStart := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	sum, err := r.UsageSummary(ctx, dayStart)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.DailyTokens != 4000 {
		t.Fatalf("daily tokens = %d, want 4000", sum.DailyTokens)
	}
	if sum.TotalTokens != 4500 {
		t.Fatalf("total tokens = %d, want 4500", sum.TotalTokens)
	}

	tokens, err := r.TokensBetween(ctx, now.Add(-5*time.Minute), now)
	if err != nil {
		t.Fatalf("tokens between: %v", err)
	}
	if tokens != 4000 {
		t.Fatalf("tokens in window = %d, want 4000", tokens)
	}

	buckets, err := r.MinuteBuckets(ctx, now.Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("minute buckets: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("buckets = %d, want 2", len(buckets))
	}

	top, err := r.TopExpensiveMissions(ctx, 10)
	if err != nil {
		t.Fatalf("top expensive: %v", err)
	}
	if len(top) != 2 || top[0].JobID != "job_x" {
		t.Fatalf("top expensive = %+v", top)
	}
}
