package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"missiongate/internal/db"
	"missiongate/internal/domain"
	"missiongate/internal/finance"
	"missiongate/internal/migrate"
	"missiongate/internal/repo"
)

// fakeServices simulates architect, builder and auditor behind one mux.
type fakeServices struct {
	srv *httptest.Server

	architectFail bool
	builderFail   bool
	auditorCrash  bool
	planHash      string
	auditStatus   string
	auditScore    int
	tamper        bool

	builderCalls int
	auditorCalls int
}

func newFakeServices(t *testing.T) *fakeServices {
	t.Helper()
	f := &fakeServices{
		planHash:    "plan-hash-1",
		auditStatus: "AUDIT_SUCCESS",
		auditScore:  95,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/analyze", func(w http.ResponseWriter, r *http.Request) {
		if f.architectFail {
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"plan": map[string]any{
				"steps":          []string{"a", "b"},
				"plan_hash":      f.planHash,
				"schema_version": "1",
			},
		})
	})
	mux.HandleFunc("/build", func(w http.ResponseWriter, r *http.Request) {
		f.builderCalls++
		if f.builderFail {
			http.Error(w, "compile error", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"artifacts_path": "/tmp/artifacts/" + f.planHash})
	})
	mux.HandleFunc("/audit", func(w http.ResponseWriter, r *http.Request) {
		f.auditorCalls++
		if f.auditorCrash {
			http.Error(w, "auditor crashed", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":          f.auditStatus,
			"score":           f.auditScore,
			"feedback":        map[string]any{"notes": []string{}},
			"tamper_detected": f.tamper,
		})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestOrchestrator(t *testing.T, f *fakeServices) (*Orchestrator, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	r := repo.Repo{DB: conn, Now: func() time.Time { return now }}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard := &finance.Guard{
		Repo:   r,
		Limits: finance.Limits{MaxJobUSD: 0.50, MaxDailyUSD: 5.0, MaxTPM: 100000, Debounce: 5 * time.Minute},
		Log:    log,
		Now:    func() time.Time { return now },
	}
	clients := NewClients(f.srv.URL+"/analyze", f.srv.URL+"/build", f.srv.URL+"/audit",
		5*time.Second, 5*time.Second, 5*time.Second)
	return &Orchestrator{Repo: r, Clients: clients, Guard: guard, Log: log}, r
}

func semanticCount(t *testing.T, r repo.Repo, jobID, eventType string) int {
	t.Helper()
	var n int
	err := r.DB.QueryRow(`SELECT COUNT(*) FROM semantic_logs WHERE job_id=? AND event_type=?`, jobID, eventType).Scan(&n)
	if err != nil {
		t.Fatalf("count semantic logs: %v", err)
	}
	return n
}

func TestRunHappyPath(t *testing.T) {
	f := newFakeServices(t)
	o, r := newTestOrchestrator(t, f)

	res, err := o.Run(context.Background(), "ship it")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != domain.StatusReadyForExecution {
		t.Fatalf("status = %s, want READY_FOR_EXECUTION", res.Status)
	}
	if res.Score != 95 {
		t.Fatalf("score = %d, want 95", res.Score)
	}
	if res.Cached {
		t.Fatal("first run reported as cached")
	}

	m, err := r.GetMission(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if m.Status != domain.StatusReadyForExecution {
		t.Fatalf("persisted status = %s", m.Status)
	}
	if m.PlanHash == nil || *m.PlanHash != "plan-hash-1" {
		t.Fatalf("plan hash = %v", m.PlanHash)
	}
	if m.BuildArtifactsPath == nil {
		t.Fatal("artifacts path not persisted")
	}

	// Both paid phases recorded usage.
	var usageRows int
	if err := r.DB.QueryRow(`SELECT COUNT(*) FROM token_usage WHERE job_id=?`, res.JobID).Scan(&usageRows); err != nil {
		t.Fatal(err)
	}
	if usageRows != 2 {
		t.Fatalf("usage rows = %d, want 2", usageRows)
	}
}

func TestRunArchitectFailureIsTerminal(t *testing.T) {
	f := newFakeServices(t)
	f.architectFail = true
	o, r := newTestOrchestrator(t, f)

	_, err := o.Run(context.Background(), "ship it")
	var fail *Failure
	if !errors.As(err, &fail) {
		t.Fatalf("err = %v, want Failure", err)
	}
	if fail.Class != ClassUpstream || fail.Phase != "architect" {
		t.Fatalf("failure = %+v", fail)
	}
	if fail.Status != domain.StatusArchitectFailed {
		t.Fatalf("status = %s, want ARCHITECT_FAILED", fail.Status)
	}
	m, _ := r.GetMission(context.Background(), fail.JobID)
	if m.ErrorMessage == nil {
		t.Fatal("error message not persisted")
	}
	if semanticCount(t, r, fail.JobID, domain.EventSemanticFail) != 1 {
		t.Fatal("SEMANTIC_FAIL log entry missing")
	}
	if f.builderCalls != 0 {
		t.Fatal("builder called after architect failure")
	}
}

func TestRunBuilderFailureIsTerminal(t *testing.T) {
	f := newFakeServices(t)
	f.builderFail = true
	o, r := newTestOrchestrator(t, f)

	_, err := o.Run(context.Background(), "ship it")
	var fail *Failure
	if !errors.As(err, &fail) {
		t.Fatalf("err = %v, want Failure", err)
	}
	if fail.Status != domain.StatusBuilderFailed {
		t.Fatalf("status = %s, want BUILDER_FAILED", fail.Status)
	}
	m, _ := r.GetMission(context.Background(), fail.JobID)
	if m.BuildErrorMessage == nil {
		t.Fatal("builder error not persisted")
	}
	if f.auditorCalls != 0 {
		t.Fatal("auditor called after builder failure")
	}
}

func TestRunTamperBlocksMission(t *testing.T) {
	f := newFakeServices(t)
	f.tamper = true
	o, r := newTestOrchestrator(t, f)

	_, err := o.Run(context.Background(), "ship it")
	var fail *Failure
	if !errors.As(err, &fail) {
		t.Fatalf("err = %v, want Failure", err)
	}
	if fail.Class != ClassQuality {
		t.Fatalf("class = %s, want quality", fail.Class)
	}
	if fail.Status != domain.StatusAuditFailed {
		t.Fatalf("status = %s, want AUDIT_FAILED", fail.Status)
	}
	if !fail.Tamper {
		t.Fatal("tamper flag not propagated")
	}
	if semanticCount(t, r, fail.JobID, domain.EventBlock) != 1 {
		t.Fatal("BLOCK log entry missing")
	}
}

func TestRunAuditCrashScoresZero(t *testing.T) {
	f := newFakeServices(t)
	f.auditorCrash = true
	o, r := newTestOrchestrator(t, f)

	_, err := o.Run(context.Background(), "ship it")
	var fail *Failure
	if !errors.As(err, &fail) {
		t.Fatalf("err = %v, want Failure", err)
	}
	if fail.Status != domain.StatusAuditFailed {
		t.Fatalf("status = %s, want AUDIT_FAILED", fail.Status)
	}
	m, _ := r.GetMission(context.Background(), fail.JobID)
	if m.AuditScore == nil || *m.AuditScore != 0 {
		t.Fatalf("audit score = %v, want 0", m.AuditScore)
	}
}

func TestRunReusesPriorPlanHash(t *testing.T) {
	f := newFakeServices(t)
	o, _ := newTestOrchestrator(t, f)
	ctx := context.Background()

	first, err := o.Run(ctx, "ship it")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	second, err := o.Run(ctx, "ship it again, same plan")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !second.Cached {
		t.Fatal("second run not cached despite identical plan hash")
	}
	if second.ArtifactsPath != first.ArtifactsPath {
		t.Fatalf("artifacts = %s, want %s", second.ArtifactsPath, first.ArtifactsPath)
	}
	if second.Note != "Reused from "+first.JobID {
		t.Fatalf("note = %q", second.Note)
	}
	if second.ExecutionTimeMs != 0 {
		t.Fatalf("cached execution time = %d, want 0", second.ExecutionTimeMs)
	}
	if f.builderCalls != 1 || f.auditorCalls != 1 {
		t.Fatalf("builder/auditor calls = %d/%d, want 1/1", f.builderCalls, f.auditorCalls)
	}
}

func TestRunBudgetBlockAfterArchitect(t *testing.T) {
	f := newFakeServices(t)
	o, r := newTestOrchestrator(t, f)
	o.Guard.Limits.MaxJobUSD = 0.001

	_, err := o.Run(context.Background(), "ship it")
	var fail *Failure
	if !errors.As(err, &fail) {
		t.Fatalf("err = %v, want Failure", err)
	}
	if fail.Class != ClassBudget {
		t.Fatalf("class = %s, want budget", fail.Class)
	}
	if fail.Status != domain.StatusFinanceGuardBlocked {
		t.Fatalf("status = %s, want FINANCE_GUARD_BLOCKED", fail.Status)
	}
	if fail.CostUSD <= 0 {
		t.Fatal("blocked failure carries no cost")
	}
	m, _ := r.GetMission(context.Background(), fail.JobID)
	if m.Status != domain.StatusFinanceGuardBlocked {
		t.Fatalf("persisted status = %s", m.Status)
	}
	if f.builderCalls != 0 {
		t.Fatal("builder called after budget block")
	}
}
