package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"missiongate/internal/app"
	"missiongate/internal/config"
	"missiongate/internal/db"
	"missiongate/internal/domain"
	"missiongate/internal/migrate"
)

// fakeServices simulates the three analysis services behind one mux.
type fakeServices struct {
	srv *httptest.Server

	architectFail bool
	auditScore    int
	tamper        bool
}

func newFakeServices(t *testing.T) *fakeServices {
	t.Helper()
	f := &fakeServices{auditScore: 95}
	mux := http.NewServeMux()
	mux.HandleFunc("/analyze", func(w http.ResponseWriter, r *http.Request) {
		if f.architectFail {
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"plan": map[string]any{
				"steps":          []string{"a"},
				"plan_hash":      "plan-hash-e2e",
				"schema_version": "1",
			},
		})
	})
	mux.HandleFunc("/build", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"artifacts_path": t.TempDir()})
	})
	mux.HandleFunc("/audit", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status":          "AUDIT_SUCCESS",
			"score":           f.auditScore,
			"feedback":        map[string]any{"notes": []string{}},
			"tamper_detected": f.tamper,
		})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

type testStack struct {
	URL   string
	Core  *app.Core
	Fakes *fakeServices
}

// newTestStack boots the full API with fake analysis services and the
// in-process simulated gateway as the execution target.
func newTestStack(t *testing.T) *testStack {
	t.Helper()
	fakes := newFakeServices(t)

	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	baseURL := "http://" + ln.Addr().String()

	cfg := config.Default()
	cfg.Services.ArchitectURL = fakes.srv.URL + "/analyze"
	cfg.Services.BuilderURL = fakes.srv.URL + "/build"
	cfg.Services.AuditorURL = fakes.srv.URL + "/audit"
	cfg.Gateway.URL = baseURL + "/gateway/simulated"

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	core := app.New(conn, cfg, log)

	handler, err := New(Config{Core: core, BasePath: "/v1"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		core.Close()
		conn.Close()
	})

	return &testStack{URL: baseURL, Core: core, Fakes: fakes}
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestSubmitAndExecuteEndToEnd(t *testing.T) {
	stack := newTestStack(t)

	res, data := doJSON(t, http.MethodPost, stack.URL+"/v1/missions", map[string]any{"prompt": "ship it"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var outcome MissionOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if outcome.Status != domain.StatusReadyForExecution || outcome.Score != 95 {
		t.Fatalf("outcome = %+v", outcome)
	}

	res, data = doJSON(t, http.MethodGet, stack.URL+"/v1/missions/"+outcome.JobID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get mission status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, http.MethodPost, stack.URL+"/v1/missions/"+outcome.JobID+"/execute", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(data))
	}
	var exec ExecutionResponse
	if err := json.Unmarshal(data, &exec); err != nil {
		t.Fatalf("unmarshal execution: %v", err)
	}
	if exec.Status != domain.StatusExecutionTriggered || exec.SignatureHash == "" {
		t.Fatalf("execution = %+v", exec)
	}
	var ack map[string]any
	if err := json.Unmarshal(exec.GatewayResponse, &ack); err != nil {
		t.Fatalf("unmarshal gateway ack: %v", err)
	}
	if ack["status"] != "ENQUEUED" || ack["correlation_id"] != outcome.JobID {
		t.Fatalf("gateway ack = %v", ack)
	}
}

func TestSubmitArchitectFailureReturns502(t *testing.T) {
	stack := newTestStack(t)
	stack.Fakes.architectFail = true

	res, data := doJSON(t, http.MethodPost, stack.URL+"/v1/missions", map[string]any{"prompt": "ship it"})
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "upstream_failure" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestSubmitEmptyPromptReturns400(t *testing.T) {
	stack := newTestStack(t)
	res, data := doJSON(t, http.MethodPost, stack.URL+"/v1/missions", map[string]any{"prompt": "  "})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestSubmitTamperReturns406(t *testing.T) {
	stack := newTestStack(t)
	stack.Fakes.tamper = true

	res, data := doJSON(t, http.MethodPost, stack.URL+"/v1/missions", map[string]any{"prompt": "ship it"})
	if res.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "quality_rejected" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
	if envelope.Error.Details["status"] != domain.StatusAuditFailed {
		t.Fatalf("details = %v", envelope.Error.Details)
	}
}

func TestExecuteRejectsLowScore(t *testing.T) {
	stack := newTestStack(t)
	stack.Fakes.auditScore = 85

	_, data := doJSON(t, http.MethodPost, stack.URL+"/v1/missions", map[string]any{"prompt": "ship it"})
	var outcome MissionOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		t.Fatal(err)
	}
	if outcome.Status != domain.StatusReadyForExecution {
		t.Fatalf("pipeline outcome = %+v", outcome)
	}

	res, data := doJSON(t, http.MethodPost, stack.URL+"/v1/missions/"+outcome.JobID+"/execute", nil)
	if res.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, http.MethodGet, stack.URL+"/v1/missions/"+outcome.JobID, nil)
	var m domain.Mission
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.StatusPolicyRejected {
		t.Fatalf("status = %s, want POLICY_REJECTED", m.Status)
	}
}

func TestExecuteCircuitBreakerReturns503(t *testing.T) {
	stack := newTestStack(t)
	_, data := doJSON(t, http.MethodPost, stack.URL+"/v1/missions", map[string]any{"prompt": "ship it"})
	var outcome MissionOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < stack.Core.Config.Gateway.FailureThreshold; i++ {
		stack.Core.State.RecordGatewayFailure()
	}

	res, data := doJSON(t, http.MethodPost, stack.URL+"/v1/missions/"+outcome.JobID+"/execute", nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestReplayFlow(t *testing.T) {
	stack := newTestStack(t)
	_, data := doJSON(t, http.MethodPost, stack.URL+"/v1/missions", map[string]any{"prompt": "ship it"})
	var outcome MissionOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		t.Fatal(err)
	}

	// Never authorized, so replay is refused.
	res, data := doJSON(t, http.MethodPost, stack.URL+"/v1/missions/"+outcome.JobID+"/replay", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unsigned replay status %d: %s", res.StatusCode, string(data))
	}

	if res, data = doJSON(t, http.MethodPost, stack.URL+"/v1/missions/"+outcome.JobID+"/execute", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, http.MethodPost, stack.URL+"/v1/missions/"+outcome.JobID+"/replay", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replay status %d: %s", res.StatusCode, string(data))
	}
	var rep ReplayResponse
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Status != domain.StatusReadyForExecution || rep.ReplayCount != 1 {
		t.Fatalf("replay = %+v", rep)
	}
}

func TestReplayUnknownMissionReturns404(t *testing.T) {
	stack := newTestStack(t)
	res, data := doJSON(t, http.MethodPost, stack.URL+"/v1/missions/job_nope/replay", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestTelemetrySnapshot(t *testing.T) {
	stack := newTestStack(t)
	if _, data := doJSON(t, http.MethodPost, stack.URL+"/v1/missions", map[string]any{"prompt": "ship it"}); len(data) == 0 {
		t.Fatal("empty submit response")
	}

	res, data := doJSON(t, http.MethodGet, stack.URL+"/v1/telemetry", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if cc := res.Header.Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("Cache-Control = %q, want no-store", cc)
	}
	var snap TelemetryResponse
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal telemetry: %v", err)
	}
	if snap.System.GatewayStatus != "HEALTHY" {
		t.Fatalf("gateway status = %s", snap.System.GatewayStatus)
	}
	if snap.Jobs.Total24h != 1 {
		t.Fatalf("jobs 24h = %d, want 1", snap.Jobs.Total24h)
	}
	if snap.Auditor.Baseline != 90 {
		t.Fatalf("baseline = %d", snap.Auditor.Baseline)
	}
	if snap.Finance.Summary.TotalTokens == 0 {
		t.Fatal("no token usage in finance summary")
	}
}

func TestSimulatedGatewayRejectsBadSignature(t *testing.T) {
	stack := newTestStack(t)
	req, err := http.NewRequest(http.MethodPost, stack.URL+"/gateway/simulated", bytes.NewReader([]byte(`{"correlation_id":"job_x"}`)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Mission-Signature", "deadbeef")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
}

func TestListMissionsByStatus(t *testing.T) {
	stack := newTestStack(t)
	_, data := doJSON(t, http.MethodPost, stack.URL+"/v1/missions", map[string]any{"prompt": "ship it"})
	var outcome MissionOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, http.MethodGet, stack.URL+"/v1/missions?status="+domain.StatusReadyForExecution, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var items []MissionListItem
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != outcome.JobID {
		t.Fatalf("items = %+v", items)
	}

	res, data = doJSON(t, http.MethodGet, stack.URL+"/v1/missions?status="+domain.StatusAuditFailed, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	if string(bytes.TrimSpace(data)) != "[]" && string(bytes.TrimSpace(data)) != "null" {
		var empty []MissionListItem
		if err := json.Unmarshal(data, &empty); err != nil || len(empty) != 0 {
			t.Fatalf("expected empty list, got %s", string(data))
		}
	}
}
