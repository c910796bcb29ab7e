package server

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/sync/errgroup"

	"missiongate/internal/app"
	"missiongate/internal/domain"
	"missiongate/internal/finance"
)

const slowAggregation = 500 * time.Millisecond

const auditBaseline = 90

func registerTelemetry(api huma.API, core *app.Core) {
	huma.Register(api, huma.Operation{
		OperationID: "telemetry",
		Method:      http.MethodGet,
		Path:        "/telemetry",
		Summary:     "Operational telemetry snapshot",
		Description: "Composite snapshot of gateway state, auditor drift, finance aggregates and runtime diagnostics.",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		CacheControl string            `header:"Cache-Control"`
		Body         TelemetryResponse `json:"body"`
	}, error) {
		start := time.Now()

		var (
			metrics domain.TelemetryMetrics
			money   finance.Aggregates
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			metrics, err = core.Repo.TelemetryMetrics(gctx)
			return err
		})
		g.Go(func() error {
			var err error
			money, err = core.Guard.Aggregates(gctx)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, handleError(err)
		}

		ssi := core.Calc.Last()
		failures := core.State.GatewayFailures()
		gatewayStatus := "HEALTHY"
		switch {
		case failures >= int64(core.Config.Gateway.FailureThreshold):
			gatewayStatus = domain.StatusGatewayDegraded
		case failures > 0:
			gatewayStatus = "DEGRADING"
		}

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		resp := TelemetryResponse{
			GeneratedAt: time.Now().UTC().Format(time.RFC3339),
			System: TelemetrySystem{
				GatewayStatus:       gatewayStatus,
				ConsecutiveFailures: failures,
				CanaryCount:         core.State.CanaryCount(),
				CanaryLimit:         core.State.CanaryLimit(),
				KillSwitchActive:    core.State.KillSwitchActive(),
				ExpansionFrozen:     core.State.ExpansionFrozen(),
				SSI:                 ssi.Total,
				SSIProjection12h:    ssi.Projection12h,
				SSITrendSlope:       ssi.TrendSlope,
				SSIBurnCorrelation:  ssi.Correlation,
			},
			Auditor: TelemetryAuditor{
				AvgScore24h:  metrics.AvgScore24h,
				MA20:         metrics.MA20,
				Baseline:     auditBaseline,
				DriftPercent: 100 - metrics.AvgScore24h,
				Tamper24h:    metrics.Tamper24h,
			},
			Semantic: metrics.SemanticCounts24h,
			Finance:  money,
			Jobs: TelemetryJobs{
				Total24h:        metrics.Total24h,
				StatusCounts24h: metrics.StatusCounts24h,
				Replays24h:      metrics.Replays24h,
			},
			Runtime: TelemetryRuntime{
				HeapMB:        float64(mem.HeapAlloc) / 1024 / 1024,
				UptimeSeconds: core.Uptime().Seconds(),
			},
		}

		if elapsed := time.Since(start); elapsed > slowAggregation {
			core.Log.Warn("telemetry aggregation slow", "elapsed_ms", elapsed.Milliseconds())
		}

		return &struct {
			CacheControl string            `header:"Cache-Control"`
			Body         TelemetryResponse `json:"body"`
		}{CacheControl: "no-store", Body: resp}, nil
	})
}
