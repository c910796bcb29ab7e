package health

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"missiongate/internal/alert"
	"missiongate/internal/finance"
	"missiongate/internal/repo"
)

// Throttler lets the sampler tighten the rollout without importing the
// policy engine directly.
type Throttler interface {
	SetCanaryLimit(limit int64)
	CanaryLimit() int64
}

// Thresholds control when the sampler reacts to a degrading index.
type Thresholds struct {
	Rollback      float64
	Alert         float64
	ThrottleLimit int
}

// Sampler periodically recomputes the stability index from live
// telemetry and throttles the canary rollout when it degrades.
type Sampler struct {
	Calc       *Calculator
	Repo       repo.Repo
	Guard      *finance.Guard
	Throttle   Throttler
	Alerts     *alert.Notifier
	Log        *slog.Logger
	Interval   time.Duration
	Thresholds Thresholds
}

// Run samples on a ticker until ctx is canceled. One sample is taken
// immediately so telemetry has an index before the first tick.
func (s *Sampler) Run(ctx context.Context) {
	s.sample(ctx)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.Calc.RecordHeap(mem.HeapAlloc)

	metrics, err := s.Repo.TelemetryMetrics(ctx)
	if err != nil {
		s.Log.Warn("stability sample skipped, telemetry query failed", "error", err)
		return
	}
	variance, err := s.Guard.Variance(ctx)
	if err != nil {
		s.Log.Warn("stability sample skipped, burn variance query failed", "error", err)
		return
	}

	idx := s.Calc.Compute(Snapshot{
		MA20Scores: metrics.MA20Scores,
		Jobs24h:    metrics.Total24h,
		Replays24h: metrics.Replays24h,
		BurnCV:     variance.CV,
	})

	switch {
	case idx.Total < s.Thresholds.Rollback:
		limit := int64(s.Thresholds.ThrottleLimit)
		if s.Throttle.CanaryLimit() != limit {
			s.Throttle.SetCanaryLimit(limit)
			s.Log.Error("stability index below rollback threshold, throttling canary rollout",
				"ssi", idx.Total, "threshold", s.Thresholds.Rollback, "canary_limit", limit)
			if s.Alerts != nil {
				s.Alerts.Notify("HEALTH: stability index below rollback threshold, canary rollout throttled")
			}
		}
	case idx.Total < s.Thresholds.Alert:
		s.Log.Warn("stability index degrading",
			"ssi", idx.Total, "threshold", s.Thresholds.Alert, "projection_12h", idx.Projection12h)
	}
}
