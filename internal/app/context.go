package app

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"missiongate/internal/alert"
	"missiongate/internal/config"
	"missiongate/internal/finance"
	"missiongate/internal/health"
	"missiongate/internal/pipeline"
	"missiongate/internal/policy"
	"missiongate/internal/replay"
	"missiongate/internal/repo"
)

// Core wires every component around one database handle and one config.
type Core struct {
	DB     *sql.DB
	Config *config.Config
	Log    *slog.Logger

	Repo     repo.Repo
	Alerts   *alert.Notifier
	Guard    *finance.Guard
	State    *policy.ProcessState
	Calc     *health.Calculator
	Sampler  *health.Sampler
	Pipeline *pipeline.Orchestrator
	Policy   *policy.Engine
	Replay   *replay.Controller

	StartedAt time.Time
}

// New assembles a Core from its externals.
func New(db *sql.DB, cfg *config.Config, log *slog.Logger) *Core {
	c := &Core{
		DB:        db,
		Config:    cfg,
		Log:       log,
		StartedAt: time.Now(),
	}
	c.Repo = repo.Repo{DB: db}
	c.Alerts = alert.New(cfg.Finance.AlertWebhookURL, log)
	c.Guard = &finance.Guard{
		Repo:   c.Repo,
		Alerts: c.Alerts,
		Limits: finance.Limits{
			MaxJobUSD:   cfg.Finance.MaxJobUSD,
			MaxDailyUSD: cfg.Finance.MaxDailyUSD,
			MaxTPM:      cfg.Finance.MaxTPM,
			Debounce:    cfg.AlertDebounce(),
		},
		Log: log,
	}
	c.State = policy.NewProcessState(cfg.Policy.CanaryLimit, cfg.Policy.ExecutionEnabled)
	c.Calc = &health.Calculator{}
	c.Sampler = &health.Sampler{
		Calc:     c.Calc,
		Repo:     c.Repo,
		Guard:    c.Guard,
		Throttle: c.State,
		Alerts:   c.Alerts,
		Log:      log,
		Interval: cfg.SampleInterval(),
		Thresholds: health.Thresholds{
			Rollback:      cfg.Health.RollbackThreshold,
			Alert:         cfg.Health.AlertThreshold,
			ThrottleLimit: cfg.Health.ThrottleCanaryLimit,
		},
	}
	clients := pipeline.NewClients(
		cfg.Services.ArchitectURL, cfg.Services.BuilderURL, cfg.Services.AuditorURL,
		cfg.ArchitectTimeout(), cfg.BuilderTimeout(), cfg.AuditorTimeout(),
	)
	c.Pipeline = &pipeline.Orchestrator{
		Repo:    c.Repo,
		Clients: clients,
		Guard:   c.Guard,
		Log:     log,
	}
	c.Policy = &policy.Engine{
		Repo:  c.Repo,
		State: c.State,
		Rate:  &policy.RateGuard{Limit: cfg.Policy.ExecutionsPerHour},
		Gateway: policy.GatewaySettings{
			URL:              cfg.Gateway.URL,
			Secret:           cfg.Gateway.Secret,
			Timeout:          cfg.GatewayTimeout(),
			FailureThreshold: int64(cfg.Gateway.FailureThreshold),
		},
		Rules: policy.Rules{
			MinAuditScore:   cfg.Policy.MinAuditScore,
			MaxFastFailRate: cfg.Policy.MaxFastFailRate,
			PolicyVersion:   cfg.Policy.Version,
		},
		Log: log,
	}
	c.Replay = &replay.Controller{
		Repo:  c.Repo,
		Guard: c.Guard,
		State: c.State,
		Log:   log,
	}
	return c
}

// StartBackground launches the stability sampler and the freeze flag
// watcher. Both stop when ctx is canceled.
func (c *Core) StartBackground(ctx context.Context) error {
	if err := c.State.WatchFreezeFlag(ctx, c.Config.Policy.FreezeFlagPath, c.Log); err != nil {
		return err
	}
	go c.Sampler.Run(ctx)
	return nil
}

// Close flushes the alert queue.
func (c *Core) Close() {
	c.Alerts.Close()
}

// Uptime reports how long this process has been serving.
func (c *Core) Uptime() time.Duration {
	return time.Since(c.StartedAt)
}
