// Package app wires configuration, storage, the scheduler and its
// collaborators into one runnable process.
package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tickbot/internal/agent"
	"tickbot/internal/audit"
	"tickbot/internal/chat"
	"tickbot/internal/config"
	"tickbot/internal/cron"
	"tickbot/internal/eventbus"
	"tickbot/internal/metrics"
	"tickbot/internal/runtime/supervisor"
	"tickbot/internal/scope"
	"tickbot/internal/transport/telegram"
	logx "tickbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	scopes *scope.Registry
	bus    eventbus.Bus
	stats  *metrics.Registry
	auditR audit.Recorder

	sched *cron.Scheduler
	exec  *cron.AgentExecutor
	svc   *cron.Service

	sup *supervisor.Supervisor
}

// New loads the config and builds the full object graph. Nothing runs yet;
// Start launches the goroutines.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, rootLog := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a := &App{cfgm: cfgm, logs: logs, log: rootLog, bus: eventbus.New()}

	a.scopes, err = scope.NewRegistry(cfg.DataDir, rootLog.With(logx.String("comp", "scope")))
	if err != nil {
		return nil, err
	}

	runner, err := agent.NewHTTPRunner(agent.Config{
		URL:   cfg.Agent.URL,
		Token: cfg.Agent.Token,
	}, rootLog.With(logx.String("comp", "agent")))
	if err != nil {
		return nil, err
	}

	var deliver cron.Deliverer
	if cfg.Telegram != nil {
		sender, err := telegram.NewSender(telegram.Config{
			Token:      cfg.Telegram.Token,
			RatePerSec: cfg.Telegram.RatePerSec,
		}, rootLog.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		deliver = sender
	}

	if cfg.Audit != nil {
		a.auditR, err = audit.Open(audit.Config{
			Driver:      cfg.Audit.Driver,
			Path:        cfg.Audit.Path,
			BusyTimeout: cfg.AuditBusyTimeout(),
		}, rootLog.With(logx.String("comp", "audit")))
		if err != nil {
			return nil, err
		}
	}

	var stats cron.Stats
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		a.stats = metrics.New()
		stats = a.stats
	}

	cronLog := rootLog.With(logx.String("comp", "cron"))
	store := cron.NewStore(a.scopes, cronLog)
	runs := cron.NewRunLog(a.scopes, cronLog)
	chats := chat.NewStore(a.scopes, rootLog.With(logx.String("comp", "chat")))
	a.exec = cron.NewAgentExecutor(runner, chats, deliver, cronLog)

	a.sched = cron.NewScheduler(store, runs, a.exec, a.scopes, a.bus, stats, cronLog)
	a.applyTunables(cfg)

	var auditSink cron.AuditSink
	if a.auditR != nil {
		auditSink = a.auditR
	}
	a.svc = cron.NewService(store, runs, a.sched, a.scopes, a.bus, auditSink, cronLog)

	return a, nil
}

// Jobs exposes the lifecycle API for transports built on top of the app.
func (a *App) Jobs() *cron.Service { return a.svc }

// Scopes exposes the scope registry so transports can register projects.
func (a *App) Scopes() *scope.Registry { return a.scopes }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	a.sup.GoRestart("scheduler", a.sched.Run)
	a.sup.GoRestart("config-watch", a.cfgm.Watch)
	a.startConfigApply()

	if cfg := a.cfgm.Get(); cfg.Metrics != nil && cfg.Metrics.Enabled && a.stats != nil {
		addr := cfg.Metrics.Addr
		a.sup.GoRestart("metrics", func(ctx context.Context) error {
			return a.stats.Serve(ctx, addr, a.log.With(logx.String("comp", "metrics")))
		})
	}

	a.startWatchdog()
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify skipped", logx.Err(err))
	}
	a.log.Info("started", logx.String("data_dir", a.cfgm.Get().DataDir))
	return nil
}

// applyTunables pushes scheduler settings from the config into the running
// components. Zero values restore the built-in defaults.
func (a *App) applyTunables(cfg *config.Config) {
	a.sched.SetMaxIdleDelay(cfg.SchedulerMaxIdleDelay())
	a.exec.SetDefaultTurnTimeout(cfg.SchedulerTurnTimeout())
}

// startConfigApply consumes hot reloads. Logging and scheduler tunables apply
// live; the rest of the graph is built once, so endpoint or storage changes
// take effect on the next restart.
func (a *App) startConfigApply() {
	ch := a.cfgm.Subscribe(1)
	a.sup.Go0("config-apply", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-ch:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.applyTunables(cfg)
				a.log.Info("config applied", logx.String("level", cfg.Logging.Level))
			}
		}
	})
}

// startWatchdog feeds the systemd watchdog when one is armed for the unit.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("sd-watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.auditR != nil {
		_ = a.auditR.Close()
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}
