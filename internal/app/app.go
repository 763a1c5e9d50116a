package app

import (
	"context"
	"fmt"
	"time"

	"crmbot/internal/config"
	"crmbot/internal/crm"
	"crmbot/internal/notifier"
	"crmbot/internal/poller"
	"crmbot/internal/runtime/supervisor"
	"crmbot/internal/store"
	"crmbot/internal/transport/telegram"
	logx "crmbot/pkg/logx"
)

// App owns the whole daemon: config, logging, storage, transport, notifier
// and the poll loop.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store    *store.Store
	adapter  *telegram.Adapter
	notifier *notifier.Service
	poller   *poller.Poller

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgMgr: mgr, logSvc: logSvc, log: log}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	// Parse every duration up front so no resource is open yet when a
	// malformed one fails the build.
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	quiet, err := config.ParseDurationOrDefault("tracker.quiet_period", cfg.Tracker.QuietPeriod, 30*time.Minute)
	if err != nil {
		return err
	}
	reqTimeout, err := config.ParseDurationField("crm.request_timeout", cfg.CRM.RequestTimeout)
	if err != nil {
		return err
	}
	tolerance, err := config.ParseDurationField("poll.send_tolerance", cfg.Poll.SendTolerance)
	if err != nil {
		return err
	}
	maxSleep, err := config.ParseDurationField("poll.max_sleep", cfg.Poll.MaxSleep)
	if err != nil {
		return err
	}
	retention, err := config.ParseDurationOrDefault("tracker.retention", cfg.Tracker.Retention, 24*time.Hour)
	if err != nil {
		return err
	}

	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
		QuietPeriod: quiet,
	}, a.log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = st

	adapter, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token},
		a.log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("telegram: %w", err)
	}
	a.adapter = adapter

	a.notifier = notifier.New(notifierConfig(cfg), adapter,
		a.log.With(logx.String("comp", "notifier")))

	client, err := crm.NewClient(crm.Config{
		BaseURL:        cfg.CRM.BaseURL,
		Login:          cfg.CRM.Login,
		Password:       cfg.CRM.Password,
		MaxPages:       cfg.CRM.MaxPages,
		RequestTimeout: reqTimeout,
	}, a.log.With(logx.String("comp", "crm")))
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("crm: %w", err)
	}

	p, err := poller.New(poller.Config{
		SendMinutes:   cfg.Poll.SendMinutes,
		SendTolerance: tolerance,
		MaxSleep:      maxSleep,
		PurgeSchedule: cfg.Poll.PurgeSchedule,
		Retention:     retention,
		StatsCity:     statsCity(cfg),
	}, client, st, a.notifier, a.log.With(logx.String("comp", "poller")))
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("poller: %w", err)
	}
	a.poller = p
	return nil
}

func notifierConfig(cfg *config.Config) notifier.Config {
	base, _ := config.ParseDurationField("notifier.retry_base", cfg.Notifier.RetryBase)
	return notifier.Config{
		ChatID:     cfg.Telegram.ChatID,
		RatePerSec: cfg.Notifier.RatePerSec,
		RetryMax:   cfg.Notifier.RetryMax,
		RetryBase:  base,
		StatsCity:  cfg.Notifier.StatsCity,
	}
}

// statsCity resolves the daily report timezone city, or "" when the report
// is disabled.
func statsCity(cfg *config.Config) string {
	if !cfg.Notifier.DailyStats {
		return ""
	}
	if city := cfg.Notifier.StatsCity; city != "" {
		return city
	}
	return notifier.DefaultStatsCity
}

// Start launches the poll loop and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	cfg := a.cfgMgr.Get()
	if cfg.Notifier.Startup {
		sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := a.notifier.SendStartup(sctx, cfg.Poll.SendMinutes); err != nil {
			a.log.Warn("startup notification failed", logx.Err(err))
		}
		cancel()
	}
	if st, err := a.store.Stats(ctx); err == nil {
		a.log.Info("store opened",
			logx.Int64("tracked", st.Tracked), logx.Int64("sent", st.Sent))
	}

	a.sup.Go("poller", a.poller.Run)
	a.sup.Go("config.watch", a.cfgMgr.Watch)
	a.sup.Go("config.apply", a.watchConfig)

	a.log.Info("crmbot started")
	return nil
}

// watchConfig re-applies hot-reloadable settings (logging, notifier).
// Structural settings (storage path, credentials) need a restart.
func (a *App) watchConfig(ctx context.Context) error {
	sub := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return nil
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.notifier.Apply(notifierConfig(cfg))
			a.log.Info("runtime settings re-applied")
		}
	}
}

// Stop shuts everything down; the running cycle finishes its dispatch first.
func (a *App) Stop(ctx context.Context) error {
	timeout := 10 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	var firstErr error
	if a.sup != nil {
		if err := a.sup.Stop(timeout); err != nil {
			firstErr = err
		}
	}
	if err := a.adapter.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.log.Info("crmbot stopped")
	_ = a.logSvc.Close()
	return firstErr
}
