// Package app wires the daemon together: config manager, account pool,
// pacing model, scheduler, result store, upstream client and the admin API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"paceq/internal/accounts"
	"paceq/internal/api"
	"paceq/internal/config"
	"paceq/internal/eventbus"
	"paceq/internal/pacing"
	"paceq/internal/scheduler"
	"paceq/internal/storage"
	"paceq/internal/upstream"
	"paceq/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	pool   *accounts.Pool
	source *accounts.Source
	model  *pacing.Model
	store  storage.Store
	client *upstream.Client
	sched  *scheduler.Scheduler

	httpSrv *http.Server
	cron    *cron.Cron

	cfgSub chan *config.Config
	done   chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.Logx())
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	pool := accounts.NewPool(log.With(logx.String("comp", "accounts")), time.Now)
	source := accounts.NewSource(cfg.Accounts.Path, pool, log.With(logx.String("comp", "accounts")))
	if err := source.Load(); err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	set, err := cfg.Behavior.Settings()
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	model := pacing.New(set, nil)

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeoutDuration(),
		Retention:   cfg.Storage.RetentionDuration(),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	client := upstream.New(upstream.Config{
		BaseURL: cfg.Upstream.BaseURL,
		Timeout: cfg.Upstream.TimeoutDuration(),
	}, log.With(logx.String("comp", "upstream")))

	sched := scheduler.New(mapSchedulerConfig(cfg), scheduler.Deps{
		Pool:  pool,
		Model: model,
		Exec:  client,
		Store: store,
		Bus:   bus,
		Log:   log.With(logx.String("comp", "scheduler")),
	})

	handler := api.Routes(api.Deps{
		Sched: sched,
		Model: model,
		Store: store,
		Log:   log.With(logx.String("comp", "api")),
	})
	httpSrv := &http.Server{
		Addr:         cfg.API.EffectiveAddr(),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // sync queries may legitimately take minutes
	}

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		pool:    pool,
		source:  source,
		model:   model,
		store:   store,
		client:  client,
		sched:   sched,
		httpSrv: httpSrv,
		done:    make(chan struct{}),
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		RetryMax:       cfg.Scheduler.RetryMax,
		AcquireBackoff: cfg.Scheduler.AcquireBackoffDuration(),
		AcquireTimeout: cfg.Scheduler.AcquireTimeoutDuration(),
		DispatchPerSec: cfg.Scheduler.DispatchPerSec,
	}
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})
	go func() {
		if err := a.cfgm.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	go func() {
		if err := a.source.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("accounts watch stopped", logx.Err(err))
		}
	}()

	a.cfgSub = a.cfgm.Subscribe(4)
	go a.reloadLoop()

	if cfg.Scheduler.IsEnabled() {
		a.sched.Start()
	} else {
		a.log.Info("scheduler disabled by config; start via api")
	}

	a.startMaintenance(cfg)

	go func() {
		a.log.Info("api listening", logx.String("addr", a.httpSrv.Addr))
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("api server failed", logx.Err(err))
		}
	}()

	a.notifySystemd(ctx)
	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	close(a.done)

	shutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutCtx); err != nil {
		a.log.Warn("api shutdown", logx.Err(err))
	}

	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	a.sched.Stop()
	if a.cfgSub != nil {
		a.cfgm.Unsubscribe(a.cfgSub)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

// reloadLoop applies committed config changes to the running components.
// Storage driver and accounts path changes require a restart and are only
// logged.
func (a *App) reloadLoop() {
	for cfg := range a.cfgSub {
		a.logs.Apply(cfg.Logging.Logx())

		if set, err := cfg.Behavior.Settings(); err != nil {
			a.log.Warn("behavior rejected on reload", logx.Err(err))
		} else {
			a.model.Apply(set)
		}
		a.sched.Apply(mapSchedulerConfig(cfg))
		a.client.Apply(upstream.Config{
			BaseURL: cfg.Upstream.BaseURL,
			Timeout: cfg.Upstream.TimeoutDuration(),
		})

		if cfg.Scheduler.IsEnabled() {
			a.sched.Start()
		} else {
			a.sched.Stop()
		}
		a.log.Info("config reloaded")
	}
}

// startMaintenance schedules the periodic pruning jobs: stored results past
// retention, terminal request handles, and stale per-hour counters.
func (a *App) startMaintenance(cfg *config.Config) {
	retention := cfg.Storage.RetentionDuration()
	a.cron = cron.New()

	_, _ = a.cron.AddFunc("@every 10m", func() {
		cutoff := time.Now().Add(-retention)
		if a.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := a.store.Prune(ctx, cutoff)
			cancel()
			if err != nil {
				a.log.Warn("result prune failed", logx.Err(err))
			} else if n > 0 {
				a.log.Debug("results pruned", logx.Int("count", n))
			}
		}
		if n := a.sched.PruneTerminal(cutoff); n > 0 {
			a.log.Debug("request handles pruned", logx.Int("count", n))
		}
	})
	_, _ = a.cron.AddFunc("@hourly", func() {
		a.sched.Stats().PruneHours(48)
	})
	a.cron.Start()
}

// notifySystemd reports readiness and keeps the watchdog fed when the unit
// has one configured. No-ops outside systemd.
func (a *App) notifySystemd(ctx context.Context) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			case <-ctx.Done():
				return
			case <-a.done:
				return
			}
		}
	}()
}
