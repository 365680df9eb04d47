// Package app assembles the relay from its parts: config, logging,
// transport, the alert pipeline and the operator surfaces. It owns startup
// order and graceful shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"sismobot/internal/admin"
	"sismobot/internal/config"
	"sismobot/internal/delivery"
	"sismobot/internal/eventbus"
	"sismobot/internal/feed"
	"sismobot/internal/housekeeping"
	"sismobot/internal/notify"
	"sismobot/internal/poller"
	"sismobot/internal/recovery"
	"sismobot/internal/render"
	rtsup "sismobot/internal/runtime/supervisor"
	"sismobot/internal/storage"
	"sismobot/internal/store"
	kit "sismobot/internal/transport"
	"sismobot/internal/transport/telegram"
	logx "sismobot/pkg/logx"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	mgr    *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	adapter   *telegram.Adapter
	bus       eventbus.Bus
	subs      *store.Store
	audit     storage.Store
	renderer  *render.Client
	notifier  *notify.Notifier
	engine    *delivery.Engine
	loop      *poller.Loop
	rec       *recovery.Controller
	router    *admin.Router
	keeper    *housekeeping.Service
	hkEnabled bool

	fatalErr atomic.Value // error
	sup      *rtsup.Supervisor
}

// New loads and validates the config at path and builds every component.
// Nothing is started yet; call Run.
func New(path string) (*App, error) {
	mgr := config.NewManager(path)
	mgr.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig(cfg.Logging.File),
		Admin:   logx.AdminConfig(cfg.Logging.Admin),
	}, adapter)
	logSvc.SetAdminTarget(kit.ChatTarget{ChatID: cfg.Telegram.AdminChatID})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		mgr:     mgr,
		logSvc:  logSvc,
		log:     log,
		adapter: adapter,
		bus:     eventbus.New(),
	}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	log := a.log

	statePath := cfg.StatePath
	if statePath == "" {
		statePath = config.DefaultStatePath
	}
	subs, err := store.Open(statePath, log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("subscriber store: %w", err)
	}
	a.subs = subs

	cooldown, err := config.ParseDurationOrDefault("recovery.notice_cooldown", cfg.Recovery.NoticeCooldown, config.DefaultNoticeCooldown)
	if err != nil {
		return err
	}
	a.notifier = notify.New(notify.Config{
		Target:   kit.ChatTarget{ChatID: cfg.Telegram.AdminChatID},
		Cooldown: cooldown,
	}, a.adapter, log.With(logx.String("comp", "notify")))

	feedTimeout, err := config.ParseDurationOrDefault("feed.timeout", cfg.Feed.Timeout, config.DefaultFeedTimeout)
	if err != nil {
		return err
	}
	fetcher := feed.New(&http.Client{}, cfg.Feed.URL, feedTimeout, feed.NewClassifier(cfg.Feed.SeverityRules))

	renderer, err := render.NewClient(cfg.Renderer, log.With(logx.String("comp", "render")))
	if err != nil {
		return fmt.Errorf("renderer: %w", err)
	}
	a.renderer = renderer

	retryBase, err := config.ParseDurationOrDefault("delivery.retry_base", cfg.Delivery.RetryBase, config.DefaultRetryBase)
	if err != nil {
		return err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay, config.DefaultRetryMaxDelay)
	if err != nil {
		return err
	}
	paceDelay, err := config.ParseDurationOrDefault("delivery.pace_delay", cfg.Delivery.PaceDelay, config.DefaultPaceDelay)
	if err != nil {
		return err
	}
	a.engine = delivery.NewEngine(delivery.Config{
		RetryMax:      cfg.Delivery.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		PaceDelay:     paceDelay,
		EscalateEvery: cfg.Delivery.EscalateEvery,
	}, a.adapter, subs, a.bus, a.notifier, log.With(logx.String("comp", "delivery")))

	if cfg.Storage != nil {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
		if err != nil {
			return err
		}
		audit, err := storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("audit storage: %w", err)
		}
		if audit != nil {
			a.audit = audit
			a.engine.SetAuditor(audit)
		}
	}

	interval, err := config.ParseDurationOrDefault("poller.interval", cfg.Poller.Interval, config.DefaultPollInterval)
	if err != nil {
		return err
	}
	a.loop = poller.NewLoop(interval, fetcher, renderer, a.engine,
		poller.NewDedup(subs), a.bus, log.With(logx.String("comp", "poller")))

	a.rec = recovery.NewController(recovery.Config{
		FailureThreshold: cfg.Recovery.FailureThreshold,
	}, a.loop, renderer, a.adapter, a.notifier, a.bus, log.With(logx.String("comp", "recovery")))

	// Always built so the admin backup commands work; the cron schedule
	// only runs when housekeeping is enabled.
	var hkCfg housekeeping.Config
	if hk := cfg.Housekeeping; hk != nil {
		hkCfg = housekeeping.Config{
			BackupSpec:    hk.BackupSpec,
			BackupDir:     hk.BackupDir,
			KeepBackups:   hk.KeepBackups,
			Timezone:      hk.Timezone,
			HeartbeatSpec: hk.HeartbeatSpec,
		}
		a.hkEnabled = hk.Enabled
	}
	a.keeper = housekeeping.New(hkCfg, subs, log.With(logx.String("comp", "housekeeping")))
	// Probe failures feed the recovery controller's failure counter.
	a.keeper.SetHeartbeat(func(ctx context.Context) error {
		err := a.adapter.Probe(ctx)
		if err != nil {
			a.bus.Publish(eventbus.Event{Type: eventbus.TransportFailed, Time: time.Now(), Data: err})
		}
		return err
	})

	deps := admin.Deps{
		Adapter:   a.adapter,
		Subs:      subs,
		Pipeline:  a.loop,
		Recovery:  a.rec,
		Bcast:     a.engine,
		Backups:   a.keeper,
		Stats:     a.engine.Stats(),
		StartedAt: time.Now(),
	}
	if a.audit != nil {
		deps.Audit = a.audit
	}
	a.router = admin.NewRouter(deps, admin.NewAuthorizer(cfg.Telegram.AdminChatID),
		log.With(logx.String("comp", "admin")))
	return nil
}

// Run starts everything and blocks until ctx is canceled or a recovery
// cycle declares the process unrecoverable. The returned error is non-nil
// only in the fatal case.
func (a *App) Run(ctx context.Context) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(false),
		rtsup.WithPanicHook(func(name string, v any) {
			a.bus.Publish(eventbus.Event{
				Type: eventbus.AsyncPanic,
				Time: time.Now(),
				Data: fmt.Sprintf("%s: %v", name, v),
			})
		}),
	)
	a.sup = sup
	runCtx := sup.Context()

	a.rec.SetFatalHandler(func(err error) {
		a.fatalErr.Store(err)
		sup.Cancel()
	})

	updates := make(chan kit.Update, 64)
	if err := a.adapter.Start(runCtx, updates); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	a.notifier.Start(runCtx)

	sup.Go("admin.router", func(c context.Context) error {
		return a.router.Run(c, updates)
	})
	sup.Go("recovery.controller", a.rec.Run)
	sup.Go("config.watch", a.mgr.Watch)
	sup.Go0("config.reload", a.reloadLoop)

	a.loop.Start(runCtx)
	if a.hkEnabled {
		if err := a.keeper.Start(); err != nil {
			a.log.Error("housekeeping failed to start", logx.Err(err))
		}
	}

	a.log.Info("relay started")
	_ = a.notifier.Info("Bot iniciado y monitoreando el feed.")

	<-runCtx.Done()
	a.shutdown()

	if err, ok := a.fatalErr.Load().(error); ok && err != nil {
		return err
	}
	return nil
}

// reloadLoop applies hot-reloadable config sections. Pipeline settings
// need a restart and only produce a notice.
func (a *App) reloadLoop(ctx context.Context) {
	ch := a.mgr.Subscribe(4)
	defer a.mgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File:    logx.FileConfig(cfg.Logging.File),
				Admin:   logx.AdminConfig(cfg.Logging.Admin),
			})
			a.logSvc.SetAdminTarget(kit.ChatTarget{ChatID: cfg.Telegram.AdminChatID})
			a.log.Info("config reloaded; logging settings applied, pipeline settings take effect on restart")
		}
	}
}

// TriggerRecovery is the hook for external health probes (systemd watchdog
// failures and the like).
func (a *App) TriggerRecovery(ctx context.Context, reason string) {
	a.rec.Trigger(ctx, reason)
}

// Healthy reports whether the transport answers a probe.
func (a *App) Healthy(ctx context.Context) bool {
	return a.adapter.Probe(ctx) == nil
}

func (a *App) shutdown() {
	a.log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Gate new checks first so an in-flight tick cannot start a broadcast
	// while components come down.
	a.loop.SetMaintenance(true)
	a.loop.Stop(ctx)
	a.keeper.Stop()
	if a.hkEnabled {
		if _, err := a.keeper.BackupNow(); err != nil {
			a.log.Warn("final snapshot failed", logx.Err(err))
		}
	}
	a.notifier.Stop(ctx)
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("transport stop", logx.Err(err))
	}
	if err := a.sup.Wait(ctx); err != nil {
		a.log.Warn("supervisor drain", logx.Err(err))
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.Warn("audit close", logx.Err(err))
		}
	}
	_ = a.logSvc.Close()
}
