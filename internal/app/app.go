// Package app wires the bot together: config, logging, storage, the Weibo
// client, the polling engine, the Telegram adapter and command router, and
// the observability server. It owns start order, live reload and shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"weibobot/internal/command"
	"weibobot/internal/config"
	"weibobot/internal/engine"
	"weibobot/internal/metrics"
	"weibobot/internal/observability"
	rtsup "weibobot/internal/runtime/supervisor"
	"weibobot/internal/storage"
	kit "weibobot/internal/transport"
	telegram "weibobot/internal/transport/telegram/adapter"
	"weibobot/internal/transport/telegram/router"
	"weibobot/internal/weibo"
	logx "weibobot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	metrics *metrics.Metrics
	store   storage.Store
	adapter *telegram.Adapter
	engine  *engine.Engine
	cmdm    *router.CommandManager
	cmds    *command.Set
	obs     *observability.Server

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(adCfg, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// The ops target is set before Apply enables the Telegram sink.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	logSvc.SetOpsChannel(opsChannel(cfg))
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	app := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		metrics: metrics.New(),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	if err := app.build(cfg, root); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, root)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	wc, err := mapWeiboConfig(cfg)
	if err != nil {
		return err
	}
	client, err := weibo.New(wc, root.With(logx.String("comp", "weibo")))
	if err != nil {
		return err
	}

	ec, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	eng, err := engine.New(ec, engine.Deps{
		Fetcher:       client,
		Sink:          a.adapter,
		Posts:         store,
		Subscriptions: store,
		Metrics:       a.metrics,
		Logger:        root.With(logx.String("comp", "engine")),
	})
	if err != nil {
		return err
	}
	a.engine = eng

	a.cmds = command.New(eng)
	a.cmdm = router.NewCommandManager(root.With(logx.String("comp", "commands")), a.adapter, cfg.Telegram.OwnerUserIDs)
	a.obs = observability.New(a.metrics.Registry, root)
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Fatal reports whether the app stopped because the failure guard tripped.
func (a *App) Fatal() bool { return errors.Is(a.Err(), engine.ErrFatalGuardTrip) }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if err := a.engine.Load(run); err != nil {
		return err
	}

	a.cmdm.SetRegistry(run, a.cmds.Commands())
	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	if oc, err := mapObservabilityConfig(a.cfgm.Get()); err != nil {
		a.log.Warn("invalid observability config; server disabled", logx.Err(err))
	} else {
		a.obs.Reconfigure(run, oc)
	}

	// The engine returns only on cancel or a guard trip; the latter cancels
	// the whole app.
	a.sup.Go("engine.run", func(c context.Context) error {
		return a.engine.Run(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdogLoop(c, a.log)
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("primary", a.engine.PrimarySource()),
		logx.Int("sources", len(a.engine.Sources())),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest config in the channel.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}

		sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
		lastApplied = newCfg
		if len(sections) == 0 {
			a.log.Info("config reloaded (no changes)")
			continue
		}
		a.apply(ctx, newCfg)

		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
		if restart := config.RestartRequired(sections); len(restart) > 0 {
			a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", restart))
		}
	}
}

// apply pushes the hot-reloadable parts of cfg into running components.
func (a *App) apply(ctx context.Context, cfg *config.Config) {
	a.logs.SetOpsChannel(opsChannel(cfg))
	a.logs.Apply(mapLogConfig(cfg))
	a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.engine.SetDispatchRate(cfg.Dispatch.RatePerSec)
	if oc, err := mapObservabilityConfig(cfg); err != nil {
		a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
	} else {
		a.obs.Reconfigure(ctx, oc)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so pollers, the dispatcher and watchers start unwinding.
	a.sup.Cancel()

	a.step(ctx, "adapter", 3*time.Second, a.adapter.Stop)
	a.step(ctx, "observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	// engine.run and the command workers exit on cancel; wait for them
	// before the store is closed under them.
	a.step(ctx, "supervisor", 5*time.Second, func(c context.Context) error {
		// the recorded error is reported through Err, not as a stop failure
		if err := a.sup.Wait(c); c.Err() != nil {
			return err
		}
		return nil
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
