// Package app wires configuration, logging, storage, fetchers, the watcher
// and the command router into one supervised process.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"subwatch/internal/commands"
	"subwatch/internal/config"
	"subwatch/internal/eventbus"
	"subwatch/internal/feed"
	"subwatch/internal/reddit"
	"subwatch/internal/rss"
	"subwatch/internal/runtime/supervisor"
	"subwatch/internal/subscription"
	kit "subwatch/internal/transport"
	telegram "subwatch/internal/transport/telegram"
	"subwatch/internal/watcher"
	logx "subwatch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   subscription.Store
	adapter *telegram.Adapter
	redditc *reddit.Client
	rssf    *rss.Fetcher
	watch   *watcher.Watcher
	cmdm    *commands.Manager

	cron *cron.Cron

	updates chan kit.Update

	// counters for the daily summary, fed from the event bus
	deliveredCount atomic.Int64
	commandCount   atomic.Int64
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	// Missing credentials are fatal before anything starts polling.
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    pollTimeout,
		SendRatePerSec: cfg.Telegram.SendRatePerSec,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New applies the config immediately. Bootstrap with the Telegram
	// sink disabled, point it at the log chat, then apply the real config so
	// the first Apply doesn't warn about a missing target.
	baseLogCfg := mapLoggingConfig(cfg)
	baseLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))

	logSvc.SetTelegramTarget(cfg.Telegram.GroupLog)
	logSvc.Apply(mapLoggingConfig(cfg))

	bus := eventbus.New()

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := subscription.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	redditCfg, err := mapRedditConfig(cfg)
	if err != nil {
		return nil, err
	}
	redditc := reddit.New(redditCfg, log.With(logx.String("comp", "reddit")))

	rssCfg, err := mapRSSConfig(cfg)
	if err != nil {
		return nil, err
	}
	rssf := rss.New(rssCfg, log.With(logx.String("comp", "rss")))

	fetchers := map[string]feed.Fetcher{
		feed.SourceReddit: redditc,
		feed.SourceRSS:    rssf,
	}
	resolvers := map[string]feed.Resolver{
		feed.SourceReddit: redditc,
		feed.SourceRSS:    rssf,
	}

	settings, err := mapWatcherSettings(cfg)
	if err != nil {
		return nil, err
	}
	watch := watcher.New(store, ad, fetchers, bus, log.With(logx.String("comp", "watcher")), settings)

	cmdm := commands.NewManager(ad, store, resolvers, bus, log.With(logx.String("comp", "commands")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		redditc: redditc,
		rssf:    rssf,
		watch:   watch,
		cmdm:    cmdm,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	// Initial token fetch so the watcher's start barrier doesn't wait on the
	// first poll. Failures are non-fatal; polls re-authenticate.
	a.sup.Go0("reddit.warm", func(c context.Context) {
		wctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.redditc.Warm(wctx); err != nil {
			a.log.Warn("initial reddit auth failed", logx.Err(err))
		}
	})

	a.sup.GoRestart("watcher", func(c context.Context) error {
		return a.watch.Run(c)
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	// Event log + summary counters.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				switch e.Type {
				case eventbus.TypeDelivered:
					a.deliveredCount.Add(1)
				case eventbus.TypeCommand:
					a.commandCount.Add(1)
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if err := a.startMaintenance(a.cfgm.Get()); err != nil {
		return err
	}

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	for _, s := range sections {
		switch s {
		case "storage", "reddit", "rss", "telegram", "maintenance":
			a.log.Warn("config section changed; restart required for it to take effect",
				logx.String("section", s))
		}
	}

	a.logs.SetTelegramTarget(newCfg.Telegram.GroupLog)
	a.logs.Apply(mapLoggingConfig(newCfg))

	if settings, err := mapWatcherSettings(newCfg); err != nil {
		a.log.Warn("invalid watcher config; keeping previous", logx.Err(err))
	} else {
		a.watch.UpdateSettings(settings)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// startMaintenance schedules the daily summary job.
func (a *App) startMaintenance(cfg *config.Config) error {
	if cfg == nil || !cfg.Maintenance.Enabled {
		return nil
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("maintenance.timezone: %w", err)
		}
		loc = l
	}
	spec := strings.TrimSpace(cfg.Maintenance.Schedule)
	if spec == "" {
		spec = "0 9 * * *"
	}

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, a.maintenanceJob); err != nil {
		return fmt.Errorf("maintenance.schedule: %w", err)
	}
	c.Start()
	a.cron = c
	a.log.Info("maintenance job scheduled", logx.String("schedule", spec))
	return nil
}

func (a *App) maintenanceJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	subs, err := a.store.Load(ctx)
	if err != nil {
		a.log.Warn("maintenance: loading subscriptions failed", logx.Err(err))
		return
	}
	delivered := a.deliveredCount.Swap(0)
	cmds := a.commandCount.Swap(0)
	a.log.Info("daily summary",
		logx.Int("subscriptions", len(subs)),
		logx.Int64("delivered", delivered),
		logx.Int64("commands", cmds))
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so loops start unwinding immediately.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("cron", 2*time.Second, func(c context.Context) error {
		if a.cron == nil {
			return nil
		}
		select {
		case <-a.cron.Stop().Done():
		case <-c.Done():
		}
		return nil
	})
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("store", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
