// Package app wires configuration, storage, planning, dispatch, and
// delivery into one runnable daemon.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifyd/internal/config"
	"notifyd/internal/delivery"
	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/plan"
	"notifyd/internal/pprof"
	"notifyd/internal/rule"
	"notifyd/internal/storage"
	"notifyd/internal/task"
	"notifyd/pkg/logx"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus    eventbus.Bus
	store  storage.Store
	cache  plan.Cache
	router *delivery.Router

	mu      sync.Mutex
	planner *plan.Planner
	cronSvc *cron.Cron

	dispatcher *dispatch.Service
	pprofSvc   *pprof.Service

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Map every component config up front, before any resource opens, so
	// a mapping error never leaves a store or log file behind.
	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	webhookTimeout, err := config.ParseDurationField("delivery.webhook.timeout", cfg.Delivery.Webhook.Timeout)
	if err != nil {
		return nil, err
	}
	plannerCfg, err := plannerConfig(cfg)
	if err != nil {
		return nil, err
	}
	dispatchCfg, err := dispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofCfg, err := pprofConfig(cfg)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()

	router := delivery.NewRouter()
	router.Register(task.TargetWebhook, delivery.NewWebhook(
		delivery.WebhookConfig{Timeout: webhookTimeout},
		log.With(logx.String("comp", "webhook"))))
	if cfg.Delivery.Telegram.Enabled {
		tg, err := delivery.NewTelegram(
			delivery.TelegramConfig{Token: cfg.Delivery.Telegram.Token},
			log.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = store.Close()
			_ = logs.Close()
			return nil, fmt.Errorf("telegram delivery: %w", err)
		}
		router.Register(task.TargetTelegram, tg)
	}

	a := &App{
		cfgm:   cfgm,
		logs:   logs,
		log:    log,
		bus:    bus,
		store:  store,
		router: router,
	}

	cacheDates := cfg.Planner.CacheDates
	if cacheDates <= 0 {
		cacheDates = 8
	}
	a.cache = plan.NewMemCache(cacheDates)

	a.planner = plan.New(plannerCfg, store, a.cache, nil, bus,
		log.With(logx.String("comp", "planner")))
	a.dispatcher = dispatch.New(dispatchCfg, store, router, bus,
		log.With(logx.String("comp", "dispatch")))
	a.pprofSvc = pprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	return a, nil
}

// Bus exposes the in-process event stream.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Store exposes the persistence layer for administrative tooling.
func (a *App) Store() storage.Store { return a.store }

func plannerConfig(cfg *config.Config) (plan.Config, error) {
	ttl, err := config.ParseDurationField("planner.cache_ttl", cfg.Planner.CacheTTL)
	if err != nil {
		return plan.Config{}, err
	}
	return plan.Config{
		Timezone:      cfg.Planner.Timezone,
		RetentionDays: cfg.Planner.RetentionDays,
		CacheTTL:      ttl,
		CancelOnPause: cfg.Planner.CancelOnPause,
	}, nil
}

func dispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	var out dispatch.Config
	var err error
	if out.Interval, err = config.ParseDurationField("dispatch.interval", cfg.Dispatch.Interval); err != nil {
		return out, err
	}
	if out.RetryBase, err = config.ParseDurationField("dispatch.retry_base", cfg.Dispatch.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay); err != nil {
		return out, err
	}
	if out.RetryWindow, err = config.ParseDurationField("dispatch.retry_window", cfg.Dispatch.RetryWindow); err != nil {
		return out, err
	}
	if out.DeliveryTimeout, err = config.ParseDurationField("dispatch.delivery_timeout", cfg.Dispatch.DeliveryTimeout); err != nil {
		return out, err
	}
	out.Workers = cfg.Dispatch.Workers
	out.Rate = cfg.Dispatch.RatePerSec
	out.Burst = cfg.Dispatch.Burst
	out.RetryMax = cfg.Dispatch.RetryMax
	out.Timezone = cfg.Planner.Timezone
	out.CancelOnPause = cfg.Planner.CancelOnPause
	return out, nil
}

func pprofConfig(cfg *config.Config) (pprof.Config, error) {
	read, err := config.ParseDurationField("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	write, err := config.ParseDurationField("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationField("pprof.idle_timeout", cfg.Pprof.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Prefix:        cfg.Pprof.Prefix,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	cfg := a.cfgm.Get()
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		// Config.Validate already ran in Parse; check what it cannot.
		if _, err := cronParser.Parse(c.Planner.CronSpec()); err != nil {
			return fmt.Errorf("planner.cron: %w", err)
		}
		return nil
	})

	if err := a.startCron(cfg); err != nil {
		cancel()
		return err
	}

	a.dispatcher.Start(runCtx)
	a.pprofSvc.Start(runCtx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub, cfg)
	}()

	// Plan today immediately so a mid-day restart does not wait for the
	// next trigger.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.planNow(runCtx)
	}()

	a.log.Info("notifyd started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.runCancel != nil {
		a.runCancel()
	}

	a.mu.Lock()
	c := a.cronSvc
	a.cronSvc = nil
	a.mu.Unlock()
	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}

	a.dispatcher.Stop(ctx)
	a.pprofSvc.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	err := a.store.Close()
	a.log.Info("notifyd stopped")
	_ = a.logs.Close()
	return err
}

// startCron registers the planning trigger. The cron runs in the
// planner's timezone so "5 0 * * *" means five past local midnight.
func (a *App) startCron(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(a.planner.Location()))
	if _, err := c.AddFunc(cfg.Planner.CronSpec(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		a.planNow(ctx)
	}); err != nil {
		return fmt.Errorf("planner.cron: %w", err)
	}
	c.Start()
	a.cronSvc = c
	return nil
}

func (a *App) planNow(ctx context.Context) {
	a.mu.Lock()
	p := a.planner
	a.mu.Unlock()

	d := rule.DateOf(time.Now().In(p.Location()))
	if _, err := p.PlanDate(ctx, d); err != nil {
		a.log.Error("planning run failed", logx.String("date", d.String()), logx.Err(err))
	}
}

// reloadLoop applies validated config updates to the running services.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config, last *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest pending config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto apply
				}
			}
		apply:
			a.applyConfig(ctx, last, newCfg)
			last = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	if dcfg, err := dispatchConfig(newCfg); err == nil {
		a.dispatcher.Apply(dcfg)
	} else {
		a.log.Warn("dispatch config not applied", logx.Err(err))
	}

	// Planner settings land in a fresh planner; the cron restarts so
	// spec and timezone changes take effect.
	if oldCfg == nil || oldCfg.Planner != newCfg.Planner {
		if pcfg, err := plannerConfig(newCfg); err == nil {
			a.mu.Lock()
			a.planner = plan.New(pcfg, a.store, a.cache, nil, a.bus,
				a.log.With(logx.String("comp", "planner")))
			old := a.cronSvc
			a.cronSvc = nil
			a.mu.Unlock()
			if old != nil {
				<-old.Stop().Done()
			}
			if err := a.startCron(newCfg); err != nil {
				a.log.Error("planner cron restart failed", logx.Err(err))
			}
		} else {
			a.log.Warn("planner config not applied", logx.Err(err))
		}
	}

	if pcfg, err := pprofConfig(newCfg); err == nil {
		a.pprofSvc.Reconfigure(ctx, pcfg)
	} else {
		a.log.Warn("pprof config not applied", logx.Err(err))
	}

	a.log.Info("config reloaded",
		append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}
