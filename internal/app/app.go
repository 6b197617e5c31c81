package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dutybot/internal/cache"
	"dutybot/internal/config"
	"dutybot/internal/dispatch"
	"dutybot/internal/eventbus"
	"dutybot/internal/httpapi"
	"dutybot/internal/ledger"
	"dutybot/internal/mailer"
	"dutybot/internal/runtime/supervisor"
	"dutybot/internal/storage"
	"dutybot/internal/task/scheduler"
	logx "dutybot/pkg/logx"
)

// EventConfigReloaded carries the names of the changed config sections.
const EventConfigReloaded = "config.reloaded"

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	cache   *cache.Synchronizer
	ledger  *ledger.Ledger
	mail    *mailer.Service
	orch    *dispatch.Orchestrator
	trigger *scheduler.Service

	handler http.Handler
	http    *httpapi.Server
}

type options struct {
	sender mailer.Sender
	now    func() time.Time
}

type Option func(*options)

// WithMailSender bypasses the configured mail driver.
func WithMailSender(s mailer.Sender) Option { return func(o *options) { o.sender = s } }

// WithClock overrides the clock of every time-dependent component.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start; one-shot commands use the accessors and then Close.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a, err := build(cfg, store, log, bus, o)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cfgm, a.logs = cfgm, logSvc
	return a, nil
}

func build(cfg *config.Config, store storage.Store, log logx.Logger, bus eventbus.Bus, o options) (*App, error) {
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	var cacheOpts []cache.Option
	var ledgerOpts []ledger.Option
	var orchOpts []dispatch.Option
	var httpOpts []httpapi.HandlerOption
	if o.now != nil {
		cacheOpts = append(cacheOpts, cache.WithClock(o.now))
		ledgerOpts = append(ledgerOpts, ledger.WithClock(o.now))
		orchOpts = append(orchOpts, dispatch.WithClock(o.now))
		httpOpts = append(httpOpts, httpapi.WithClock(o.now))
	}
	var mailOpts []mailer.Option
	if o.sender != nil {
		mailOpts = append(mailOpts, mailer.WithSender(o.sender))
	}

	mc, err := mapMailConfig(cfg)
	if err != nil {
		return nil, err
	}
	mail, err := mailer.New(mc, comp("mailer"), mailOpts...)
	if err != nil {
		return nil, err
	}
	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}

	syncer := cache.New(store, comp("cache"), cacheOpts...)
	led := ledger.New(store, comp("ledger"), ledgerOpts...)
	orch := dispatch.New(dc, store, syncer, led, mail, comp("dispatch"), bus, orchOpts...)
	trigger := scheduler.New(mapTriggerConfig(cfg, dc), func(ctx context.Context) error {
		_, err := orch.Run(ctx)
		return err
	}, comp("trigger"), bus)

	handler := httpapi.NewRouter(
		httpapi.NewHandler(guardedDispatch{orch, trigger}, syncer, led, comp("http"), httpOpts...),
		httpapi.Options{Token: cfg.HTTP.Token, CORSOrigins: cfg.HTTP.CORSOrigins, Pprof: cfg.HTTP.Pprof},
	)
	a := &App{
		log:     comp("app"),
		bus:     bus,
		store:   store,
		cache:   syncer,
		ledger:  led,
		mail:    mail,
		orch:    orch,
		trigger: trigger,
		handler: handler,
	}
	if cfg.HTTP.Enabled {
		a.http = httpapi.NewServer(cfg.HTTP.Addr, handler, comp("http"))
	}
	return a, nil
}

// validateConfig runs the checks that need other packages; config.Validate
// has already run.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	if err := scheduler.Validate(mapTriggerConfig(cfg, dc)); err != nil {
		return fmt.Errorf("dispatch.schedule: %w", err)
	}
	mc, err := mapMailConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := mailer.New(mc, logx.Nop()); err != nil {
		return fmt.Errorf("mail: %w", err)
	}
	return nil
}

// guardedDispatch sends on-demand runs through the trigger so they never
// overlap a scheduled run.
type guardedDispatch struct {
	*dispatch.Orchestrator
	trigger *scheduler.Service
}

func (d guardedDispatch) Run(ctx context.Context) (dispatch.Summary, error) {
	var sum dispatch.Summary
	err := d.trigger.Exclusive(ctx, func(c context.Context) error {
		var err error
		sum, err = d.Orchestrator.Run(c)
		return err
	})
	return sum, err
}

// Dispatch runs one dispatch pass now. It fails with scheduler.ErrBusy while
// another run is in flight.
func (a *App) Dispatch(ctx context.Context) (dispatch.Summary, error) {
	return guardedDispatch{a.orch, a.trigger}.Run(ctx)
}

func (a *App) Orchestrator() *dispatch.Orchestrator { return a.orch }
func (a *App) Cache() *cache.Synchronizer           { return a.cache }
func (a *App) Ledger() *ledger.Ledger               { return a.ledger }
func (a *App) Trigger() *scheduler.Service          { return a.trigger }
func (a *App) Handler() http.Handler                { return a.handler }
func (a *App) Config() *config.Config               { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger                  { return a.log }

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.trigger.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.http != nil {
		a.sup.Go("http", a.http.Serve)
	}

	// Debug-level event trail; components subscribe themselves for anything else.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			lastApplied := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return nil
				case newCfg, ok := <-sub:
					if !ok {
						return nil
					}
					newCfg = latest(sub, newCfg)
					a.applyConfig(lastApplied, newCfg)
					lastApplied = newCfg
				}
			}
		})
		a.sup.GoRestart("config.watch", supervisor.RestartPolicy{MaxBackoff: 30 * time.Second}, a.cfgm.Watch)
	}

	a.log.Info("app started", logx.Bool("http", a.http != nil), logx.Bool("trigger", a.trigger.Status().Enabled))
	return nil
}

// latest drains queued updates so a burst of saves applies once.
func latest(sub chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok || newer == nil {
				return cur
			}
			cur = newer
		default:
			return cur
		}
	}
}

// applyConfig pushes hot-reloadable settings into live components. The new
// config already passed validateConfig, so mapping errors here are not expected.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range restart {
		a.log.Warn(s + " config changed; restart required for changes to take effect")
	}

	if a.logs != nil {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}

	var errs []error
	if dc, err := mapDispatchConfig(newCfg); err != nil {
		errs = append(errs, err)
	} else {
		a.orch.Apply(dc)
		if err := a.trigger.Apply(mapTriggerConfig(newCfg, dc)); err != nil {
			errs = append(errs, err)
		}
	}
	if mc, err := mapMailConfig(newCfg); err != nil {
		errs = append(errs, err)
	} else if err := a.mail.Apply(mc); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("config partially applied", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: EventConfigReloaded, Data: sections})
}

// Close releases storage and log sinks without a Start/Stop cycle.
func (a *App) Close() error {
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
