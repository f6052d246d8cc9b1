package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"praice/internal/api"
	"praice/internal/collector"
	"praice/internal/config"
	"praice/internal/eventbus"
	"praice/internal/handlers"
	"praice/internal/inference"
	"praice/internal/jobs"
	"praice/internal/notifier"
	rtsup "praice/internal/runtime/supervisor"
	"praice/internal/storage"
	"praice/internal/task/engine"
	"praice/internal/task/scheduler"
	logx "praice/pkg/logx"
	"praice/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *rtsup.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	stores *storage.Stores

	reg    *jobs.Registry
	sched  *scheduler.Service
	engine *engine.Service
	notif  *notifier.Service
	api    *api.Server

	http *http.Server
	ln   net.Listener
}

// New loads the configuration and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string, getenv func(string) string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath, getenv)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogConfig())
	a := &App{cfgm: cfgm, cfg: cfg, log: log.Named("app"), logs: logSvc, bus: eventbus.New()}
	ok := false
	defer func() {
		if ok {
			return
		}
		if a.stores != nil {
			_ = a.stores.Close()
		}
		_ = logSvc.Close()
	}()

	a.stores, err = storage.Open(ctx, storageConfig(cfg), log.Named("storage"))
	if err != nil {
		return nil, err
	}

	inf, err := inference.New(clientConfig(cfg.Inference), log.Named("inference"))
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	col, err := collector.New(clientConfig(cfg.Collector), log.Named("collector"))
	if err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}
	h := handlers.Handlers(handlers.Deps{
		Collector: col,
		News:      col,
		Inference: inf,
		Log:       log.Named("handlers"),
	})
	a.reg, err = jobs.NewRegistry(cfg.JobSpecs(), h, cfg.Location())
	if err != nil {
		return nil, err
	}

	a.sched = scheduler.New(schedulerConfig(cfg), a.reg, a.stores.Broker, a.stores.Leases, a.stores.Tracker, log.Named("scheduler"), a.bus)
	a.engine = engine.New(engineConfig(cfg), a.reg, a.stores.Broker, a.stores.Tracker, log.Named("engine"), a.bus)

	var sender notifier.Sender
	if token := cfg.Notifier.Telegram.Token; token != "" {
		tg, err := notifier.NewTelegram(token)
		if err != nil {
			return nil, fmt.Errorf("notifier: %w", err)
		}
		sender = tg
	}
	a.notif = notifier.New(notifierConfig(cfg), sender, log.Named("notifier"), a.bus)

	a.api = api.New(api.Deps{
		Registry:  a.reg,
		Scheduler: a.sched,
		Engine:    a.engine,
		Tracker:   a.stores.Tracker,
		Backlog:   a.stores.Broker,
		Log:       log,
		Loops:     a.loops,
		Profiler:  cfg.HTTP.Pprof,
	})
	if addr := strings.TrimSpace(cfg.HTTP.Addr); addr != "" {
		a.http = &http.Server{
			Addr:              addr,
			Handler:           a.api,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.HTTP.ReadTimeout.Std(),
			WriteTimeout:      cfg.HTTP.WriteTimeout.Std(),
		}
	}

	ok = true
	return a, nil
}

func (a *App) Registry() *jobs.Registry { return a.reg }

// Addr is the bound API address, empty when the server is disabled or not started.
func (a *App) Addr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
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

func (a *App) loops() rtsup.Snapshot {
	if a.sup == nil {
		return rtsup.Snapshot{}
	}
	return a.sup.Snapshot()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.http != nil {
		ln, err := net.Listen("tcp", a.http.Addr)
		if err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		a.ln = ln
	}

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.Named("config"))

	// Workers first so the first firings have somewhere to go.
	a.engine.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	a.notif.Start(a.sup.Context())

	if a.ln != nil {
		ln := a.ln
		a.sup.Go("http", func(c context.Context) error {
			a.log.Info("api listening", logx.String("addr", ln.Addr().String()))
			if err := a.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		a.logEvents(c, events)
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	_, _ = systemd.Status(fmt.Sprintf("holder %s, %d jobs", a.sched.HolderID(), len(a.reg.List())))
	a.log.Info("app started",
		logx.String("holder", a.sched.HolderID()),
		logx.Int("jobs", len(a.reg.List())),
		logx.String("config", a.cfgm.Path()),
	)
	return nil
}

// logEvents mirrors run lifecycle events into the log. Routine transitions
// stay at debug; missed firings are warnings.
func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
			if run, ok := e.Data.(jobs.Run); ok {
				fields = append(fields,
					logx.String("job", string(run.Job)),
					logx.String("run_id", run.ID),
					logx.String("status", string(run.Status)),
				)
			}
			if e.Type == eventbus.ScheduleMissed {
				a.log.Warn("event", fields...)
				continue
			}
			a.log.Debug("event", fields...)
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
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
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			a.logs.Apply(newCfg.LogConfig())

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
			if pending := config.RestartRequired(sections); len(pending) > 0 {
				a.log.Warn("config changed; restart required for changes to take effect",
					logx.String("sections", strings.Join(pending, ",")))
			}
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// Never started: only release what New opened.
		err := a.stores.Close()
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Intake first, then the pool, so nothing new is queued behind a draining pool.
	step("http", 3*time.Second, func(c context.Context) error {
		if a.http == nil || a.ln == nil {
			return nil
		}
		return a.http.Shutdown(c)
	})
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", a.cfg.Engine.DrainTimeout.Std()+5*time.Second, func(c context.Context) error {
		a.engine.Stop(c)
		return nil
	})
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", 2*time.Second, func(c context.Context) error { return a.stores.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log, http).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Run builds, starts and supervises the app until ctx is canceled or a
// component fails. It returns the first fatal error, if any.
func Run(ctx context.Context, cfgPath string, getenv func(string) string) error {
	a, err := New(ctx, cfgPath, getenv)
	if err != nil {
		return err
	}
	stopTimeout := a.cfg.Engine.DrainTimeout.Std() + 15*time.Second
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx, StopStartError)
		return err
	}

	reason := StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = StopFatalError
	}
	if err := a.Err(); err != nil {
		reason = StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}
