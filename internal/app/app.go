package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coreos/go-systemd/v22/daemon"

	"tweetup/internal/config"
	"tweetup/internal/dispatch"
	"tweetup/internal/eventbus"
	"tweetup/internal/keylock"
	"tweetup/internal/policy"
	"tweetup/internal/registry"
	"tweetup/internal/runtime/supervisor"
	"tweetup/internal/sink"
	"tweetup/internal/storage"
	logx "tweetup/pkg/logx"
)

// App wires the reminder engine: config, store, evaluator, registry,
// dispatch loop and sinks, all owned by one supervisor.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	sub  chan *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	clk  clock.Clock
	sd   notifier

	store storage.Store
	eval  *policy.Evaluator
	reg   *registry.Registry
	loop  *dispatch.Loop
	sink  *sink.Swappable
}

type Option func(*App)

// WithClock replaces the wall clock (tests).
func WithClock(c clock.Clock) Option { return func(a *App) { a.clk = c } }

func withNotifier(n notifier) Option { return func(a *App) { a.sd = n } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		clk:     clock.New(),
		sd:      sdNotifier{},
	}
	for _, o := range opts {
		if o != nil {
			o(a)
		}
	}

	sc, err := MapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	fail := func(err error) (*App, error) {
		_ = store.Close()
		return nil, err
	}

	if a.eval, err = NewEvaluator(cfg); err != nil {
		return fail(err)
	}
	built, err := buildSink(cfg, log)
	if err != nil {
		return fail(err)
	}
	a.sink = sink.NewSwappable(built)

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return fail(err)
	}
	locks := &keylock.Map{}
	a.loop = dispatch.New(store, a.eval, sink.NewDedup(a.sink, cfg.Sink.DedupMaxEntries),
		dispatch.WithClock(a.clk),
		dispatch.WithLogger(log),
		dispatch.WithBus(a.bus),
		dispatch.WithConfig(dcfg),
		dispatch.WithLocker(locks),
	)
	a.reg = registry.New(store, a.eval,
		registry.WithClock(a.clk),
		registry.WithWaker(a.loop),
		registry.WithBus(a.bus),
		registry.WithLogger(log),
		registry.WithLocks(locks),
	)

	a.log.Info("app initialized",
		logx.String("config", cfgPath),
		logx.String("storage", sc.Driver),
		logx.String("timezone", a.eval.Location().String()),
	)
	return a, nil
}

func (a *App) Registry() *registry.Registry { return a.reg }

func (a *App) Loop() *dispatch.Loop { return a.loop }

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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.syncReminders(ctx, a.cfgm.Get()); err != nil {
		return err
	}

	a.sup.Go("dispatch", a.loop.Run)
	a.sup.Go("eventbus.log", a.logEvents)

	// subscribe before the watcher starts so no reload is missed
	a.sub = a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", a.watchdog)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// syncReminders makes the stored schedule match the declared reminders.
// The config file is the only registration path of the daemon, so stored
// entries that are no longer declared are removed.
func (a *App) syncReminders(ctx context.Context, cfg *config.Config) error {
	want, err := declaredReminders(cfg)
	if err != nil {
		return err
	}
	stored, err := a.reg.List(ctx)
	if err != nil {
		return fmt.Errorf("list reminders: %w", err)
	}
	managed := make([]string, 0, len(stored))
	for _, e := range stored {
		managed = append(managed, e.ID)
	}
	res, err := a.reg.Sync(ctx, want, managed)
	a.log.Info("reminders synced",
		logx.Int("declared", len(want)),
		logx.Int("registered", res.Registered),
		logx.Int("updated", res.Updated),
		logx.Int("unregistered", res.Unregistered),
		logx.Int("unchanged", res.Unchanged),
	)
	if err != nil {
		return fmt.Errorf("sync reminders: %w", err)
	}
	return nil
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			// Keep this debug-level; fires and failures are already logged by the loop.
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) error {
	defer a.cfgm.Unsubscribe(a.sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case newCfg, ok := <-a.sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-a.sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig applies a validated config. Storage, timezone and seed
// changes need a restart; everything else is applied live.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, reminders := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(s string) bool { return slices.Contains(sections, s) }
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if changed("logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed("schedule") || !sameSeed(oldCfg, newCfg) {
		a.log.Warn("timezone or seed changed; restart required for changes to take effect")
	}
	if changed("dispatch") {
		dcfg, err := mapDispatchConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			a.loop.Apply(dcfg)
		}
	}
	if changed("sink") {
		built, err := buildSink(newCfg, a.logs.Logger())
		if err != nil {
			a.log.Warn("invalid sink config; keeping previous", logx.Err(err))
		} else {
			a.sink.Swap(built)
		}
	}
	if changed("reminders") {
		a.log.Debug("declared reminders changed", logx.Any("ids", reminders))
		if err := a.syncReminders(ctx, newCfg); err != nil {
			a.log.Error("reminder sync failed", logx.Err(err))
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: a.clk.Now(), Data: sections})
	a.log.Info("config reloaded", fields...)
}

func sameSeed(oldCfg, newCfg *config.Config) bool {
	o, n := oldCfg.Dispatch.Seed, newCfg.Dispatch.Seed
	if o == nil || n == nil {
		return o == n
	}
	return *o == *n
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, maxWait time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", maxWait))

		stepCtx := ctx
		if maxWait > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				maxWait = min(maxWait, time.Until(dl))
			}
			if maxWait > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, maxWait)
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// The loop finishes an in-flight batch before returning.
	step("dispatch", 10*time.Second, a.loop.Stop)
	if a.sup != nil {
		step("supervisor", 3*time.Second, a.sup.Stop)
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
