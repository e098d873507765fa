package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"fleetbot/internal/config"
	"fleetbot/internal/eventbus"
	"fleetbot/internal/fleet"
	"fleetbot/internal/httpapi"
	"fleetbot/internal/metrics"
	"fleetbot/internal/notifier"
	"fleetbot/internal/pipeline"
	"fleetbot/internal/platform"
	"fleetbot/internal/ratelimit"
	"fleetbot/internal/registry"
	rtsup "fleetbot/internal/runtime/supervisor"
	"fleetbot/internal/schedule"
	"fleetbot/internal/storage"
	"fleetbot/internal/worker"
	logx "fleetbot/pkg/logx"
)

// App is the daemon: config, logging, storage, the fleet supervisor and its
// operator surfaces (alerts, status API, systemd notify).
type App struct {
	cfgm    *config.ConfigManager
	timings config.FleetTimings

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *registry.File

	metrics *metrics.Metrics
	notif   *notifier.Service
	factory *worker.Factory
	fleet   *fleet.Supervisor
	http    *httpapi.Server
	group   *rtsup.Group
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	timings, err := cfg.Fleet.Resolve()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO")

	// The notifier is built before logging so the log alert sink can use it.
	var sender notifier.Sender
	if n := cfg.Notifier; n != nil && n.Enabled {
		tg, err := notifier.NewTelegram(n.Telegram.Token, n.Telegram.ChatID, n.Telegram.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("notifier: %w", err)
		}
		sender = tg
	}
	notif := notifier.New(mapNotifier(cfg), sender, bootLog)

	logSvc, log := logx.New(mapLogging(cfg), notif)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	m := metrics.New(bus.Dropped)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if sc.Driver != "" {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	file, root := cfg.AccountsPaths()
	reg := registry.NewFile(file, root)
	settings, err := reg.Settings()
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("accounts: %w", err)
	}

	clock, err := schedule.LoadClock(timings.Timezone)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	var global *ratelimit.Limiter
	if len(settings.GlobalRateLimit) > 0 {
		global = ratelimit.New()
		global.SetLimits(ratelimit.GlobalTenant, settings.GlobalRateLimit)
	}

	factory := &worker.Factory{
		Platform:     mapPlatform(cfg),
		Store:        store,
		Limiter:      ratelimit.New(),
		Global:       global,
		Clock:        clock,
		PollInterval: timings.PollInterval,
		SlotCooldown: timings.SlotCooldown,
		CallTimeout:  timings.CallTimeout,
		Log:          log,
	}

	maxConc := settings.MaxConcurrent
	if timings.MaxConcurrent > 0 {
		maxConc = timings.MaxConcurrent
	}
	group := rtsup.New(context.Background(), rtsup.WithLogger(log.With(logx.String("comp", "supervisor"))))
	fl := fleet.New(reg, fleet.WorkerFactory(factory), fleet.Options{
		StartTimeout:  timings.StartTimeout,
		StopTimeout:   timings.StopTimeout,
		RestartPause:  timings.RestartPause,
		MaxConcurrent: maxConc,
		Group:         group,
		Bus:           bus,
		Metrics:       m,
		Log:           log,
	})

	a := &App{
		cfgm:    cfgm,
		timings: timings,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     reg,
		metrics: m,
		notif:   notif,
		factory: factory,
		fleet:   fl,
		group:   group,
	}
	if cfg.HTTP.Enabled {
		hc, err := mapHTTP(cfg)
		if err != nil {
			_ = a.close()
			return nil, err
		}
		a.http = httpapi.New(hc, fl, m.Handler(), log,
			httpapi.WithActivity(store), httpapi.WithRuntime(group))
	}
	return a, nil
}

func (a *App) Fleet() *fleet.Supervisor { return a.fleet }

// Run starts the background services, optionally every enabled tenant, and
// blocks until ctx is done. It then stops the fleet within the stop timeout.
func (a *App) Run(ctx context.Context) error {
	g := a.group

	a.notif.Start(g, a.bus)
	g.Go("eventbus.log", a.logEvents)
	g.Go("config.watch", a.cfgm.Watch)
	g.Go("config.reload", a.applyReloads)
	if a.http != nil {
		g.GoRestart("http.serve", 500*time.Millisecond, 10*time.Second, a.http.Serve)
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	if iv, err := daemon.SdWatchdogEnabled(false); err == nil && iv > 0 {
		g.Go("systemd.watchdog", func(c context.Context) error { return watchdog(c, iv/2) })
	}

	a.log.Info("fleetbot started", logx.Bool("autostart", a.timings.Autostart))
	if a.timings.Autostart {
		res, err := a.fleet.StartAll(ctx)
		if err != nil {
			a.log.Error("autostart failed", logx.Err(err))
		} else if failed := res.Failed(); len(failed) > 0 {
			a.log.Warn("autostart: some tenants failed", logx.Strings("tenants", failed))
		}
	}

	select {
	case <-ctx.Done():
	case <-g.Context().Done():
	}
	return a.Stop()
}

// Stop shuts the fleet down, then the background services.
func (a *App) Stop() error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	budget := a.timings.StopTimeout + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	var errs []error
	if err := a.fleet.Shutdown(ctx); err != nil {
		a.log.Warn("fleet shutdown incomplete", logx.Err(err))
		errs = append(errs, err)
	}
	gctx, gcancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer gcancel()
	if err := a.group.Stop(gctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		errs = append(errs, err)
	}
	a.log.Info("stopped")
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) close() error {
	err := a.store.Close()
	_ = a.logs.Close()
	return err
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
			switch d := e.Data.(type) {
			case fleet.Transition:
				a.log.Info("tenant state", logx.String("tenant", d.Tenant),
					logx.String("from", string(d.From)), logx.String("to", string(d.To)))
			case pipeline.Report:
				a.log.Info("slot finished", logx.String("tenant", d.Tenant), logx.String("slot", d.Slot),
					logx.String("run_id", d.RunID), logx.Int("actions", d.Actions()),
					logx.Int("failed", d.Count(pipeline.Failed)), logx.Duration("took", d.Duration))
			default:
				a.log.Debug("event", logx.String("type", e.Type), logx.String("tenant", e.Tenant))
			}
		}
	}
}

// applyReloads applies hot-reloadable sections (logging, notifier) and warns
// about the rest.
func (a *App) applyReloads(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			changed, attrs := config.SummarizeConfigChange(last, next)
			last = next
			if len(changed) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			a.logs.Apply(mapLogging(next))
			a.notif.Apply(mapNotifier(next))

			fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
			a.log.Info("config applied", fields...)
			if config.RequiresRestart(changed) {
				a.log.Warn("config change needs a restart to take effect", logx.String("changed", strings.Join(changed, ",")))
			}
		}
	}
}

func watchdog(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

// Tool is the one-shot side used by the CLI (run-once, check). It needs no
// supervisor, alerts or status API.
type Tool struct {
	reg     *registry.File
	factory *worker.Factory
	store   storage.Store
	logs    *logx.Service
}

func NewTool(cfgPath string) (*Tool, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	timings, err := cfg.Fleet.Resolve()
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(mapLogging(cfg), nil)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	clock, err := schedule.LoadClock(timings.Timezone)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	file, root := cfg.AccountsPaths()
	return &Tool{
		reg: registry.NewFile(file, root),
		factory: &worker.Factory{
			Platform:    mapPlatform(cfg),
			Store:       store,
			Clock:       clock,
			CallTimeout: timings.CallTimeout,
			Log:         log,
		},
		store: store,
		logs:  logSvc,
	}, nil
}

func (t *Tool) worker(id string) (*worker.Worker, error) {
	ten, err := t.reg.Get(id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", fleet.ErrUnknownTenant, id)
		}
		return nil, err
	}
	return t.factory.Build(ten, nil)
}

// RunOnce runs one slot pipeline for tenant, disabled or not.
func (t *Tool) RunOnce(ctx context.Context, tenant, slot string) (pipeline.Report, error) {
	w, err := t.worker(tenant)
	if err != nil {
		return pipeline.Report{}, err
	}
	return w.RunOnce(ctx, slot)
}

// Check authenticates tenant and returns its profile.
func (t *Tool) Check(ctx context.Context, tenant string) (platform.Profile, error) {
	w, err := t.worker(tenant)
	if err != nil {
		return platform.Profile{}, err
	}
	return w.Check(ctx)
}

func (t *Tool) Close() error {
	err := t.store.Close()
	_ = t.logs.Close()
	return err
}
