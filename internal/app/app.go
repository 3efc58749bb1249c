package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"metrobot/internal/announcer"
	"metrobot/internal/change"
	"metrobot/internal/config"
	"metrobot/internal/coordinator"
	"metrobot/internal/detector"
	"metrobot/internal/eventbus"
	"metrobot/internal/notifier"
	"metrobot/internal/opsapi"
	"metrobot/internal/overrides"
	"metrobot/internal/pipeline"
	"metrobot/internal/runtime/supervisor"
	"metrobot/internal/scheduler"
	"metrobot/internal/storage"
	"metrobot/internal/topology"
	"metrobot/internal/transport"
	"metrobot/internal/transport/telegram"
	logx "metrobot/pkg/logx"
)

const (
	jobPoll           = "network.poll"
	jobOverrideCheck  = "overrides.check"
	defaultFetchLimit = 20 * time.Second
	alertPriority     = 10
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	notif   *notifier.Service
	sched   *scheduler.Service
	ops     *opsapi.Service

	ann       *announcer.Announcer
	overrides *overrides.Store
	pipe      *pipeline.Pipeline
	coord     *coordinator.Coordinator
	history   *change.History

	alertsMu sync.RWMutex
	alerts   []transport.ChatTarget
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Telegram logging needs the adapter, which needs a logger. Bootstrap with
	// the sink off, attach the sender, then apply the final config.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, base := logx.New(bootCfg, nil)

	pollTimeout, err := cfg.Telegram.PollTimeout.Or("telegram.poll_timeout", 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		SendOnly:    cfg.Telegram.SendOnly,
	}, base)
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(ad)
	logSvc.SetTelegramTarget(cfg.Logging.Telegram.ChatID, cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log := base.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := StorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, base)
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	var dedup notifier.DedupStore
	if store != nil {
		dedup = store
	}
	notif := notifier.New(ncfg, ad, base, bus, dedup)

	acfg, err := mapAnnouncerConfig(cfg)
	if err != nil {
		return nil, err
	}
	ann := announcer.New(acfg, base)

	topo, err := topology.Load(cfg.Network.TopologyPath)
	if err != nil {
		return nil, fmt.Errorf("load topology: %w", err)
	}

	sched := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, base)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		notif:   notif,
		sched:   sched,
		ann:     ann,
		history: change.NewHistory(change.DefaultHistorySize),
	}
	a.setAlerts(cfg)

	det := detector.New()
	var pipe *pipeline.Pipeline
	a.overrides = overrides.NewStore(cfg.Overrides.Path,
		overrides.WithLogger(base),
		overrides.WithDiffer(det),
		overrides.WithHistory(a.history),
		overrides.WithChangeFunc(func(ctx context.Context, events []change.Event) {
			pipe.OnOverrideChanges(ctx, events)
		}),
	)

	deps := pipeline.Deps{
		Provider:  pipeline.FileProvider{Path: cfg.Network.RawPath},
		Combiner:  topology.NewCombiner(topo),
		Overrides: a.overrides,
		Differ:    det,
		Renderer:  ann,
		Notifier:  notif,
		History:   a.history,
		Bus:       bus,
		Log:       base,
	}
	if store != nil {
		deps.ChangeLog = store
	}
	pipe = pipeline.New(deps, mapPipelineTargets(cfg))
	a.pipe = pipe

	a.coord = coordinator.New(pipe,
		coordinator.WithLogger(base),
		coordinator.WithBus(bus),
		coordinator.WithMaxConsecutiveErrors(cfg.Pipeline.MaxConsecutiveErrors),
		coordinator.WithQueueWarn(cfg.Pipeline.QueueWarn),
		coordinator.WithSignalHandler(a.onCoordinatorSignal),
	)
	pipe.SetCoordinator(a.coord)

	if err := a.addJobs(cfg); err != nil {
		return nil, err
	}

	a.ops = opsapi.New(mapOpsAPIConfig(cfg), opsapi.Backend{
		Coordinator: a.coord.Snapshot,
		Overrides:   a.overrides,
		History:     pipe.History,
		Current:     pipe.Current,
		Jobs:        sched.Snapshot,
		Tasks: func() supervisor.Snapshot {
			if a.sup == nil {
				return supervisor.Snapshot{}
			}
			return a.sup.Snapshot()
		},
	}, base)

	ad.HandleCommand("estado", a.cmdStatus)
	ad.HandleCommand("historial", a.cmdHistory)
	return a, nil
}

// addJobs registers (or replaces) the poll and override-check triggers.
func (a *App) addJobs(cfg *config.Config) error {
	fetchTimeout, err := cfg.Network.FetchTimeout.Or("network.fetch_timeout", defaultFetchLimit)
	if err != nil {
		return err
	}
	poll, check := schedules(cfg)
	if err := a.sched.AddSchedule(jobPoll, poll, fetchTimeout, func(ctx context.Context) error {
		_, err := a.pipe.Poll(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("network.poll_schedule: %w", err)
	}
	if err := a.sched.AddSchedule(jobOverrideCheck, check, 10*time.Second, a.pipe.CheckOverrides); err != nil {
		return fmt.Errorf("overrides.check_schedule: %w", err)
	}
	return nil
}

func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	poll, check := schedules(cfg)
	var errs []error
	if err := a.sched.Validate(poll); err != nil {
		errs = append(errs, fmt.Errorf("network.poll_schedule: %w", err))
	}
	if err := a.sched.Validate(check); err != nil {
		errs = append(errs, fmt.Errorf("overrides.check_schedule: %w", err))
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := StorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
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

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)
	if err := a.validate(ctx, a.cfgm.Get()); err != nil {
		return err
	}
	runCtx := a.sup.Context()

	if err := a.adapter.Start(runCtx); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}

	if err := a.pipe.SeedHistory(runCtx); err != nil {
		a.log.Warn("history seed failed", logx.Err(err))
	}
	if _, err := a.overrides.Load(runCtx); err != nil {
		a.log.Warn("initial override load failed", logx.Err(err))
	}

	a.sup.Go("coordinator.run", a.coord.Run)
	if a.cfgm.Get().Overrides.Watch {
		a.sup.GoRestart("overrides.watch", a.overrides.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	a.sched.Start(runCtx)
	a.sched.RunNow(jobPoll)
	a.ops.Start(runCtx)

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe()
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}

	for _, s := range []string{"telegram", "storage"} {
		if changed[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if oldCfg.Network.RawPath != newCfg.Network.RawPath ||
		oldCfg.Network.TopologyPath != newCfg.Network.TopologyPath ||
		oldCfg.Overrides.Path != newCfg.Overrides.Path ||
		oldCfg.Overrides.Watch != newCfg.Overrides.Watch ||
		oldCfg.Pipeline != newCfg.Pipeline {
		a.log.Warn("feed, override or pipeline paths changed; restart required for changes to take effect")
	}

	if changed["logging"] {
		a.logs.SetTelegramTarget(newCfg.Logging.Telegram.ChatID, newCfg.Logging.Telegram.ThreadID)
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if changed["announce"] {
		if acfg, err := mapAnnouncerConfig(newCfg); err != nil {
			a.log.Warn("invalid announce config; keeping previous", logx.Err(err))
		} else {
			a.ann.SetConfig(acfg)
		}
		a.pipe.SetTargets(mapPipelineTargets(newCfg))
		a.setAlerts(newCfg)
	}

	if changed["notifier"] {
		prev := a.notif.Enabled()
		if ncfg, err := mapNotifierConfig(newCfg); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(ncfg)
			switch {
			case prev && !ncfg.Enabled:
				a.log.Info("notifier disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			case !prev && ncfg.Enabled:
				a.log.Info("notifier enabled via config")
				a.notif.Start(ctx)
			}
		}
	}

	if changed["scheduler"] {
		a.sched.Apply(scheduler.Config{Timezone: newCfg.Scheduler.Timezone})
	}
	if changed["network"] || changed["overrides"] || changed["scheduler"] {
		if err := a.addJobs(newCfg); err != nil {
			a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
		}
	}

	if changed["ops_api"] {
		a.ops.Reconfigure(ctx, mapOpsAPIConfig(newCfg))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) setAlerts(cfg *config.Config) {
	a.alertsMu.Lock()
	a.alerts = mapTargets(cfg.Announce.AlertTargets)
	a.alertsMu.Unlock()
}

func (a *App) alertTargets() []transport.ChatTarget {
	a.alertsMu.RLock()
	defer a.alertsMu.RUnlock()
	return a.alerts
}

// onCoordinatorSignal runs on the coordinator goroutine after a failed batch.
func (a *App) onCoordinatorSignal(sig coordinator.Signal) {
	if !sig.Fatal {
		a.log.Warn("batch failed",
			logx.String("batch", sig.BatchID),
			logx.Int("consecutive_errors", sig.ConsecutiveErrors),
			logx.String("err", sig.Error),
		)
		return
	}
	a.log.Error("update coordinator reached its error threshold",
		logx.String("batch", sig.BatchID),
		logx.Int("consecutive_errors", sig.ConsecutiveErrors),
		logx.String("err", sig.Error),
	)
	text := fmt.Sprintf("⚠️ metrobot: %d lotes fallidos seguidos.\nÚltimo error: %s", sig.ConsecutiveErrors, sig.Error)
	ctx := context.Background()
	if a.sup != nil {
		ctx = a.sup.Context()
	}
	for _, to := range a.alertTargets() {
		if err := a.notif.Notify(ctx, transport.Notification{
			Channel:  "telegram",
			Priority: alertPriority,
			Target:   to,
			Text:     text,
			Options:  &transport.SendOptions{DisablePreview: true},
		}); err != nil {
			a.log.Warn("alert not queued", logx.Int64("chat", to.ChatID), logx.Err(err))
		}
	}
}

func (a *App) cmdStatus(_ context.Context, _ string) (string, error) {
	return telegram.Markup(a.ann.NetworkSummary(a.pipe.Current())).String(), nil
}

// cmdHistory lists recent changes; the optional argument is the count (max 50).
func (a *App) cmdHistory(_ context.Context, args string) (string, error) {
	limit := 10
	if s := strings.TrimSpace(args); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return "", fmt.Errorf("cantidad inválida: %q", s)
		}
		limit = min(n, 50)
	}
	events := a.pipe.History(limit)
	if len(events) == 0 {
		return "Sin cambios registrados.", nil
	}
	snap := a.pipe.Current()
	var b strings.Builder
	b.WriteString(telegram.B("Últimos cambios").String())
	for _, ev := range events {
		name := ev.TargetID
		if ev.IsStationLevel() {
			name = snap.StationName(ev.TargetID)
		}
		transition := ev.From.String() + " → " + ev.To.String()
		if !ev.IsStatus() {
			transition = fmt.Sprintf("%s %t → %t", ev.Field, ev.Previous, ev.Current)
		}
		line := fmt.Sprintf("%s %s %s: %s",
			ev.Timestamp.In(time.Local).Format("02/01 15:04"),
			strings.ToUpper(ev.LineID), name, transition)
		b.WriteString("\n" + telegram.Esc(line).String())
	}
	return b.String(), nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(stepCtx, max)
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("opsapi", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
