package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/elliotchance/pie/v2"

	"github.com/loorksy/whatsapp-bot-backend/internal/actionqueue"
	"github.com/loorksy/whatsapp-bot-backend/internal/activity"
	"github.com/loorksy/whatsapp-bot-backend/internal/backfill"
	"github.com/loorksy/whatsapp-bot-backend/internal/config"
	"github.com/loorksy/whatsapp-bot-backend/internal/control"
	"github.com/loorksy/whatsapp-bot-backend/internal/eventbus"
	"github.com/loorksy/whatsapp-bot-backend/internal/httpapi"
	"github.com/loorksy/whatsapp-bot-backend/internal/observability/pprof"
	"github.com/loorksy/whatsapp-bot-backend/internal/ratelimit"
	"github.com/loorksy/whatsapp-bot-backend/internal/router"
	"github.com/loorksy/whatsapp-bot-backend/internal/runtime/supervisor"
	"github.com/loorksy/whatsapp-bot-backend/internal/schedule"
	"github.com/loorksy/whatsapp-bot-backend/internal/storage"
	"github.com/loorksy/whatsapp-bot-backend/internal/transport"
	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

const backfillJob = "backfill.scheduled"

type App struct {
	cfgm *config.Manager
	cur  *config.Config // owned by the reload loop after New
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	act   *activity.Log
	store storage.Store

	tr      transport.Transport
	lim     *ratelimit.Limiter
	ctrl    *control.Controller
	q       *actionqueue.Queue
	router  *router.Router
	scanner *backfill.Scanner
	drainer *actionqueue.Drainer
	sched   *schedule.Scheduler
	http    *httpapi.Server
	pprof   *pprof.Service // nil unless debug.pprof.enabled

	session pairing
	inbound chan transport.Event

	scanMu   sync.Mutex
	scan     scanSettings
	lastScan time.Time
}

type scanSettings struct {
	lookback time.Duration
	limit    int
}

// pairing holds the code the transport wants scanned, until it is ready.
type pairing struct {
	mu   sync.Mutex
	code string
}

func (p *pairing) set(code string) {
	p.mu.Lock()
	p.code = code
	p.mu.Unlock()
}

func (p *pairing) PairingCode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

type Option func(*App)

// WithTransport replaces the transport built from the config file.
func WithTransport(tr transport.Transport) Option {
	return func(a *App) { a.tr = tr }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a := &App{cfgm: cfgm, cur: cfg}
	for _, o := range opts {
		o(a)
	}

	logSvc, log := logx.New(mapLogging(cfg))
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()
	a.act = activity.New(cfg.Logging.ActivitySize, log.With(logx.String("comp", "activity")))

	if a.tr == nil {
		tr, err := buildTransport(cfg, log.With(logx.String("comp", "transport")))
		if err != nil {
			return nil, err
		}
		a.tr = tr
	}
	logSvc.SetSender(a.tr)

	ctrlOpts, err := mapControlOptions(cfg)
	if err != nil {
		return nil, err
	}
	a.lim = ratelimit.New(ctrlOpts.Defaults.RateLimit, ctrlOpts.Defaults.Cooldown)
	a.ctrl = control.New(ctrlOpts, a.lim, a.act, a.bus, log.With(logx.String("comp", "control")))

	ocr, err := buildOCR(cfg)
	if err != nil {
		return nil, err
	}
	a.q = actionqueue.New()
	a.router = router.New(a.ctrl, a.q, a.tr, ocr, a.act, log.With(logx.String("comp", "router")))
	a.router.RememberRecent(recentWindow(cfg))
	a.scanner = backfill.New(a.tr, a.ctrl, a.router, a.act, log.With(logx.String("comp", "backfill")))
	a.ctrl.SetBackfiller(backfill.Adapter{S: a.scanner}, a.spawn)

	interval, err := mapDrainInterval(cfg)
	if err != nil {
		return nil, err
	}
	a.drainer = actionqueue.NewDrainer(actionqueue.DrainerConfig{
		Interval: interval,
		Running:  a.ctrl.Running,
	}, a.q, a.tr, a.lim, a.act, a.bus, log.With(logx.String("comp", "drain")))

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Backfill.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("backfill.timezone: %w", err)
		}
	}
	a.sched = schedule.New(loc, log.With(logx.String("comp", "schedule")))
	if err := a.configureBackfill(cfg.Backfill); err != nil {
		return nil, err
	}

	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	deps := httpapi.Deps{
		Control:   a.ctrl,
		Queue:     a.q,
		Limiter:   a.lim,
		Transport: a.tr,
		Scanner:   a.scanner,
		Activity:  a.act,
		Session:   &a.session,
		Runtime:   a.runtimeStats,
	}
	if a.store != nil {
		deps.Actions = a.store
	}
	a.http = httpapi.New(httpCfg, deps, log)
	if pc, enabled := mapPprofConfig(cfg); enabled {
		a.pprof = pprof.New(pc, log)
	}

	inbound := cfg.Transport.Inbound
	if inbound <= 0 {
		inbound = defaultInboundBuffer
	}
	a.inbound = make(chan transport.Event, inbound)
	return a, nil
}

// Done is closed once the app context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		return ch
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal task error.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the HTTP listen address, empty until the server is up.
func (a *App) Addr() string { return a.http.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateReload)

	if a.store != nil {
		if sc := a.cur.Storage; sc != nil && sc.RestoreState {
			rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := a.restoreState(rctx, sc.ResumeRunning)
			cancel()
			if err != nil {
				a.log.Warn("state restore failed", logx.Err(err))
			}
		}
		// Subscribed before the producers start so no action is missed.
		events, unsub := a.bus.Subscribe(256, eventbus.TypeActionSent, eventbus.TypeActionFailed, eventbus.TypeControlChanged)
		a.sup.Go0("storage.persist", func(c context.Context) {
			defer unsub()
			a.persistLoop(c, events)
		})
	}

	a.sup.GoRestart("transport", func(c context.Context) error {
		return a.tr.Start(c, a.inbound)
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.GoRestart0("transport.inbound", a.inboundLoop)
	a.sup.Go0("queue.drain", a.drainer.Run)
	a.sup.Go("http", a.http.Run)
	if a.pprof != nil {
		a.sup.GoRestart("pprof", func(c context.Context) error {
			err := a.pprof.Run(c)
			if errors.Is(err, pprof.ErrInsecureBind) {
				a.log.Error("pprof disabled", logx.Err(err))
				return nil
			}
			return err
		}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	reloads := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(reloads)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-reloads:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sched.Start(a.sup.Context())
	a.notifySystemd()

	a.log.Info("app started", logx.String("transport", a.tr.Name()))
	return nil
}

func (a *App) spawn(name string, fn func(ctx context.Context)) {
	if a.sup == nil {
		a.log.Warn("task spawned before start", logx.String("task", name))
		return
	}
	a.sup.Go0(name, fn)
}

func (a *App) inboundLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.inbound:
			a.handleEvent(ctx, ev)
		}
	}
}

func (a *App) handleEvent(ctx context.Context, ev transport.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	switch ev.Kind {
	case transport.EventQR:
		a.session.set(ev.QR)
		a.act.Add(activity.KindQRReady)
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeTransportQR, Time: ev.At})
	case transport.EventReady:
		a.session.set("")
		a.act.Add(activity.KindReady)
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeTransportReady, Time: ev.At})
		a.log.Info("transport ready", logx.String("transport", a.tr.Name()))
	case transport.EventDisconnected:
		a.act.Add(activity.KindDisconnected, "reason", ev.Reason)
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeTransportDisconnected, Time: ev.At, Data: ev.Reason})
		a.log.Warn("transport disconnected", logx.String("reason", ev.Reason))
		a.ctrl.HandleDisconnect(ev.Reason)
	case transport.EventMessage:
		if ev.Message != nil {
			a.route(ctx, *ev.Message)
		}
	}
}

// route handles one live message. A panic is contained to that message.
func (a *App) route(ctx context.Context, msg transport.Message) {
	defer func() {
		if r := recover(); r != nil {
			a.act.Add(activity.KindMessageError, "id", msg.Ref.MessageID, "err", fmt.Sprint(r))
			a.log.Error("message handling panicked",
				logx.String("conversation", msg.ConversationID()),
				logx.String("message", msg.Ref.MessageID),
				logx.Any("panic", r),
			)
		}
	}()
	a.router.Route(ctx, msg, router.Options{Source: actionqueue.SourceLive})
}

// validateReload rejects configs the running app cannot apply.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := mapControlOptions(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	_, err := config.ParseDurationOrDefault("backfill.lookback", cfg.Backfill.Lookback, defaultLookback)
	return err
}

func (a *App) applyConfig(cfg *config.Config) {
	changed, fields := config.SummarizeChange(a.cur, cfg)
	a.cur = cfg
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if pie.Contains(changed, "logging") {
		a.logs.Apply(mapLogging(cfg))
	}
	if pie.Contains(changed, "pipeline") || pie.Contains(changed, "defaults") {
		if opts, err := mapControlOptions(cfg); err != nil {
			a.log.Warn("control options not applied", logx.Err(err))
		} else {
			a.ctrl.ApplyOptions(opts)
		}
	}
	if pie.Contains(changed, "backfill") {
		if err := a.configureBackfill(cfg.Backfill); err != nil {
			a.log.Warn("backfill schedule not applied", logx.Err(err))
		}
	}
	a.http.SetAPIKey(cfg.Server.APIKey)

	a.act.Add(activity.KindConfigReloaded, "changed", strings.Join(changed, ","))
	a.log.Info("config applied", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, fields...)...)
	if rs := config.NeedsRestart(changed); len(rs) > 0 {
		a.log.Warn("config change takes effect after restart", logx.String("sections", strings.Join(rs, ",")))
	}
}

// configureBackfill installs, replaces or removes the periodic scan.
func (a *App) configureBackfill(b config.BackfillConfig) error {
	lookback, err := config.ParseDurationOrDefault("backfill.lookback", b.Lookback, defaultLookback)
	if err != nil {
		return err
	}
	a.scanMu.Lock()
	a.scan = scanSettings{lookback: lookback, limit: control.ClampArchiveLimit(b.Limit)}
	a.scanMu.Unlock()

	if strings.TrimSpace(b.Schedule) == "" {
		a.sched.Remove(backfillJob)
		return nil
	}
	spec, err := schedule.ParseSpec(b.Schedule)
	if err != nil {
		return fmt.Errorf("backfill.schedule: %w", err)
	}
	return a.sched.Set(backfillJob, spec, a.scheduledScan)
}

// scheduledScan catches up on messages missed while disconnected. Each run
// starts where the previous successful one did, bounded by the lookback.
func (a *App) scheduledScan(ctx context.Context) {
	if !a.ctrl.Running() || !a.tr.IsReady() {
		a.log.Debug("scheduled scan skipped",
			logx.Bool("running", a.ctrl.Running()),
			logx.Bool("ready", a.tr.IsReady()),
		)
		return
	}
	started := time.Now()
	a.scanMu.Lock()
	sc := a.scan
	from := started.Add(-sc.lookback)
	if a.lastScan.After(from) {
		from = a.lastScan
	}
	a.scanMu.Unlock()

	rep, err := a.scanner.Scan(ctx, backfill.Request{StartAt: from, Limit: sc.limit})
	if err != nil {
		a.act.Add(activity.KindHistoryError, "err", err, "scheduled", true)
		a.log.Warn("scheduled scan failed", logx.Err(err))
		return
	}
	a.scanMu.Lock()
	a.lastScan = started
	a.scanMu.Unlock()
	a.act.Add(activity.KindScheduledScan,
		"from", from.Format(time.RFC3339),
		"scanned", rep.Scanned,
		"enqueued", rep.Enqueued,
		"failed", len(rep.Failed),
	)
}

func (a *App) runtimeStats() any {
	return map[string]any{
		"supervisor":  a.sup.Snapshot(),
		"bus_dropped": a.bus.Dropped(),
		"schedules":   a.sched.Entries(),
	}
}

// notifySystemd reports readiness and keeps the watchdog fed when the unit
// asks for it. Outside systemd both calls are no-ops.
func (a *App) notifySystemd() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
		return
	}
	if !sent {
		return
	}
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
			return
		}
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("scheduler", 2*time.Second, a.sched.Stop)
	step("transport", 2*time.Second, a.tr.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Int("queued", a.q.Len()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
