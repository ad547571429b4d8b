// Package app wires storage, media staging, platform adapters and the
// dispatch cycle behind the scheduler, and owns config hot reload and
// ordered shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/dispatch"
	"postpilot/internal/eventbus"
	"postpilot/internal/media"
	"postpilot/internal/observability/metrics"
	"postpilot/internal/observability/status"
	"postpilot/internal/platform"
	"postpilot/internal/platform/facebook"
	"postpilot/internal/platform/instagram"
	"postpilot/internal/platform/twitter"
	"postpilot/internal/post"
	rtsup "postpilot/internal/runtime/supervisor"
	"postpilot/internal/storage"
	"postpilot/internal/task/engine"
	"postpilot/internal/task/scheduler"
	logx "postpilot/pkg/logx"
)

// CycleTaskName is the schedule and engine task name of the dispatch cycle.
const CycleTaskName = "dispatch.cycle"

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	clients    map[post.Platform]*platform.Client
	dispatcher *dispatch.Dispatcher

	engine *engine.Service
	sched  *scheduler.Service
	status *status.Service

	mu  sync.Mutex
	cur settings
}

// New loads cfgPath and builds every component. Nothing runs until Start
// or RunOnce.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (*App, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(s.Logging)
	log = log.Component("app")

	store, err := storage.Open(s.Storage, log.Component("storage"))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", s.Storage.Driver), logx.String("path", s.Storage.Path))

	bus := eventbus.New()
	m := metrics.New()
	hc := &http.Client{Timeout: s.HTTPTimeout}

	var s3src *media.S3Source
	if s.S3.Enabled() {
		s3src, err = media.NewS3Source(s.S3)
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, fmt.Errorf("media s3: %w", err)
		}
		log.Info("s3 media source enabled", logx.String("region", s.S3.Region), logx.Bool("endpoint_set", s.S3.Endpoint != ""))
	}
	stager := media.New(s.Media, hc, s3src, log.Component("media"))

	clients := map[post.Platform]*platform.Client{}
	client := func(p post.Platform) *platform.Client {
		c := platform.NewClient(p, s.Client, hc, log.Component("platform"))
		clients[p] = c
		return c
	}
	twCfg := s.Twitter
	twCfg.HTTP = hc
	registry := platform.NewRegistry(
		facebook.New(s.Facebook, client(post.Facebook), log),
		instagram.New(s.Instagram, client(post.Instagram), log),
		twitter.New(twCfg, client(post.Twitter), log),
	)
	log.Info("platforms configured",
		logx.String("facebook.app_id", cfg.Platforms.Facebook.AppID),
		logx.Bool("facebook.appsecret_proof", s.Facebook.AppSecret != ""),
		logx.Secret("twitter.consumer_key", s.Twitter.ConsumerKey),
	)
	if s.Twitter.ConsumerKey == "" {
		log.Warn("twitter consumer key not configured; twitter targets will fail")
	}

	dlog := log.Component("dispatch")
	orch := dispatch.NewOrchestrator(s.Orchestrator, store, stager, registry, dispatch.NewThrottle(s.CredRate, s.CredBurst), m, dlog)
	d := dispatch.New(s.Dispatch,
		dispatch.NewSelector(store),
		orch,
		dispatch.NewUpdater(store, s.UpdateTimeout, dlog),
		store, bus, m, dlog)

	eng := engine.New(s.Engine, log.Component("taskengine"), bus)
	sched := scheduler.New(s.Scheduler, eng, log.Component("scheduler"))

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		metrics:    m,
		clients:    clients,
		dispatcher: d,
		engine:     eng,
		sched:      sched,
		cur:        s,
	}
	sched.OnSkip(a.onCycleSkipped)
	if err := sched.AddSchedule(CycleTaskName, s.Schedule, s.CycleTimeout, a.runCycle); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("scheduler.schedule: %w", err)
	}
	a.status = status.New(s.Status, status.Sources{
		Status:   a.statusView,
		Ready:    a.ready,
		Gatherer: m.Registry,
	}, log.Component("status"))
	return a, nil
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) runCycle(ctx context.Context) error {
	_, err := a.dispatcher.RunCycle(ctx)
	return err
}

// RunOnce runs a single cycle in the foreground, bypassing the scheduler.
func (a *App) RunOnce(ctx context.Context) (dispatch.CycleReport, error) {
	return a.dispatcher.RunCycle(ctx)
}

func (a *App) onCycleSkipped(name string) {
	if name != CycleTaskName {
		return
	}
	a.metrics.CycleSkipped()
	a.bus.Publish(eventbus.Event{Type: eventbus.CycleSkipped, Time: time.Now(), Data: name})
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) ready() error {
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	if a.engine != nil && !a.engine.Snapshot().Running {
		return errors.New("task engine not running")
	}
	return nil
}

type statusView struct {
	Scheduler scheduler.Snapshot     `json:"scheduler"`
	LastCycle *dispatch.CycleReport  `json:"last_cycle,omitempty"`
	Breakers  map[post.Platform]bool `json:"breaker_open"`
	App       rtsup.Snapshot         `json:"app"`
}

func (a *App) statusView() any {
	v := statusView{
		Scheduler: a.sched.Snapshot(),
		Breakers:  make(map[post.Platform]bool, len(a.clients)),
		App:       a.sup.Snapshot(),
	}
	if r, ok := a.dispatcher.LastReport(); ok {
		v.LastCycle = &r
	}
	for p, c := range a.clients {
		v.Breakers[p] = c.BreakerOpen()
	}
	return v
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := resolve(cfg)
		return err
	})

	a.engine.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	if a.cur.Status.Enabled {
		a.status.Start(a.sup.Context())
	}

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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	if a.cfgm.Path() != "" {
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	snap := a.sched.Snapshot()
	a.log.Info("app started",
		logx.String("schedule", a.cur.Schedule),
		logx.Bool("scheduler_enabled", snap.Enabled),
		logx.Bool("status_enabled", a.cur.Status.Enabled),
	)
	return nil
}

// applyConfig fans a validated reload out to the live sections.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	s, err := resolve(next)
	if err != nil {
		a.log.Warn("config reload ignored", logx.Err(err))
		return
	}
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.mu.Lock()
	old := a.cur
	a.cur = s
	a.mu.Unlock()

	a.logs.Apply(s.Logging)
	a.engine.Apply(ctx, s.Engine)

	a.sched.Apply(s.Scheduler)
	if s.Schedule != old.Schedule || s.CycleTimeout != old.CycleTimeout {
		if err := a.sched.AddSchedule(CycleTaskName, s.Schedule, s.CycleTimeout, a.runCycle); err != nil {
			a.log.Warn("schedule update rejected; keeping previous", logx.Err(err))
		}
	}

	a.status.Reconfigure(ctx, s.Status)

	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts down in dependency order: triggers first, then the cycle in
// flight, then the status surface and storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	a.stopStep(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.stopStep(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.stopStep(ctx, "status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	a.stopStep(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	if a.sup != nil {
		a.stopStep(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	}

	a.log.Info("stopped")
	return a.logs.Close()
}
