package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"postpilot/internal/eventbus"
	"postpilot/internal/observability/metrics"
	"postpilot/internal/post"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type Config struct {
	// PostWorkers bounds how many posts of one cycle are processed at once.
	PostWorkers int
}

// PostReport summarizes one post within a cycle.
type PostReport struct {
	PostID      string                   `json:"post_id"`
	Status      post.Status              `json:"status"`
	ExternalIDs map[post.Platform]string `json:"external_ids,omitempty"`
	Failures    map[post.Platform]string `json:"failures,omitempty"`
	Error       string                   `json:"error,omitempty"`
}

// CycleReport is the outcome of one select, publish, update pass.
type CycleReport struct {
	ID       string        `json:"id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Due      int           `json:"due"`
	Posted   int           `json:"posted"`
	Failed   int           `json:"failed"`
	Posts    []PostReport  `json:"posts,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Dispatcher wires selector, orchestrator and updater into one cycle.
type Dispatcher struct {
	cfg      Config
	selector *Selector
	orch     *Orchestrator
	updater  *Updater
	journal  storage.AttemptJournal
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	log      logx.Logger
	now      func() time.Time

	last atomic.Pointer[CycleReport]
}

// New builds a dispatcher. journal, bus and m may be nil.
func New(cfg Config, selector *Selector, orch *Orchestrator, updater *Updater, journal storage.AttemptJournal, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger) *Dispatcher {
	if cfg.PostWorkers <= 0 {
		cfg.PostWorkers = 4
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:      cfg,
		selector: selector,
		orch:     orch,
		updater:  updater,
		journal:  journal,
		bus:      bus,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// LastReport returns the most recent finished cycle, if any.
func (d *Dispatcher) LastReport() (CycleReport, bool) {
	r := d.last.Load()
	if r == nil {
		return CycleReport{}, false
	}
	return *r, true
}

// RunCycle selects due posts and dispatches each of them.
//
// An error is returned only when selection fails; per-post problems end up
// in the report. Posts not yet started when ctx is canceled are left for
// the next cycle.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleReport, error) {
	rep := CycleReport{ID: uuid.NewString(), Started: d.now()}
	log := d.log.With(logx.String("cycle", rep.ID))
	d.bus.Publish(eventbus.Event{Type: eventbus.CycleStarted, Data: eventbus.CycleEvent{CycleID: rep.ID}})

	due, err := d.selector.SelectDue(ctx, rep.Started)
	if err != nil {
		rep.Error = err.Error()
		d.finish(log, &rep, err)
		return rep, fmt.Errorf("select due posts: %w", err)
	}
	rep.Due = len(due)
	if len(due) > 0 {
		log.Info("dispatch cycle", logx.Int("due", len(due)))
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.cfg.PostWorkers)
	for _, p := range due {
		p := p
		if ctx.Err() != nil {
			log.Warn("cycle interrupted, leaving remaining posts for next run", logx.String("post", p.ID))
			break
		}
		g.Go(func() error {
			pr := d.processPost(ctx, log, rep.ID, p)
			mu.Lock()
			rep.Posts = append(rep.Posts, pr)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(rep.Posts, func(i, j int) bool { return rep.Posts[i].PostID < rep.Posts[j].PostID })
	for _, pr := range rep.Posts {
		if pr.Status == post.StatusPosted {
			rep.Posted++
		} else {
			rep.Failed++
		}
	}
	d.finish(log, &rep, nil)
	return rep, nil
}

func (d *Dispatcher) finish(log logx.Logger, rep *CycleReport, err error) {
	rep.Duration = d.now().Sub(rep.Started)
	d.metrics.ObserveCycle(rep.Duration, rep.Due, err)
	cp := *rep
	d.last.Store(&cp)
	d.bus.Publish(eventbus.Event{Type: eventbus.CycleFinished, Data: eventbus.CycleEvent{
		CycleID:  rep.ID,
		Due:      rep.Due,
		Posted:   rep.Posted,
		Failed:   rep.Failed,
		Duration: rep.Duration,
		Error:    rep.Error,
	}})
	if err != nil {
		log.Error("dispatch cycle failed", logx.Err(err))
		return
	}
	if rep.Due > 0 {
		log.Info("dispatch cycle done",
			logx.Int("posted", rep.Posted),
			logx.Int("failed", rep.Failed),
			logx.Duration("took", rep.Duration),
		)
	}
}

// processPost keeps every error inside the post boundary.
func (d *Dispatcher) processPost(ctx context.Context, log logx.Logger, cycleID string, p post.Post) (pr PostReport) {
	log = log.With(logx.String("post", p.ID))
	pr = PostReport{PostID: p.ID, Status: p.Status}
	defer func() {
		if r := recover(); r != nil {
			pr.Error = fmt.Sprintf("panic: %v", r)
			log.Error("post processing panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	results := d.orch.Dispatch(ctx, p)
	d.journalResults(ctx, log, cycleID, p.ID, results)

	updated, err := d.updater.Apply(ctx, p, results)
	if err != nil {
		pr.Error = err.Error()
		log.Error("post state update failed", logx.Err(err))
	}
	pr.Status = updated.Status
	pr.ExternalIDs = updated.ExternalPostIDs

	ev := eventbus.PostEvent{CycleID: cycleID, PostID: p.ID, Status: string(updated.Status)}
	for pl, r := range results {
		if r.OK() {
			if ev.ExternalIDs == nil {
				ev.ExternalIDs = map[string]string{}
			}
			ev.ExternalIDs[string(pl)] = r.ExternalID
			continue
		}
		if pr.Failures == nil {
			pr.Failures = map[post.Platform]string{}
			ev.Failures = map[string]string{}
		}
		pr.Failures[pl] = r.Reason()
		ev.Failures[string(pl)] = r.Reason()
	}

	d.metrics.ObservePost(updated.Status)
	typ := eventbus.PostFailed
	if err == nil && updated.Status == post.StatusPosted {
		typ = eventbus.PostPublished
	}
	if err != nil {
		ev.Status = string(p.Status)
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	return pr
}

func (d *Dispatcher) journalResults(ctx context.Context, log logx.Logger, cycleID, postID string, results map[post.Platform]post.Result) {
	if d.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, r := range results {
		err := d.journal.AppendAttempt(jctx, storage.Attempt{
			At:         d.now(),
			CycleID:    cycleID,
			PostID:     postID,
			Platform:   r.Platform,
			OK:         r.OK(),
			ExternalID: r.ExternalID,
			Error:      r.Reason(),
			TookMS:     r.Took.Milliseconds(),
		})
		if err != nil {
			log.Warn("attempt journal write failed", logx.Err(err))
			return
		}
	}
}
