package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"postpilot/internal/media"
	"postpilot/internal/observability/metrics"
	"postpilot/internal/platform"
	"postpilot/internal/post"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialExpired  = errors.New("credential expired")
	ErrNoAdapter          = errors.New("no adapter for platform")
	ErrNoTargets          = errors.New("post has no target platforms")
)

// Stager prepares an attachment for one platform. A nil handle means text only.
type Stager interface {
	Stage(ctx context.Context, p post.Platform, att *post.Attachment) (*media.Handle, error)
}

// Adapters resolves the adapter for a platform tag.
type Adapters interface {
	Get(p post.Platform) (platform.Adapter, bool)
}

type OrchestratorConfig struct {
	// CallTimeout bounds one adapter call including its uploads.
	CallTimeout time.Duration
	// ThrottleWait bounds the wait for a free (platform, credential) lane.
	// Zero means CallTimeout.
	ThrottleWait time.Duration
}

// Orchestrator publishes one post to each of its target platforms.
// Platforms are attempted concurrently and independently.
type Orchestrator struct {
	creds    storage.CredentialStore
	stager   Stager
	adapters Adapters
	throttle *Throttle
	metrics  *metrics.Metrics
	timeout  time.Duration
	wait     time.Duration
	now      func() time.Time
	log      logx.Logger
}

func NewOrchestrator(cfg OrchestratorConfig, creds storage.CredentialStore, stager Stager, adapters Adapters, throttle *Throttle, m *metrics.Metrics, log logx.Logger) *Orchestrator {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.ThrottleWait <= 0 {
		cfg.ThrottleWait = cfg.CallTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		creds:    creds,
		stager:   stager,
		adapters: adapters,
		throttle: throttle,
		metrics:  m,
		timeout:  cfg.CallTimeout,
		wait:     cfg.ThrottleWait,
		now:      time.Now,
		log:      log,
	}
}

// Dispatch attempts every target platform of p and returns one result per
// platform. It never fails as a whole; per-platform problems are results.
func (o *Orchestrator) Dispatch(ctx context.Context, p post.Post) map[post.Platform]post.Result {
	targets := p.Platforms()
	results := make(map[post.Platform]post.Result, len(targets))
	if len(targets) == 0 {
		o.log.Error("post has no target platforms", logx.String("post", p.ID), logx.Err(ErrNoTargets))
		return results
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, pl := range targets {
		pl := pl
		g.Go(func() error {
			r := o.publishOne(ctx, p, pl)
			mu.Lock()
			results[pl] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) publishOne(ctx context.Context, p post.Post, pl post.Platform) (res post.Result) {
	start := o.now()
	log := o.log.With(logx.String("post", p.ID), logx.String("platform", string(pl)))
	res.Platform = pl

	defer func() {
		if r := recover(); r != nil {
			res.ExternalID = ""
			res.Err = fmt.Errorf("%s adapter panic: %v", pl, r)
			log.Error("adapter panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		res.Took = o.now().Sub(start)
		o.metrics.ObservePublish(res)
		if res.Err != nil {
			logFailure(log, res.Err)
		} else {
			log.Info("published", logx.String("external_id", res.ExternalID), logx.Duration("took", res.Took))
		}
	}()

	adapter, ok := o.adapters.Get(pl)
	if !ok {
		res.Err = fmt.Errorf("%s: %w", pl, ErrNoAdapter)
		return res
	}

	cred, err := o.creds.FindCredential(ctx, pl, p.ClientDisplayName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			res.Err = fmt.Errorf("%s %q: %w", pl, p.ClientDisplayName, ErrCredentialNotFound)
		} else {
			res.Err = fmt.Errorf("%s credential lookup: %w", pl, err)
		}
		return res
	}
	if cred.Expired(o.now()) {
		res.Err = fmt.Errorf("%s %q expired %s: %w", pl, p.ClientDisplayName, cred.ExpiresAt.Format(time.RFC3339), ErrCredentialExpired)
		return res
	}

	h, err := o.stager.Stage(ctx, pl, p.Attachment)
	if err != nil {
		res.Err = err
		return res
	}
	defer h.Release()
	if h.Local() {
		o.metrics.AddStagedBytes(h.Size)
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, o.wait)
	release, err := o.throttle.Acquire(waitCtx, pl, cred)
	cancelWait()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("lane busy for %s: %w", o.wait, err)
		}
		res.Err = fmt.Errorf("%s throttle: %w", pl, err)
		return res
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	id, err := adapter.Publish(callCtx, p, cred, h)
	if err == nil && id == "" {
		err = fmt.Errorf("%s: %w", pl, platform.ErrNoID)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("%s call timed out after %s: %w", pl, o.timeout, err)
		}
		res.Err = err
		return res
	}
	res.ExternalID = id
	return res
}

func logFailure(log logx.Logger, err error) {
	fields := []logx.Field{logx.Err(err)}
	var apiErr *platform.APIError
	if errors.As(err, &apiErr) {
		fields = append(fields,
			logx.Int("status", apiErr.Status),
			logx.Int("code", apiErr.Code),
			logx.String("api_message", apiErr.Message),
		)
	}
	switch {
	case errors.Is(err, ErrCredentialNotFound), errors.Is(err, media.ErrUnsupportedMedia), errors.Is(err, media.ErrMediaRequired):
		log.Warn("publish skipped", fields...)
	default:
		log.Error("publish failed", fields...)
	}
}
