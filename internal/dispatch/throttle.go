package dispatch

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"postpilot/internal/post"
)

// lane gates calls for one (platform, account) pair: at most one call in
// flight plus a token bucket across calls.
type lane struct {
	sem chan struct{}
	lim *rate.Limiter
}

func newLane(r rate.Limit, burst int) *lane {
	l := &lane{sem: make(chan struct{}, 1)}
	l.sem <- struct{}{}
	if r > 0 {
		if burst <= 0 {
			burst = 1
		}
		l.lim = rate.NewLimiter(r, burst)
	}
	return l
}

// Throttle hands out lanes keyed by platform and credential account.
// Posts of the same tenant share a lane even when dispatched concurrently.
type Throttle struct {
	mu    sync.Mutex
	lanes map[string]*lane
	rate  rate.Limit
	burst int
}

// NewThrottle creates a throttle. perSecond <= 0 disables the token bucket
// but keeps per-key serialization.
func NewThrottle(perSecond float64, burst int) *Throttle {
	return &Throttle{
		lanes: make(map[string]*lane),
		rate:  rate.Limit(perSecond),
		burst: burst,
	}
}

func throttleKey(p post.Platform, cred post.Credential) string {
	account := strings.TrimSpace(cred.AccountID)
	if account == "" {
		account = "name:" + cred.DisplayName
	}
	return string(p) + "/" + account
}

func (t *Throttle) get(key string) *lane {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.lanes[key]
	if l == nil {
		l = newLane(t.rate, t.burst)
		t.lanes[key] = l
	}
	return l
}

// Acquire blocks until the lane for (p, cred) is free and a token is
// available. The returned release must be called exactly once.
func (t *Throttle) Acquire(ctx context.Context, p post.Platform, cred post.Credential) (func(), error) {
	if t == nil {
		return func() {}, nil
	}
	l := t.get(throttleKey(p, cred))

	select {
	case <-l.sem:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() {
		select {
		case l.sem <- struct{}{}:
		default:
		}
	}
	if l.lim != nil {
		if err := l.lim.Wait(ctx); err != nil {
			release()
			return nil, err
		}
	}
	return release, nil
}

// Lanes returns the number of keys seen so far.
func (t *Throttle) Lanes() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lanes)
}
