package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"postpilot/internal/eventbus"
	"postpilot/internal/media"
	"postpilot/internal/platform"
	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

type harness struct {
	store    *memStore
	fb, ig   *fakeAdapter
	tw       *fakeAdapter
	disp     *Dispatcher
	orch     *Orchestrator
	bus      eventbus.Bus
	stagerTD string
}

func newHarness(t *testing.T, timeout time.Duration, posts ...post.Post) *harness {
	t.Helper()
	h := &harness{
		store: newMemStore(posts...),
		fb:    &fakeAdapter{platform: post.Facebook, id: "123"},
		ig:    &fakeAdapter{platform: post.Instagram, id: "ig-9"},
		tw:    &fakeAdapter{platform: post.Twitter, id: "tw-7"},
		bus:   eventbus.New(),
	}
	h.store.creds = acmeCreds()
	h.stagerTD = t.TempDir()
	stager := media.New(media.Config{TempDir: h.stagerTD}, nil, nil, logx.Nop())
	reg := platform.NewRegistry(h.fb, h.ig, h.tw)
	h.orch = NewOrchestrator(OrchestratorConfig{CallTimeout: timeout}, h.store, stager, reg, NewThrottle(0, 0), nil, logx.Nop())
	h.disp = New(Config{PostWorkers: 2},
		NewSelector(h.store), h.orch, NewUpdater(h.store, time.Second, logx.Nop()),
		h.store, h.bus, nil, logx.Nop())
	return h
}

func TestScenarioSinglePlatformSuccess(t *testing.T) {
	h := newHarness(t, time.Second, scheduledPost("p1", 5*time.Minute, post.Facebook))

	rep, err := h.disp.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	got := h.store.get("p1")
	if got.Status != post.StatusPosted || !got.Posted || got.ExternalPostIDs[post.Facebook] != "123" {
		t.Fatalf("post = %+v", got)
	}
	if rep.Due != 1 || rep.Posted != 1 || rep.Failed != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestScenarioMissingCredential(t *testing.T) {
	p := scheduledPost("p1", 5*time.Minute, post.Facebook)
	p.ClientDisplayName = "Nobody"
	h := newHarness(t, time.Second, p)

	if _, err := h.disp.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	got := h.store.get("p1")
	if h.fb.calls.Load() != 0 {
		t.Fatal("adapter called without credential")
	}
	if got.Status != post.StatusFailed || got.Posted || len(got.ExternalPostIDs) != 0 {
		t.Fatalf("post = %+v", got)
	}
	rep, _ := h.disp.LastReport()
	if reason := rep.Posts[0].Failures[post.Facebook]; !strings.Contains(reason, ErrCredentialNotFound.Error()) {
		t.Fatalf("failure reason = %q", reason)
	}
}

func TestScenarioPartialFailureStillPosted(t *testing.T) {
	h := newHarness(t, time.Second, scheduledPost("p1", time.Minute, post.Facebook, post.Twitter))
	h.tw.id, h.tw.err = "", errNetwork

	if _, err := h.disp.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	got := h.store.get("p1")
	if got.Status != post.StatusPosted || !got.Posted {
		t.Fatalf("status = %s posted = %v", got.Status, got.Posted)
	}
	if len(got.ExternalPostIDs) != 1 || got.ExternalPostIDs[post.Facebook] != "123" {
		t.Fatalf("external ids = %v", got.ExternalPostIDs)
	}
	if h.tw.calls.Load() != 1 {
		t.Fatal("twitter not attempted")
	}
}

func TestScenarioTwitterQuicktimeRejected(t *testing.T) {
	p := scheduledPost("p1", time.Minute, post.Twitter)
	p.Attachment = &post.Attachment{URL: "https://cdn.example/clip.mov", ContentType: "video/quicktime"}
	h := newHarness(t, time.Second, p)

	if _, err := h.disp.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if h.tw.calls.Load() != 0 {
		t.Fatal("adapter called for unsupported media")
	}
	if got := h.store.get("p1"); got.Status != post.StatusFailed || got.Posted {
		t.Fatalf("post = %+v", got)
	}
}

func TestScenarioSecondCycleSelectsNothing(t *testing.T) {
	h := newHarness(t, time.Second, scheduledPost("p1", time.Minute, post.Facebook))

	if _, err := h.disp.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	rep, err := h.disp.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if rep.Due != 0 {
		t.Fatalf("cycle 2 selected %d posts", rep.Due)
	}
	if h.fb.calls.Load() != 1 {
		t.Fatalf("facebook called %d times", h.fb.calls.Load())
	}
}

func TestFailedPostRetriedNextCycle(t *testing.T) {
	h := newHarness(t, time.Second, scheduledPost("p1", time.Minute, post.Facebook))
	h.fb.id, h.fb.err = "", errNetwork

	_, _ = h.disp.RunCycle(context.Background())
	if got := h.store.get("p1"); got.Status != post.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}

	h.fb.id, h.fb.err = "123", nil
	rep, _ := h.disp.RunCycle(context.Background())
	if rep.Due != 1 || rep.Posted != 1 {
		t.Fatalf("retry report = %+v", rep)
	}
}

func TestPerPlatformIndependence(t *testing.T) {
	h := newHarness(t, time.Second)
	h.fb.fn = func(context.Context, post.Post, post.Credential, *media.Handle) (string, error) {
		panic("adapter bug")
	}
	p := scheduledPost("p1", time.Minute, post.Facebook, post.Twitter, post.Instagram)

	res := h.orch.Dispatch(context.Background(), p)
	if len(res) != 3 {
		t.Fatalf("results = %v", res)
	}
	if res[post.Facebook].OK() || res[post.Facebook].Err == nil {
		t.Fatalf("facebook = %+v", res[post.Facebook])
	}
	if !res[post.Twitter].OK() || h.tw.calls.Load() != 1 {
		t.Fatalf("twitter = %+v", res[post.Twitter])
	}
	// text-only posts cannot go to instagram; the stager refuses before the adapter
	if !errors.Is(res[post.Instagram].Err, media.ErrMediaRequired) || h.ig.calls.Load() != 0 {
		t.Fatalf("instagram = %+v", res[post.Instagram])
	}
}

func TestExpiredCredentialIsFailure(t *testing.T) {
	h := newHarness(t, time.Second)
	past := time.Now().Add(-time.Hour)
	h.store.creds[0].ExpiresAt = &past

	res := h.orch.Dispatch(context.Background(), scheduledPost("p1", time.Minute, post.Facebook))
	if !errors.Is(res[post.Facebook].Err, ErrCredentialExpired) {
		t.Fatalf("err = %v", res[post.Facebook].Err)
	}
	if h.fb.calls.Load() != 0 {
		t.Fatal("adapter called with expired credential")
	}
}

func TestCallTimeout(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	h.fb.fn = func(ctx context.Context, _ post.Post, _ post.Credential, _ *media.Handle) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	start := time.Now()
	res := h.orch.Dispatch(context.Background(), scheduledPost("p1", time.Minute, post.Facebook, post.Twitter))
	if time.Since(start) > 2*time.Second {
		t.Fatal("hung adapter was not timed out")
	}
	if !errors.Is(res[post.Facebook].Err, context.DeadlineExceeded) {
		t.Fatalf("facebook err = %v", res[post.Facebook].Err)
	}
	if !res[post.Twitter].OK() {
		t.Fatalf("twitter = %+v", res[post.Twitter])
	}
}

func TestThrottleWaitIsBounded(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	fbCred := acmeCreds()[0]
	release, err := h.orch.throttle.Acquire(context.Background(), post.Facebook, fbCred)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	start := time.Now()
	res := h.orch.Dispatch(context.Background(), scheduledPost("p1", time.Minute, post.Facebook, post.Twitter))
	if time.Since(start) > 2*time.Second {
		t.Fatal("wait on a busy lane was not bounded")
	}
	if !errors.Is(res[post.Facebook].Err, context.DeadlineExceeded) {
		t.Fatalf("facebook err = %v", res[post.Facebook].Err)
	}
	if h.fb.calls.Load() != 0 {
		t.Fatal("adapter called without a lane")
	}
	if !res[post.Twitter].OK() {
		t.Fatalf("twitter = %+v", res[post.Twitter])
	}
}

func TestNoTargetsYieldsFailed(t *testing.T) {
	h := newHarness(t, time.Second, scheduledPost("p1", time.Minute))

	if _, err := h.disp.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := h.store.get("p1"); got.Status != post.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestShutdownKeepsAchievedSuccess(t *testing.T) {
	h := newHarness(t, 5*time.Second, scheduledPost("p1", time.Minute, post.Facebook, post.Twitter))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.tw.fn = func(ctx context.Context, _ post.Post, _ post.Credential, _ *media.Handle) (string, error) {
		for h.fb.calls.Load() == 0 || h.fb.inflight.Load() > 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	}

	if _, err := h.disp.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	got := h.store.get("p1")
	if !got.Posted || got.ExternalPostIDs[post.Facebook] != "123" {
		t.Fatalf("success lost on shutdown: %+v", got)
	}
	if _, ok := got.ExternalPostIDs[post.Twitter]; ok {
		t.Fatal("canceled platform recorded as published")
	}
}

func TestThrottleSerializesSameCredential(t *testing.T) {
	h := newHarness(t, time.Second,
		scheduledPost("p1", time.Minute, post.Facebook),
		scheduledPost("p2", time.Minute, post.Facebook),
		scheduledPost("p3", time.Minute, post.Facebook),
	)
	h.fb.fn = func(context.Context, post.Post, post.Credential, *media.Handle) (string, error) {
		time.Sleep(10 * time.Millisecond)
		return "123", nil
	}

	rep, err := h.disp.RunCycle(context.Background())
	if err != nil || rep.Posted != 3 {
		t.Fatalf("RunCycle = %+v, %v", rep, err)
	}
	if got := h.fb.maxSeen.Load(); got != 1 {
		t.Fatalf("max concurrent calls for one credential = %d, want 1", got)
	}
}

func TestJournalAndEvents(t *testing.T) {
	h := newHarness(t, time.Second, scheduledPost("p1", time.Minute, post.Facebook, post.Twitter))
	h.tw.id, h.tw.err = "", errNetwork
	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	rep, _ := h.disp.RunCycle(context.Background())

	if len(h.store.attempts) != 2 {
		t.Fatalf("journal has %d attempts", len(h.store.attempts))
	}
	for _, a := range h.store.attempts {
		if a.CycleID != rep.ID || a.PostID != "p1" {
			t.Fatalf("attempt = %+v", a)
		}
		if a.Platform == post.Twitter && (a.OK || a.Error == "") {
			t.Fatalf("twitter attempt = %+v", a)
		}
	}

	var types []string
	timeout := time.After(time.Second)
	for len(types) < 3 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-timeout:
			t.Fatalf("events = %v", types)
		}
	}
	want := []string{eventbus.CycleStarted, eventbus.PostPublished, eventbus.CycleFinished}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestSelectionErrorIsCycleError(t *testing.T) {
	h := newHarness(t, time.Second)
	h.store.failDue = errors.New("database is locked")

	rep, err := h.disp.RunCycle(context.Background())
	if err == nil || rep.Error == "" {
		t.Fatalf("RunCycle = %+v, %v", rep, err)
	}
	if last, ok := h.disp.LastReport(); !ok || last.ID != rep.ID {
		t.Fatal("failed cycle not recorded as last report")
	}
}
