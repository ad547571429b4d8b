package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"postpilot/internal/post"
)

func TestObserve(t *testing.T) {
	m := New()

	m.ObserveCycle(time.Second, 3, nil)
	m.ObserveCycle(time.Second, 0, errors.New("store down"))
	m.CycleSkipped()
	m.ObservePost(post.StatusPosted)
	m.ObservePublish(post.Result{Platform: post.Facebook, ExternalID: "1"})
	m.ObservePublish(post.Result{Platform: post.Twitter, Err: errors.New("boom")})
	m.AddStagedBytes(1024)

	if got := testutil.ToFloat64(m.cycles.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok cycles = %v", got)
	}
	if got := testutil.ToFloat64(m.cycles.WithLabelValues("error")); got != 1 {
		t.Fatalf("error cycles = %v", got)
	}
	if got := testutil.ToFloat64(m.cyclesSkipped); got != 1 {
		t.Fatalf("skipped = %v", got)
	}
	if got := testutil.ToFloat64(m.publishes.WithLabelValues("twitter", "error")); got != 1 {
		t.Fatalf("twitter errors = %v", got)
	}
	if got := testutil.ToFloat64(m.stagedBytes); got != 1024 {
		t.Fatalf("staged bytes = %v", got)
	}
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCycle(time.Second, 1, nil)
	m.CycleSkipped()
	m.ObservePost(post.StatusFailed)
	m.ObservePublish(post.Result{Platform: post.Facebook})
	m.AddStagedBytes(1)
}
