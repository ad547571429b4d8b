package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"postpilot/internal/task/engine"
	logx "postpilot/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
		canon    string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron", canon: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron", canon: "0 0 * * *"},
		{name: "descriptor", raw: "@every 90s", kind: SpecCron, source: "cron", canon: "@every 90s"},
		{name: "duration", raw: "1m", kind: SpecInterval, source: "duration", duration: time.Minute, canon: "@every 1m0s"},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second, canon: "@every 45s"},
		{name: "every prefix", raw: "EVERY: 2m", kind: SpecInterval, source: "duration", duration: 2 * time.Minute, canon: "@every 2m0s"},
		{name: "hhmm", raw: "00:01", kind: SpecInterval, source: "hhmm", duration: time.Minute, canon: "@every 1m0s"},
		{name: "hhmm hours", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute, canon: "@every 1h30m0s"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Source != tt.source {
				t.Fatalf("got kind %v source %s, want %v %s", got.Kind, got.Source, tt.kind, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if got.String() != tt.canon {
				t.Fatalf("String() = %q, want %q", got.String(), tt.canon)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "01:75", "-1m", "cron:", "interval:abc"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func newTestScheduler(t *testing.T, cfg Config) (*Service, *engine.Service) {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(cfg, eng, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s, eng
}

func TestAddScheduleRejectsBadCron(t *testing.T) {
	s, _ := newTestScheduler(t, Config{Enabled: true})
	if err := s.AddSchedule("x", "61 * * * *", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected cron parse error")
	}
	if err := s.AddSchedule("", "1m", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestRunOnStartTriggersEngine(t *testing.T) {
	s, _ := newTestScheduler(t, Config{Enabled: true, RunOnStart: true})
	ran := make(chan struct{}, 1)
	if err := s.AddSchedule("dispatch.cycle", "1h", time.Second, func(context.Context) error {
		ran <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	s.Start(context.Background())

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job not triggered on start")
	}
	snap := s.Snapshot()
	if !snap.Running || len(snap.Schedules) != 1 || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	s, _ := newTestScheduler(t, Config{Enabled: true})
	var skips atomic.Int32
	s.OnSkip(func(name string) {
		if name == "dispatch.cycle" {
			skips.Add(1)
		}
	})

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	if err := s.AddSchedule("dispatch.cycle", "1h", 0, func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	def := s.defs[0]

	s.trigger(def)
	<-started
	s.trigger(def)
	s.trigger(def)
	if skips.Load() != 2 {
		t.Fatalf("skips = %d, want 2", skips.Load())
	}
	if !s.Snapshot().Schedules[0].Running {
		t.Fatal("schedule not reported as running")
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for def.state.Running() {
		if time.Now().After(deadline) {
			t.Fatal("gate not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.trigger(def)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("tick after completion did not run")
	}
}

func TestReplaceKeepsGate(t *testing.T) {
	s, _ := newTestScheduler(t, Config{Enabled: true})
	job := func(context.Context) error { return nil }
	if err := s.AddSchedule("c", "1m", 0, job); err != nil {
		t.Fatal(err)
	}
	first := s.defs[0].state
	if err := s.AddSchedule("c", "2m", 0, job); err != nil {
		t.Fatal(err)
	}
	if len(s.defs) != 1 || s.defs[0].state != first || s.defs[0].spec.Every != 2*time.Minute {
		t.Fatalf("defs = %+v", s.defs)
	}
	if !s.Remove("c") || s.Remove("c") {
		t.Fatal("Remove should report once")
	}
}

func TestApplyPausesAndResumes(t *testing.T) {
	s, _ := newTestScheduler(t, Config{Enabled: true})
	s.Start(context.Background())
	if !s.Snapshot().Running {
		t.Fatal("not running after Start")
	}
	s.Apply(Config{Enabled: false})
	if s.Snapshot().Running {
		t.Fatal("still running after disable")
	}
	s.Apply(Config{Enabled: true, Timezone: "UTC"})
	snap := s.Snapshot()
	if !snap.Running || snap.Timezone != "UTC" {
		t.Fatalf("snapshot after resume = %+v", snap)
	}
}
