package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postpilot/internal/task/engine"
	logx "postpilot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name, e.g. "Europe/Berlin"

	// RunOnStart fires every interval schedule once right after Start instead
	// of waiting a full interval.
	RunOnStart bool
}

type TaskOptions = engine.TaskOptions

// SkipFunc observes a tick dropped because the previous run is still going.
type SkipFunc func(name string)

type scheduleDef struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	job     func(ctx context.Context) error
	opt     TaskOptions
	state   *engine.RunState
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine *engine.Service

	parser  cron.Parser
	c       *cron.Cron
	started bool
	defs    []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
	onSkipFn    SkipFunc
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Running bool          `json:"running"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Running   bool            `json:"running"`
	Timezone  string          `json:"timezone"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Engine    engine.Snapshot `json:"engine"`
}
