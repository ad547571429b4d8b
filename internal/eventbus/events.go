package eventbus

import "time"

const (
	CycleStarted  = "cycle.started"
	CycleFinished = "cycle.finished"
	PostPublished = "post.published"
	PostFailed    = "post.failed"
	CycleSkipped  = "cycle.skipped"

	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskSkipped  = "task.skipped"
	TaskDropped  = "task.dropped"
)

// CycleEvent is the Data of cycle.* events.
type CycleEvent struct {
	CycleID  string        `json:"cycle_id"`
	Due      int           `json:"due"`
	Posted   int           `json:"posted"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// PostEvent is the Data of post.* events. Failures maps platform to reason.
type PostEvent struct {
	CycleID     string            `json:"cycle_id"`
	PostID      string            `json:"post_id"`
	Status      string            `json:"status"`
	ExternalIDs map[string]string `json:"external_ids,omitempty"`
	Failures    map[string]string `json:"failures,omitempty"`
}
