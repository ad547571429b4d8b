package post

import "time"

// Result is one (post, platform) publish attempt outcome within a cycle.
// It is never persisted as post state; the attempt journal keeps a copy for diagnosis.
type Result struct {
	Platform   Platform
	ExternalID string
	Err        error
	Took       time.Duration
}

func (r Result) OK() bool { return r.Err == nil && r.ExternalID != "" }

// Reason returns the failure text ("" on success).
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
