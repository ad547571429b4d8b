package dispatch

import (
	"context"
	"errors"
	"time"

	"postpilot/internal/post"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// Updater persists the outcome of one post's dispatch.
//
// Any platform success marks the whole post posted. Failures on the other
// platforms are then only visible in the attempt journal and logs.
type Updater struct {
	store   storage.PostStore
	timeout time.Duration
	log     logx.Logger
}

func NewUpdater(store storage.PostStore, timeout time.Duration, log logx.Logger) *Updater {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Updater{store: store, timeout: timeout, log: log}
}

// Merge applies results to p without touching the store.
func Merge(p post.Post, results map[post.Platform]post.Result) post.Post {
	ids := make(map[post.Platform]string, len(p.ExternalPostIDs)+len(results))
	for k, v := range p.ExternalPostIDs {
		ids[k] = v
	}
	anyOK := false
	for pl, r := range results {
		if !r.OK() {
			continue
		}
		ids[pl] = r.ExternalID
		anyOK = true
	}
	p.ExternalPostIDs = ids

	switch {
	case anyOK:
		p.Posted = true
		p.Status = post.StatusPosted
	case p.Posted:
		// already confirmed by an earlier run; a failed retry does not demote it
	default:
		p.Status = post.StatusFailed
	}
	return p
}

// Apply merges results into p and writes the publish state.
//
// The write runs detached from ctx cancellation so an in-flight shutdown
// still records successes that already happened remotely.
func (u *Updater) Apply(ctx context.Context, p post.Post, results map[post.Platform]post.Result) (post.Post, error) {
	next := Merge(p, results)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.timeout)
	defer cancel()

	err := u.store.UpdatePublishState(wctx, p.ID, post.PublishState{
		Status:          next.Status,
		Posted:          next.Posted,
		ExternalPostIDs: next.ExternalPostIDs,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			u.log.Warn("post vanished before state update", logx.String("post", p.ID))
		}
		return p, err
	}
	return next, nil
}
