// Package dispatch runs the publish pipeline: select due posts, publish
// each one to its target platforms and persist the merged outcome.
package dispatch

import (
	"context"
	"sort"
	"time"

	"postpilot/internal/post"
	"postpilot/internal/storage"
)

// Selector returns posts whose scheduled time has passed and which no
// platform has confirmed yet.
type Selector struct {
	store storage.PostStore
}

func NewSelector(store storage.PostStore) *Selector {
	return &Selector{store: store}
}

// SelectDue returns due posts ordered by scheduled time, then id.
// Status is not consulted, so posts left failed by an earlier cycle are
// picked up again. Posted posts are filtered here even if the store
// returns them.
func (s *Selector) SelectDue(ctx context.Context, now time.Time) ([]post.Post, error) {
	rows, err := s.store.FindDue(ctx, now)
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, p := range rows {
		if p.DueAt(now) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].ScheduledAt, out[j].ScheduledAt
		if !a.Equal(*b) {
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
