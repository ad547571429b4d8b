package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"postpilot/internal/media"
	"postpilot/internal/platform"
	"postpilot/internal/post"
	"postpilot/internal/storage"
)

// memStore is an in-memory PostStore, CredentialStore and AttemptJournal.
type memStore struct {
	mu       sync.Mutex
	posts    map[string]post.Post
	creds    []post.Credential
	attempts []storage.Attempt
	updates  int
	failDue  error
}

func newMemStore(posts ...post.Post) *memStore {
	s := &memStore{posts: map[string]post.Post{}}
	for _, p := range posts {
		s.posts[p.ID] = p
	}
	return s
}

func (s *memStore) FindDue(_ context.Context, now time.Time) ([]post.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDue != nil {
		return nil, s.failDue
	}
	var out []post.Post
	for _, p := range s.posts {
		if p.ScheduledAt != nil && !p.ScheduledAt.After(now) && !p.Posted {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetPost(_ context.Context, id string) (post.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return post.Post{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *memStore) UpdatePublishState(ctx context.Context, id string, st post.PublishState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return fmt.Errorf("post %s: %w", id, storage.ErrNotFound)
	}
	p.Status, p.Posted, p.ExternalPostIDs = st.Status, st.Posted, st.ExternalPostIDs
	s.posts[id] = p
	s.updates++
	return nil
}

func (s *memStore) FindCredential(_ context.Context, pl post.Platform, name string) (post.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds {
		if c.Platform == pl && c.DisplayName == name {
			return c, nil
		}
	}
	return post.Credential{}, storage.ErrNotFound
}

func (s *memStore) AppendAttempt(_ context.Context, a storage.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *memStore) get(id string) post.Post {
	p, _ := s.GetPost(context.Background(), id)
	return p
}

// fakeAdapter answers with id/err, or runs fn when set.
type fakeAdapter struct {
	platform post.Platform
	id       string
	err      error
	fn       func(ctx context.Context, p post.Post, cred post.Credential, m *media.Handle) (string, error)

	calls    atomic.Int32
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (a *fakeAdapter) Platform() post.Platform { return a.platform }

func (a *fakeAdapter) Publish(ctx context.Context, p post.Post, cred post.Credential, m *media.Handle) (string, error) {
	a.calls.Add(1)
	n := a.inflight.Add(1)
	defer a.inflight.Add(-1)
	for {
		cur := a.maxSeen.Load()
		if n <= cur || a.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	if a.fn != nil {
		return a.fn(ctx, p, cred, m)
	}
	return a.id, a.err
}

var errNetwork = errors.New("dial tcp: connection refused")

func scheduledPost(id string, ago time.Duration, targets ...post.Platform) post.Post {
	at := time.Now().Add(-ago)
	return post.Post{
		ID:                id,
		Content:           "hello world",
		ClientRef:         "client-1",
		ClientDisplayName: "Acme",
		ScheduledAt:       &at,
		TargetPlatforms:   targets,
		Status:            post.StatusScheduled,
	}
}

func acmeCreds() []post.Credential {
	return []post.Credential{
		{Platform: post.Facebook, DisplayName: "Acme", AccountID: "page-1", AccessToken: "fb-token"},
		{Platform: post.Instagram, DisplayName: "Acme", AccountID: "ig-1", AccessToken: "ig-token"},
		{Platform: post.Twitter, DisplayName: "Acme", AccountID: "tw-1", AccessToken: "tw-token", AccessSecret: "tw-secret"},
	}
}

var _ Adapters = (*platform.Registry)(nil)
