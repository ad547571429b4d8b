package storage

import (
	"context"
	"errors"
	"time"

	"postpilot/internal/post"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	// ErrCorruptRow marks a stored post whose encoded columns cannot be decoded.
	ErrCorruptRow = errors.New("corrupt post row")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// PostStore is the dispatcher's view of posts.
type PostStore interface {
	// FindDue returns posts with scheduled_at <= now and posted = false,
	// ordered by scheduled_at then id. Status is not filtered.
	FindDue(ctx context.Context, now time.Time) ([]post.Post, error)
	GetPost(ctx context.Context, id string) (post.Post, error)
	// UpdatePublishState writes status, posted and external ids in one statement.
	UpdatePublishState(ctx context.Context, id string, st post.PublishState) error
}

// CredentialStore resolves credentials by the post's denormalized display name.
type CredentialStore interface {
	// FindCredential returns the first stored credential matching (platform, name)
	// in insertion order, or ErrNotFound.
	FindCredential(ctx context.Context, platform post.Platform, displayName string) (post.Credential, error)
}

// AttemptJournal records publish attempts for diagnosis.
type AttemptJournal interface {
	AppendAttempt(ctx context.Context, a Attempt) error
}

// Store bundles everything the process needs from persistence.
//
// SavePost and PutCredential exist for the authoring/OAuth collaborators and tooling;
// the dispatcher itself never calls them.
type Store interface {
	PostStore
	CredentialStore
	AttemptJournal

	SavePost(ctx context.Context, p post.Post) error
	PutCredential(ctx context.Context, c post.Credential) error
	ListAttempts(ctx context.Context, postID string) ([]Attempt, error)
	Close() error
}

// Attempt is one journaled publish attempt.
// Keep it compact and schema-stable.
type Attempt struct {
	At         time.Time
	CycleID    string
	PostID     string
	Platform   post.Platform
	OK         bool
	ExternalID string
	Error      string
	TookMS     int64
}
