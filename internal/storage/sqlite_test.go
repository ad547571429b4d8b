package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "posts.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func at(t time.Time) *time.Time { return &t }

func TestFindDueFiltersAndOrders(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	posts := []post.Post{
		{ID: "late", Content: "c", ScheduledAt: at(now.Add(-time.Minute)), TargetPlatforms: []post.Platform{post.Facebook}},
		{ID: "old", Content: "c", ScheduledAt: at(now.Add(-72 * time.Hour)), TargetPlatforms: []post.Platform{post.Twitter}},
		{ID: "future", Content: "c", ScheduledAt: at(now.Add(time.Hour))},
		{ID: "draft", Content: "c"},
		{ID: "done", Content: "c", ScheduledAt: at(now.Add(-time.Hour)), Posted: true, Status: post.StatusPosted,
			ExternalPostIDs: map[post.Platform]string{post.Facebook: "1"}},
		{ID: "retry", Content: "c", ScheduledAt: at(now.Add(-2 * time.Minute)), Status: post.StatusFailed},
	}
	for _, p := range posts {
		if err := st.SavePost(ctx, p); err != nil {
			t.Fatalf("SavePost(%s): %v", p.ID, err)
		}
	}

	due, err := st.FindDue(ctx, now)
	if err != nil {
		t.Fatalf("FindDue: %v", err)
	}
	want := []string{"old", "retry", "late"}
	if len(due) != len(want) {
		t.Fatalf("FindDue returned %d posts, want %d", len(due), len(want))
	}
	for i, id := range want {
		if due[i].ID != id {
			t.Fatalf("due[%d] = %s, want %s", i, due[i].ID, id)
		}
	}
	if due[0].TargetPlatforms[0] != post.Twitter {
		t.Fatalf("target platforms not round-tripped: %v", due[0].TargetPlatforms)
	}
	if due[1].Status != post.StatusFailed {
		t.Fatalf("retry status = %s, want failed", due[1].Status)
	}
}

func TestFindDueSkipsCorruptRows(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	for i, id := range []string{"a-good", "b-bad", "c-good", "d-bad"} {
		p := post.Post{ID: id, Content: "c", ScheduledAt: at(now.Add(-time.Duration(4-i) * time.Minute)),
			TargetPlatforms: []post.Platform{post.Facebook}}
		if err := st.SavePost(ctx, p); err != nil {
			t.Fatalf("SavePost(%s): %v", id, err)
		}
	}
	db := st.(*sqliteStore).db
	if _, err := db.Exec(`UPDATE posts SET external_post_ids = 'not json' WHERE id = 'b-bad'`); err != nil {
		t.Fatalf("corrupt ids: %v", err)
	}
	if _, err := db.Exec(`UPDATE posts SET target_platforms = '{' WHERE id = 'd-bad'`); err != nil {
		t.Fatalf("corrupt platforms: %v", err)
	}

	due, err := st.FindDue(ctx, now)
	if err != nil {
		t.Fatalf("FindDue: %v", err)
	}
	if len(due) != 2 || due[0].ID != "a-good" || due[1].ID != "c-good" {
		t.Fatalf("due = %v, want a-good and c-good", due)
	}

	if _, err := st.GetPost(ctx, "b-bad"); !errors.Is(err, ErrCorruptRow) {
		t.Fatalf("GetPost(b-bad) err = %v, want ErrCorruptRow", err)
	}
}

func TestUpdatePublishStateRemovesFromDue(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	p := post.Post{ID: "p1", Content: "hello", ScheduledAt: at(now.Add(-5 * time.Minute)),
		TargetPlatforms: []post.Platform{post.Facebook},
		Attachment:      &post.Attachment{URL: "https://cdn.example/a.png", ContentType: "image/png"}}
	if err := st.SavePost(ctx, p); err != nil {
		t.Fatalf("SavePost: %v", err)
	}

	err := st.UpdatePublishState(ctx, "p1", post.PublishState{
		Status:          post.StatusPosted,
		Posted:          true,
		ExternalPostIDs: map[post.Platform]string{post.Facebook: "123"},
	})
	if err != nil {
		t.Fatalf("UpdatePublishState: %v", err)
	}

	got, err := st.GetPost(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if !got.Posted || got.Status != post.StatusPosted || got.ExternalPostIDs[post.Facebook] != "123" {
		t.Fatalf("unexpected post state: %+v", got)
	}
	if got.Attachment == nil || got.Attachment.ContentType != "image/png" {
		t.Fatalf("attachment lost: %+v", got.Attachment)
	}

	due, err := st.FindDue(ctx, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("FindDue: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("posted post selected again: %+v", due)
	}
}

func TestUpdatePublishStateMissingPost(t *testing.T) {
	st := openTestStore(t)
	err := st.UpdatePublishState(context.Background(), "nope", post.PublishState{Status: post.StatusFailed})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := st.GetPost(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPost err = %v, want ErrNotFound", err)
	}
}

func TestFindCredentialFirstMatchWins(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Truncate(time.Millisecond)

	creds := []post.Credential{
		{Platform: post.Facebook, DisplayName: "Acme", AccountID: "page-1", AccessToken: "tok-1", ExpiresAt: &exp},
		{Platform: post.Facebook, DisplayName: "Acme", AccountID: "page-2", AccessToken: "tok-2"},
		{Platform: post.Twitter, DisplayName: "Acme", AccountID: "tw", AccessToken: "t", AccessSecret: "s"},
	}
	for _, c := range creds {
		if err := st.PutCredential(ctx, c); err != nil {
			t.Fatalf("PutCredential: %v", err)
		}
	}

	got, err := st.FindCredential(ctx, post.Facebook, "Acme")
	if err != nil {
		t.Fatalf("FindCredential: %v", err)
	}
	if got.AccountID != "page-1" {
		t.Fatalf("AccountID = %s, want page-1 (first match)", got.AccountID)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Fatalf("ExpiresAt = %v, want %v", got.ExpiresAt, exp)
	}

	tw, err := st.FindCredential(ctx, post.Twitter, "Acme")
	if err != nil {
		t.Fatalf("FindCredential twitter: %v", err)
	}
	if tw.AccessSecret != "s" {
		t.Fatalf("AccessSecret = %q", tw.AccessSecret)
	}

	if _, err := st.FindCredential(ctx, post.Instagram, "Acme"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := st.FindCredential(ctx, post.Facebook, "acme"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup must be exact on display name, err = %v", err)
	}
}

func TestAttemptJournal(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.AppendAttempt(ctx, Attempt{CycleID: "c1", PostID: "p1", Platform: post.Facebook, OK: true, ExternalID: "123", TookMS: 12}); err != nil {
		t.Fatalf("AppendAttempt: %v", err)
	}
	if err := st.AppendAttempt(ctx, Attempt{CycleID: "c1", PostID: "p1", Platform: post.Twitter, Error: "boom"}); err != nil {
		t.Fatalf("AppendAttempt: %v", err)
	}

	got, err := st.ListAttempts(ctx, "p1")
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !got[0].OK || got[0].ExternalID != "123" || got[0].At.IsZero() {
		t.Fatalf("unexpected first attempt: %+v", got[0])
	}
	if got[1].OK || got[1].Error != "boom" {
		t.Fatalf("unexpected second attempt: %+v", got[1])
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}
