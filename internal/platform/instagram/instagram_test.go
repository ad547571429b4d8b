package instagram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"postpilot/internal/media"
	"postpilot/internal/platform"
	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

var cred = post.Credential{Platform: post.Instagram, DisplayName: "Acme", AccountID: "ig1", AccessToken: "tok"}

type fakeGraph struct {
	mu       sync.Mutex
	paths    []string
	forms    []map[string]string
	statuses []string
}

func (f *fakeGraph) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		fields := map[string]string{}
		for k, v := range r.PostForm {
			fields[k] = v[0]
		}
		f.mu.Lock()
		f.paths = append(f.paths, r.Method+" "+r.URL.Path)
		f.forms = append(f.forms, fields)
		var next string
		if r.Method == http.MethodGet && len(f.statuses) > 0 {
			next, f.statuses = f.statuses[0], f.statuses[1:]
		}
		f.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/ig1/media":
			_, _ = io.WriteString(w, `{"id":"c1"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/c1":
			_, _ = io.WriteString(w, `{"status_code":"`+next+`","id":"c1"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/ig1/media_publish":
			_, _ = io.WriteString(w, `{"id":"ig-post-1"}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newAdapter(srv *httptest.Server, attempts int) *Adapter {
	client := platform.NewClient(post.Instagram, platform.ClientConfig{}, srv.Client(), logx.Nop())
	return New(Config{GraphURL: srv.URL, PollInterval: time.Millisecond, PollAttempts: attempts}, client, logx.Nop())
}

func TestPublishImage(t *testing.T) {
	f := &fakeGraph{}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	id, err := newAdapter(srv, 3).Publish(context.Background(), post.Post{Content: "caption"}, cred,
		&media.Handle{Kind: post.MediaImage, URL: "https://cdn.example/a.jpg"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id != "ig-post-1" {
		t.Fatalf("id = %q", id)
	}
	if len(f.paths) != 2 || f.paths[0] != "POST /ig1/media" || f.paths[1] != "POST /ig1/media_publish" {
		t.Fatalf("paths = %v", f.paths)
	}
	if f.forms[0]["image_url"] != "https://cdn.example/a.jpg" || f.forms[0]["caption"] != "caption" {
		t.Fatalf("container form = %v", f.forms[0])
	}
	if f.forms[1]["creation_id"] != "c1" {
		t.Fatalf("publish form = %v", f.forms[1])
	}
}

func TestPublishVideoPollsContainer(t *testing.T) {
	f := &fakeGraph{statuses: []string{"IN_PROGRESS", "IN_PROGRESS", "FINISHED"}}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	id, err := newAdapter(srv, 5).Publish(context.Background(), post.Post{Content: "reel"}, cred,
		&media.Handle{Kind: post.MediaVideo, URL: "https://cdn.example/r.mp4"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id != "ig-post-1" {
		t.Fatalf("id = %q", id)
	}
	if f.forms[0]["media_type"] != "REELS" || f.forms[0]["video_url"] == "" {
		t.Fatalf("container form = %v", f.forms[0])
	}
	if got := len(f.paths); got != 5 {
		t.Fatalf("got %d requests (%v), want create + 3 polls + publish", got, f.paths)
	}
}

func TestPublishVideoContainerError(t *testing.T) {
	f := &fakeGraph{statuses: []string{"ERROR"}}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	_, err := newAdapter(srv, 5).Publish(context.Background(), post.Post{Content: "reel"}, cred,
		&media.Handle{Kind: post.MediaVideo, URL: "https://cdn.example/r.mp4"})
	if !errors.Is(err, ErrContainerFailed) {
		t.Fatalf("err = %v, want ErrContainerFailed", err)
	}
	for _, p := range f.paths {
		if p == "POST /ig1/media_publish" {
			t.Fatal("failed container must not be published")
		}
	}
}

func TestPublishVideoNotReady(t *testing.T) {
	f := &fakeGraph{statuses: []string{"IN_PROGRESS", "IN_PROGRESS"}}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	_, err := newAdapter(srv, 2).Publish(context.Background(), post.Post{Content: "reel"}, cred,
		&media.Handle{Kind: post.MediaVideo, URL: "https://cdn.example/r.mp4"})
	if !errors.Is(err, ErrContainerNotReady) {
		t.Fatalf("err = %v, want ErrContainerNotReady", err)
	}
}

func TestPublishRequiresMedia(t *testing.T) {
	f := &fakeGraph{}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	_, err := newAdapter(srv, 1).Publish(context.Background(), post.Post{Content: "text"}, cred, nil)
	if !errors.Is(err, media.ErrMediaRequired) {
		t.Fatalf("err = %v", err)
	}
	if len(f.paths) != 0 {
		t.Fatalf("network called: %v", f.paths)
	}
}

func TestPublishEscapesAccountID(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.EscapedPath())
		mu.Unlock()
		_, _ = io.WriteString(w, `{"id":"c1"}`)
	}))
	defer srv.Close()

	odd := cred
	odd.AccountID = "ig1/../admin"
	if _, err := newAdapter(srv, 1).Publish(context.Background(), post.Post{Content: "x"}, odd,
		&media.Handle{Kind: post.MediaImage, URL: "https://cdn.example/a.jpg"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	want := []string{"/ig1%2F..%2Fadmin/media", "/ig1%2F..%2Fadmin/media_publish"}
	if len(paths) != len(want) || paths[0] != want[0] || paths[1] != want[1] {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
}
