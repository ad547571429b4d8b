package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"postpilot/internal/media"
	"postpilot/internal/platform"
	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

var cred = post.Credential{Platform: post.Twitter, DisplayName: "Acme", AccountID: "42", AccessToken: "at", AccessSecret: "as"}

type fakeTwitter struct {
	mu       sync.Mutex
	commands []string
	appended []byte
	tweet    map[string]any
	auth     []string
	statuses []string
}

func (f *fakeTwitter) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.auth = append(f.auth, r.Header.Get("Authorization"))

		switch r.URL.Path {
		case "/upload":
			cmd := r.URL.Query().Get("command")
			if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
				if err := r.ParseMultipartForm(1 << 20); err != nil {
					t.Errorf("ParseMultipartForm: %v", err)
				}
				cmd = r.FormValue("command")
				file, _, err := r.FormFile("media")
				if err == nil {
					b, _ := io.ReadAll(file)
					_ = file.Close()
					f.appended = append(f.appended, b...)
				}
			} else if r.Method == http.MethodPost {
				_ = r.ParseForm()
				cmd = r.PostForm.Get("command")
			}
			if cmd == "" {
				cmd = "SIMPLE"
			}
			f.commands = append(f.commands, cmd)
			switch cmd {
			case "SIMPLE", "INIT":
				_, _ = io.WriteString(w, `{"media_id":710511363345354753,"media_id_string":"710511363345354753"}`)
			case "APPEND":
				w.WriteHeader(http.StatusNoContent)
			case "FINALIZE":
				_, _ = io.WriteString(w, `{"media_id_string":"710511363345354753","processing_info":{"state":"pending"}}`)
			case "STATUS":
				state := "succeeded"
				if len(f.statuses) > 0 {
					state, f.statuses = f.statuses[0], f.statuses[1:]
				}
				_, _ = io.WriteString(w, `{"media_id_string":"710511363345354753","processing_info":{"state":"`+state+`"}}`)
			}
		case "/2/tweets":
			_ = json.NewDecoder(r.Body).Decode(&f.tweet)
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"data":{"id":"1445880548472328192","text":"hi"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newAdapter(srv *httptest.Server, key string) *Adapter {
	client := platform.NewClient(post.Twitter, platform.ClientConfig{}, srv.Client(), logx.Nop())
	return New(Config{
		APIURL:         srv.URL,
		UploadURL:      srv.URL + "/upload",
		ConsumerKey:    key,
		ConsumerSecret: "cs",
		ChunkSize:      4,
		PollInterval:   time.Millisecond,
		HTTP:           srv.Client(),
	}, client, logx.Nop())
}

func staged(t *testing.T, name, body string, kind post.MediaKind, ct string) *media.Handle {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return &media.Handle{Kind: kind, ContentType: ct, Path: path, Size: int64(len(body))}
}

func TestPublishTextOnly(t *testing.T) {
	f := &fakeTwitter{}
	srv := f.server(t)

	id, err := newAdapter(srv, "ck").Publish(context.Background(), post.Post{Content: "hi"}, cred, nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id != "1445880548472328192" {
		t.Fatalf("id = %q", id)
	}
	if f.tweet["text"] != "hi" {
		t.Fatalf("tweet = %v", f.tweet)
	}
	if _, ok := f.tweet["media"]; ok {
		t.Fatal("text-only tweet must not reference media")
	}
	if len(f.auth) != 1 || !strings.HasPrefix(f.auth[0], "OAuth ") || !strings.Contains(f.auth[0], `oauth_consumer_key="ck"`) {
		t.Fatalf("Authorization = %v", f.auth)
	}
}

func TestPublishImage(t *testing.T) {
	f := &fakeTwitter{}
	srv := f.server(t)

	h := staged(t, "a.png", "png!", post.MediaImage, "image/png")
	if _, err := newAdapter(srv, "ck").Publish(context.Background(), post.Post{Content: "pic"}, cred, h); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(f.commands) != 1 || f.commands[0] != "SIMPLE" {
		t.Fatalf("commands = %v", f.commands)
	}
	m, _ := f.tweet["media"].(map[string]any)
	ids, _ := m["media_ids"].([]any)
	if len(ids) != 1 || ids[0] != "710511363345354753" {
		t.Fatalf("tweet media = %v", f.tweet["media"])
	}
}

func TestPublishVideoChunked(t *testing.T) {
	f := &fakeTwitter{statuses: []string{"in_progress", "succeeded"}}
	srv := f.server(t)

	h := staged(t, "clip.mp4", "0123456789", post.MediaVideo, "video/mp4")
	if _, err := newAdapter(srv, "ck").Publish(context.Background(), post.Post{Content: "vid"}, cred, h); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	want := []string{"INIT", "APPEND", "APPEND", "APPEND", "FINALIZE", "STATUS", "STATUS"}
	if strings.Join(f.commands, ",") != strings.Join(want, ",") {
		t.Fatalf("commands = %v, want %v", f.commands, want)
	}
	if string(f.appended) != "0123456789" {
		t.Fatalf("appended = %q", f.appended)
	}
}

func TestPublishVideoProcessingFailed(t *testing.T) {
	f := &fakeTwitter{statuses: []string{"failed"}}
	srv := f.server(t)

	h := staged(t, "clip.mp4", "0123", post.MediaVideo, "video/mp4")
	_, err := newAdapter(srv, "ck").Publish(context.Background(), post.Post{Content: "vid"}, cred, h)
	if !errors.Is(err, ErrProcessingFailed) {
		t.Fatalf("err = %v, want ErrProcessingFailed", err)
	}
	if f.tweet != nil {
		t.Fatal("tweet created after failed processing")
	}
}

func TestPublishRejectsBeforeNetwork(t *testing.T) {
	cases := []struct {
		name string
		key  string
		cred post.Credential
		m    *media.Handle
		want error
	}{
		{"missing consumer key", "", cred, nil, platform.ErrMissingCredentialField},
		{"missing token secret", "ck", post.Credential{AccessToken: "at"}, nil, platform.ErrMissingCredentialField},
		{"quicktime video", "ck", cred, &media.Handle{Kind: post.MediaVideo, ContentType: "video/quicktime", Path: "/nonexistent"}, media.ErrUnsupportedMedia},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeTwitter{}
			srv := f.server(t)
			_, err := newAdapter(srv, tc.key).Publish(context.Background(), post.Post{Content: "x"}, tc.cred, tc.m)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if len(f.auth) != 0 {
				t.Fatalf("network called %d times", len(f.auth))
			}
		})
	}
}
