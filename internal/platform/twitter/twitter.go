// Package twitter publishes tweets with OAuth 1.0a user context.
//
// Images go through the simple media upload; mp4 video goes through the
// chunked INIT/APPEND/FINALIZE upload and waits for processing when the
// upload endpoint asks for it.
package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dghubble/oauth1"

	"postpilot/internal/media"
	"postpilot/internal/platform"
	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

const (
	DefaultAPIURL    = "https://api.twitter.com"
	DefaultUploadURL = "https://upload.twitter.com/1.1/media/upload.json"

	defaultChunkSize = 4 << 20
)

var ErrProcessingFailed = errors.New("media processing failed")

type Config struct {
	APIURL         string
	UploadURL      string
	ConsumerKey    string
	ConsumerSecret string
	ChunkSize      int
	// PollAttempts bounds STATUS checks while a video is processed.
	PollAttempts int
	// PollInterval is used when the upload response carries no check_after_secs.
	PollInterval time.Duration
	// HTTP is the base client the signer wraps.
	HTTP *http.Client
}

type Adapter struct {
	cfg    Config
	client *platform.Client
	log    logx.Logger
}

func New(cfg Config, client *platform.Client, log logx.Logger) *Adapter {
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if strings.TrimSpace(cfg.UploadURL) == "" {
		cfg.UploadURL = DefaultUploadURL
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 30
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, client: client, log: log.With(logx.String("platform", string(post.Twitter)))}
}

func (a *Adapter) Platform() post.Platform { return post.Twitter }

func (a *Adapter) Publish(ctx context.Context, p post.Post, cred post.Credential, m *media.Handle) (string, error) {
	var missing []string
	for _, f := range []struct{ name, v string }{
		{"consumer_key", a.cfg.ConsumerKey},
		{"consumer_secret", a.cfg.ConsumerSecret},
		{"access_token", cred.AccessToken},
		{"access_token_secret", cred.AccessSecret},
	} {
		if strings.TrimSpace(f.v) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return "", platform.MissingField(post.Twitter, missing...)
	}
	if m != nil && m.Kind == post.MediaVideo && m.ContentType != media.TwitterVideoType {
		return "", fmt.Errorf("twitter: video content type %q: %w", m.ContentType, media.ErrUnsupportedMedia)
	}

	client := a.client.WithHTTP(a.signer(ctx, cred))

	var mediaIDs []string
	if m != nil {
		var (
			id  string
			err error
		)
		switch m.Kind {
		case post.MediaImage:
			id, err = a.uploadSimple(ctx, client, m)
		case post.MediaVideo:
			id, err = a.uploadChunked(ctx, client, m)
		default:
			err = fmt.Errorf("%s: %w", m.Kind, media.ErrUnsupportedMedia)
		}
		if err != nil {
			return "", fmt.Errorf("twitter media upload: %w", err)
		}
		mediaIDs = append(mediaIDs, id)
	}

	id, err := a.createTweet(ctx, client, p.Content, mediaIDs)
	if err != nil {
		return "", fmt.Errorf("twitter create tweet: %w", err)
	}
	return id, nil
}

func (a *Adapter) signer(ctx context.Context, cred post.Credential) *http.Client {
	if a.cfg.HTTP != nil {
		ctx = context.WithValue(ctx, oauth1.HTTPClient, a.cfg.HTTP)
	}
	cfg := oauth1.NewConfig(a.cfg.ConsumerKey, a.cfg.ConsumerSecret)
	return cfg.Client(ctx, oauth1.NewToken(cred.AccessToken, cred.AccessSecret))
}

type uploadResponse struct {
	MediaIDString  string          `json:"media_id_string"`
	ProcessingInfo *processingInfo `json:"processing_info"`
}

type processingInfo struct {
	State          string `json:"state"`
	CheckAfterSecs int    `json:"check_after_secs"`
	Error          *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) uploadSimple(ctx context.Context, client *platform.Client, m *media.Handle) (string, error) {
	body, contentType, err := platform.MultipartFile(nil, "media", m)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.UploadURL, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)

	var out uploadResponse
	if err := client.DoJSON(req, &out); err != nil {
		return "", err
	}
	if out.MediaIDString == "" {
		return "", fmt.Errorf("upload: %w", platform.ErrNoID)
	}
	return out.MediaIDString, nil
}

func (a *Adapter) uploadChunked(ctx context.Context, client *platform.Client, m *media.Handle) (string, error) {
	start := url.Values{}
	start.Set("command", "INIT")
	start.Set("total_bytes", strconv.FormatInt(m.Size, 10))
	start.Set("media_type", m.ContentType)
	start.Set("media_category", "tweet_video")
	var out uploadResponse
	if err := a.form(ctx, client, start, &out); err != nil {
		return "", fmt.Errorf("INIT: %w", err)
	}
	mediaID := out.MediaIDString
	if mediaID == "" {
		return "", fmt.Errorf("INIT: %w", platform.ErrNoID)
	}

	f, err := m.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()

	chunk := make([]byte, a.cfg.ChunkSize)
	for segment := 0; ; segment++ {
		n, rerr := io.ReadFull(f, chunk)
		if n > 0 {
			body, contentType, err := platform.MultipartBytes(map[string]string{
				"command":       "APPEND",
				"media_id":      mediaID,
				"segment_index": strconv.Itoa(segment),
			}, "media", m.Name(), chunk[:n])
			if err != nil {
				return "", err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.UploadURL, body)
			if err != nil {
				return "", err
			}
			req.Header.Set("Content-Type", contentType)
			if err := client.DoJSON(req, nil); err != nil {
				return "", fmt.Errorf("APPEND %d: %w", segment, err)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return "", rerr
		}
	}

	fin := url.Values{}
	fin.Set("command", "FINALIZE")
	fin.Set("media_id", mediaID)
	out = uploadResponse{}
	if err := a.form(ctx, client, fin, &out); err != nil {
		return "", fmt.Errorf("FINALIZE: %w", err)
	}
	if err := a.waitProcessed(ctx, client, mediaID, out.ProcessingInfo); err != nil {
		return "", err
	}
	return mediaID, nil
}

func (a *Adapter) waitProcessed(ctx context.Context, client *platform.Client, mediaID string, info *processingInfo) error {
	for i := 0; info != nil; i++ {
		switch info.State {
		case "succeeded", "":
			return nil
		case "failed":
			msg := ""
			if info.Error != nil {
				msg = info.Error.Message
			}
			return fmt.Errorf("%s: %w", msg, ErrProcessingFailed)
		}
		if i >= a.cfg.PollAttempts {
			return fmt.Errorf("still %s after %d checks: %w", info.State, i, ErrProcessingFailed)
		}

		wait := time.Duration(info.CheckAfterSecs) * time.Second
		if wait <= 0 {
			wait = a.cfg.PollInterval
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		q := url.Values{}
		q.Set("command", "STATUS")
		q.Set("media_id", mediaID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.UploadURL+"?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		var out uploadResponse
		if err := client.DoJSON(req, &out); err != nil {
			return fmt.Errorf("STATUS: %w", err)
		}
		info = out.ProcessingInfo
	}
	return nil
}

func (a *Adapter) form(ctx context.Context, client *platform.Client, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.UploadURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return client.DoJSON(req, out)
}

func (a *Adapter) createTweet(ctx context.Context, client *platform.Client, text string, mediaIDs []string) (string, error) {
	payload := map[string]any{"text": text}
	if len(mediaIDs) > 0 {
		payload["media"] = map[string]any{"media_ids": mediaIDs}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIURL+"/2/tweets", strings.NewReader(string(b)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Data struct {
			ID platform.ID `json:"id"`
		} `json:"data"`
	}
	if err := client.DoJSON(req, &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("create tweet: %w", platform.ErrNoID)
	}
	return string(out.Data.ID), nil
}
