// Package instagram publishes through the Instagram Graph content API:
// create a media container from a public URL, wait for it when it is a
// video, then publish the container.
package instagram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"postpilot/internal/media"
	"postpilot/internal/platform"
	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

const DefaultGraphURL = "https://graph.facebook.com/v19.0"

var (
	ErrContainerFailed   = errors.New("media container failed")
	ErrContainerNotReady = errors.New("media container not ready")
)

type Config struct {
	GraphURL     string
	PollInterval time.Duration
	PollAttempts int
}

type Adapter struct {
	graph    string
	interval time.Duration
	attempts int
	client   *platform.Client
	log      logx.Logger
}

func New(cfg Config, client *platform.Client, log logx.Logger) *Adapter {
	graph := strings.TrimRight(strings.TrimSpace(cfg.GraphURL), "/")
	if graph == "" {
		graph = DefaultGraphURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 24
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		graph:    graph,
		interval: cfg.PollInterval,
		attempts: cfg.PollAttempts,
		client:   client,
		log:      log.With(logx.String("platform", string(post.Instagram))),
	}
}

func (a *Adapter) Platform() post.Platform { return post.Instagram }

func (a *Adapter) Publish(ctx context.Context, p post.Post, cred post.Credential, m *media.Handle) (string, error) {
	var missing []string
	if strings.TrimSpace(cred.AccountID) == "" {
		missing = append(missing, "ig_user_id")
	}
	if strings.TrimSpace(cred.AccessToken) == "" {
		missing = append(missing, "access_token")
	}
	if len(missing) > 0 {
		return "", platform.MissingField(post.Instagram, missing...)
	}
	if m == nil || m.URL == "" {
		return "", fmt.Errorf("instagram: %w", media.ErrMediaRequired)
	}

	form := url.Values{}
	form.Set("caption", p.Content)
	form.Set("access_token", cred.AccessToken)
	switch m.Kind {
	case post.MediaImage:
		form.Set("image_url", m.URL)
	case post.MediaVideo:
		form.Set("video_url", m.URL)
		form.Set("media_type", "REELS")
	default:
		return "", fmt.Errorf("instagram: %s: %w", m.Kind, media.ErrUnsupportedMedia)
	}

	containerID, err := a.post(ctx, cred.AccountID, "media", form)
	if err != nil {
		return "", fmt.Errorf("instagram create container: %w", err)
	}

	if m.Kind == post.MediaVideo {
		if err := a.waitReady(ctx, cred, containerID); err != nil {
			return "", fmt.Errorf("instagram container %s: %w", containerID, err)
		}
	}

	pub := url.Values{}
	pub.Set("creation_id", containerID)
	pub.Set("access_token", cred.AccessToken)
	id, err := a.post(ctx, cred.AccountID, "media_publish", pub)
	if err != nil {
		return "", fmt.Errorf("instagram publish container %s: %w", containerID, err)
	}
	return id, nil
}

func (a *Adapter) post(ctx context.Context, node, edge string, form url.Values) (string, error) {
	target := a.graph + "/" + url.PathEscape(node) + "/" + edge
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.client.PostForID(req)
}

// waitReady polls the container until the platform has ingested the video.
func (a *Adapter) waitReady(ctx context.Context, cred post.Credential, containerID string) error {
	q := url.Values{}
	q.Set("fields", "status_code,status")
	q.Set("access_token", cred.AccessToken)
	statusURL := a.graph + "/" + url.PathEscape(containerID) + "?" + q.Encode()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for i := 0; i < a.attempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			return err
		}
		var st struct {
			StatusCode string `json:"status_code"`
			Status     string `json:"status"`
		}
		if err := a.client.DoJSON(req, &st); err != nil {
			return err
		}
		switch strings.ToUpper(st.StatusCode) {
		case "FINISHED", "PUBLISHED":
			return nil
		case "ERROR", "EXPIRED":
			return fmt.Errorf("%s %s: %w", st.StatusCode, st.Status, ErrContainerFailed)
		}
		a.log.Debug("container in progress",
			logx.String("container", containerID),
			logx.String("status", st.StatusCode),
			logx.Int("attempt", i+1),
		)
		timer.Reset(a.interval)
	}
	return ErrContainerNotReady
}
