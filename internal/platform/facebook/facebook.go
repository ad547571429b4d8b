// Package facebook publishes posts to a Facebook page through the Graph API.
package facebook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"postpilot/internal/media"
	"postpilot/internal/platform"
	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

const DefaultGraphURL = "https://graph.facebook.com/v19.0"

type Config struct {
	GraphURL string
	// AppSecret, when set, adds appsecret_proof to every call.
	AppSecret string
}

type Adapter struct {
	graph     string
	appSecret string
	client    *platform.Client
	log       logx.Logger
}

func New(cfg Config, client *platform.Client, log logx.Logger) *Adapter {
	graph := strings.TrimRight(strings.TrimSpace(cfg.GraphURL), "/")
	if graph == "" {
		graph = DefaultGraphURL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		graph:     graph,
		appSecret: cfg.AppSecret,
		client:    client,
		log:       log.With(logx.String("platform", string(post.Facebook))),
	}
}

func (a *Adapter) Platform() post.Platform { return post.Facebook }

// Publish creates a feed entry on the credential's page. Media is uploaded
// unpublished first and attached to the entry by its id.
func (a *Adapter) Publish(ctx context.Context, p post.Post, cred post.Credential, m *media.Handle) (string, error) {
	var missing []string
	if strings.TrimSpace(cred.AccountID) == "" {
		missing = append(missing, "page_id")
	}
	if strings.TrimSpace(cred.AccessToken) == "" {
		missing = append(missing, "access_token")
	}
	if len(missing) > 0 {
		return "", platform.MissingField(post.Facebook, missing...)
	}

	var mediaID string
	if m != nil {
		edge := "photos"
		switch m.Kind {
		case post.MediaImage:
		case post.MediaVideo:
			edge = "videos"
		default:
			return "", fmt.Errorf("facebook: %s: %w", m.Kind, media.ErrUnsupportedMedia)
		}
		id, err := a.upload(ctx, cred, edge, m)
		if err != nil {
			return "", fmt.Errorf("facebook %s upload: %w", edge, err)
		}
		mediaID = id
	}

	id, err := a.feed(ctx, cred, p.Content, mediaID)
	if err != nil {
		return "", fmt.Errorf("facebook feed: %w", err)
	}
	return id, nil
}

func (a *Adapter) upload(ctx context.Context, cred post.Credential, edge string, m *media.Handle) (string, error) {
	fields := a.auth(cred)
	fields["published"] = "false"

	body, contentType, err := platform.MultipartFile(fields, "source", m)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.edgeURL(cred.AccountID, edge), body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	return a.client.PostForID(req)
}

func (a *Adapter) feed(ctx context.Context, cred post.Credential, message, mediaID string) (string, error) {
	form := url.Values{}
	for k, v := range a.auth(cred) {
		form.Set(k, v)
	}
	form.Set("message", message)
	if mediaID != "" {
		form.Set("attached_media[0]", fmt.Sprintf(`{"media_fbid":%q}`, mediaID))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.edgeURL(cred.AccountID, "feed"), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.client.PostForID(req)
}

func (a *Adapter) edgeURL(node, edge string) string {
	return a.graph + "/" + url.PathEscape(node) + "/" + edge
}

func (a *Adapter) auth(cred post.Credential) map[string]string {
	fields := map[string]string{"access_token": cred.AccessToken}
	if a.appSecret != "" {
		fields["appsecret_proof"] = AppSecretProof(cred.AccessToken, a.appSecret)
	}
	return fields
}

// AppSecretProof is the hex HMAC-SHA256 of the access token keyed by the app secret.
func AppSecretProof(token, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}
