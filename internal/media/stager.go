// Package media stages post attachments for platform adapters.
//
// Every platform has an allow-list (Policy). Attachments that fail the
// allow-list are rejected before any network I/O and nothing is written
// to disk. Upload-mode platforms get a temp file that lives until
// Handle.Release; URL-mode platforms get the public URL only.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

type Config struct {
	TempDir      string
	MaxBytes     int64
	FetchTimeout time.Duration
	PresignTTL   time.Duration
}

const (
	defaultMaxBytes     = 512 << 20
	defaultFetchTimeout = 2 * time.Minute
	defaultPresignTTL   = time.Hour
)

// Handle is a staged attachment. Release must be called once the adapter call returns.
type Handle struct {
	Kind        post.MediaKind
	ContentType string
	// URL is set for URL-mode platforms.
	URL string
	// Path and Size are set for upload-mode platforms.
	Path string
	Size int64

	once    sync.Once
	cleanup func() error
}

// Local reports whether the handle carries a staged file.
func (h *Handle) Local() bool { return h != nil && h.Path != "" }

// Name is the file name adapters send in multipart uploads.
func (h *Handle) Name() string {
	if h == nil || h.Path == "" {
		return ""
	}
	return filepath.Base(h.Path)
}

func (h *Handle) Open() (*os.File, error) {
	if !h.Local() {
		return nil, errors.New("media handle has no local file")
	}
	return os.Open(h.Path)
}

// Release removes the staged file. Safe on nil and safe to call twice.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.cleanup != nil {
			_ = h.cleanup()
		}
	})
}

// Stager validates and stages attachments per platform.
type Stager struct {
	cfg      Config
	policies map[post.Platform]Policy
	sources  map[string]Source
	s3       *S3Source
	log      logx.Logger
}

// New builds a stager. s3src may be nil when no bucket is configured.
func New(cfg Config, client HTTPDoer, s3src *S3Source, log logx.Logger) *Stager {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = defaultPresignTTL
	}
	if strings.TrimSpace(cfg.TempDir) == "" {
		cfg.TempDir = os.TempDir()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	httpSrc := HTTPSource{Client: client}
	s := &Stager{
		cfg:      cfg,
		policies: DefaultPolicies(),
		sources:  map[string]Source{"http": httpSrc, "https": httpSrc},
		s3:       s3src,
		log:      log,
	}
	if s3src != nil {
		s.sources["s3"] = s3src
	}
	return s
}

func (s *Stager) Policy(platform post.Platform) (Policy, bool) {
	p, ok := s.policies[platform]
	return p, ok
}

// Stage checks att against platform's allow-list and prepares it.
// A nil handle with a nil error means the post has no attachment.
func (s *Stager) Stage(ctx context.Context, platform post.Platform, att *post.Attachment) (*Handle, error) {
	pol, ok := s.policies[platform]
	if !ok {
		return nil, fmt.Errorf("%s: no media policy: %w", platform, ErrUnsupportedMedia)
	}
	kind, err := pol.Check(platform, att)
	if err != nil {
		return nil, err
	}
	if kind == post.MediaNone {
		return nil, nil
	}

	if pol.Mode == ModeURL {
		u := att.URL
		if scheme(u) == "s3" {
			if s.s3 == nil {
				return nil, fmt.Errorf("%s: s3 media without s3 config: %w", platform, ErrUnsupportedMedia)
			}
			if u, err = s.s3.Presign(att.URL, s.cfg.PresignTTL); err != nil {
				return nil, err
			}
		}
		return &Handle{Kind: kind, ContentType: normalizeContentType(att.ContentType), URL: u}, nil
	}
	return s.download(ctx, platform, pol, kind, att)
}

// With stages att, runs fn and releases the handle on every exit path.
func (s *Stager) With(ctx context.Context, platform post.Platform, att *post.Attachment, fn func(*Handle) error) error {
	h, err := s.Stage(ctx, platform, att)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h)
}

func (s *Stager) download(ctx context.Context, platform post.Platform, pol Policy, kind post.MediaKind, att *post.Attachment) (*Handle, error) {
	src, ok := s.sources[scheme(att.URL)]
	if !ok {
		return nil, fmt.Errorf("%s: media url scheme %q: %w", platform, scheme(att.URL), ErrUnsupportedMedia)
	}

	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	remote, err := src.Open(fctx, att.URL)
	if err != nil {
		return nil, err
	}
	defer remote.Body.Close()

	if err := pol.checkType(platform, kind, remote.ContentType); err != nil {
		return nil, fmt.Errorf("remote %w", err)
	}
	ct := normalizeContentType(remote.ContentType)
	if ct == "" {
		ct = normalizeContentType(att.ContentType)
	}
	if kind == post.MediaVideo && pol.VideoContentType != "" {
		if rc := normalizeContentType(remote.ContentType); rc != pol.VideoContentType {
			return nil, fmt.Errorf("%s: remote video content type %q: %w", platform, rc, ErrUnsupportedMedia)
		}
	}
	if remote.Size > s.cfg.MaxBytes {
		return nil, fmt.Errorf("%s: %d bytes: %w", platform, remote.Size, ErrTooLarge)
	}

	if err := os.MkdirAll(s.cfg.TempDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(s.cfg.TempDir, "postpilot-"+string(platform)+"-*"+att.Ext())
	if err != nil {
		return nil, err
	}
	path := f.Name()
	discard := func() {
		_ = f.Close()
		_ = os.Remove(path)
	}

	n, err := io.Copy(f, io.LimitReader(remote.Body, s.cfg.MaxBytes+1))
	if err != nil {
		discard()
		return nil, fmt.Errorf("%s: stage media: %w", platform, err)
	}
	if n > s.cfg.MaxBytes {
		discard()
		return nil, fmt.Errorf("%s: %w", platform, ErrTooLarge)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	s.log.Debug("media staged",
		logx.String("platform", string(platform)),
		logx.String("kind", kind.String()),
		logx.Int64("bytes", n),
	)
	return &Handle{
		Kind:        kind,
		ContentType: ct,
		Path:        path,
		Size:        n,
		cleanup:     func() error { return os.Remove(path) },
	}, nil
}
