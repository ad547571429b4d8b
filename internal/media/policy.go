package media

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"postpilot/internal/post"
)

var (
	// ErrUnsupportedMedia marks an attachment the target platform cannot publish.
	ErrUnsupportedMedia = errors.New("unsupported media")
	// ErrMediaRequired is returned for platforms that cannot publish text alone.
	ErrMediaRequired = errors.New("media attachment required")
	ErrTooLarge      = errors.New("media exceeds size limit")
)

// TwitterVideoType is the only remote content type accepted for twitter video uploads.
const TwitterVideoType = "video/mp4"

// Mode says how an adapter consumes the attachment.
type Mode int

const (
	// ModeUpload means the bytes are fetched into a local temp file.
	ModeUpload Mode = iota
	// ModeURL means the platform pulls the media itself from a public URL.
	ModeURL
)

// Policy is the per-platform media allow-list. An attachment passes only
// when its extension is listed and any declared or served content type is
// listed too, with both resolving to the same kind.
type Policy struct {
	Mode          Mode
	Extensions    map[string]post.MediaKind
	ContentTypes  map[string]post.MediaKind
	RequiresMedia bool
	// VideoContentType, when set, must match the remote content type exactly.
	VideoContentType string
}

var (
	imageExt = []string{".jpg", ".jpeg", ".png"}
	videoExt = []string{".mp4", ".mov", ".avi", ".mkv", ".gif"}

	imageTypes = []string{"image/jpeg", "image/jpg", "image/png"}
	videoTypes = []string{"video/mp4", "video/quicktime", "video/x-msvideo", "video/avi", "video/x-matroska", "image/gif"}
)

// kindSet maps each image and video key to its kind. It serves both
// extensions and content types.
func kindSet(images, videos []string) map[string]post.MediaKind {
	m := make(map[string]post.MediaKind, len(images)+len(videos))
	for _, e := range images {
		m[e] = post.MediaImage
	}
	for _, e := range videos {
		m[e] = post.MediaVideo
	}
	return m
}

// DefaultPolicies returns the allow-lists for every supported platform.
func DefaultPolicies() map[post.Platform]Policy {
	return map[post.Platform]Policy{
		post.Facebook: {
			Mode:         ModeUpload,
			Extensions:   kindSet(imageExt, videoExt),
			ContentTypes: kindSet(imageTypes, videoTypes),
		},
		post.Instagram: {
			Mode:          ModeURL,
			Extensions:    kindSet(imageExt, []string{".mp4", ".mov"}),
			ContentTypes:  kindSet(imageTypes, []string{"video/mp4", "video/quicktime"}),
			RequiresMedia: true,
		},
		post.Twitter: {
			Mode:             ModeUpload,
			Extensions:       kindSet(imageExt, []string{".mp4", ".mov"}),
			ContentTypes:     kindSet(imageTypes, []string{TwitterVideoType}),
			VideoContentType: TwitterVideoType,
		},
	}
}

// Check validates att against the policy without touching the network.
// It returns the resolved media kind.
func (p Policy) Check(platform post.Platform, att *post.Attachment) (post.MediaKind, error) {
	if att == nil || strings.TrimSpace(att.URL) == "" {
		if p.RequiresMedia {
			return post.MediaNone, fmt.Errorf("%s: %w", platform, ErrMediaRequired)
		}
		return post.MediaNone, nil
	}

	kind, ok := p.Extensions[att.Ext()]
	if !ok || (kind != post.MediaImage && kind != post.MediaVideo) {
		return post.MediaUnknown, fmt.Errorf("%s: %s (%s): %w", platform, att.Ext(), att.ContentType, ErrUnsupportedMedia)
	}
	if err := p.checkType(platform, kind, att.ContentType); err != nil {
		return kind, err
	}

	if kind == post.MediaVideo && p.VideoContentType != "" {
		ct := normalizeContentType(att.ContentType)
		if ct != "" && ct != p.VideoContentType {
			return kind, fmt.Errorf("%s: video content type %q: %w", platform, ct, ErrUnsupportedMedia)
		}
	}

	if p.Mode == ModeURL {
		if err := checkPublicURL(att.URL); err != nil {
			return kind, fmt.Errorf("%s: %w", platform, err)
		}
	}
	return kind, nil
}

// checkType accepts an empty or generic binary content type. Anything else
// must be listed and agree with kind.
func (p Policy) checkType(platform post.Platform, kind post.MediaKind, contentType string) error {
	ct := normalizeContentType(contentType)
	switch ct {
	case "", "application/octet-stream", "binary/octet-stream":
		return nil
	}
	if k, ok := p.ContentTypes[ct]; !ok || k != kind {
		return fmt.Errorf("%s: content type %q for %s: %w", platform, ct, kind, ErrUnsupportedMedia)
	}
	return nil
}

func checkPublicURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("media url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "s3":
		return nil
	}
	return fmt.Errorf("media url scheme %q: %w", u.Scheme, ErrUnsupportedMedia)
}

func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}
