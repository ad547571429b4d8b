// Package post holds the dispatcher's domain types: the schedulable Post,
// the per-platform Credential, and the ephemeral publish Result.
package post

import (
	"path"
	"sort"
	"strings"
	"time"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusPosted    Status = "posted"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusPosted, StatusFailed:
		return true
	}
	return false
}

// Platform is a target network tag as stored on the post.
type Platform string

const (
	Facebook  Platform = "facebook"
	Instagram Platform = "instagram"
	Twitter   Platform = "twitter"
)

// ParsePlatform normalizes a stored tag ("Facebook", " twitter ") into a Platform.
func ParsePlatform(raw string) (Platform, bool) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case Facebook, Instagram, Twitter:
		return p, true
	}
	return p, false
}

// MediaKind is derived from an attachment's extension and content type.
type MediaKind int

const (
	MediaNone MediaKind = iota
	MediaImage
	MediaVideo
	MediaUnknown
)

func (k MediaKind) String() string {
	switch k {
	case MediaNone:
		return "none"
	case MediaImage:
		return "image"
	case MediaVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Attachment references a hosted media object.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// Ext returns the lowercased extension of the URL path (".jpg"), ignoring query strings.
func (a Attachment) Ext() string {
	u := a.URL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.ToLower(path.Ext(u))
}

// Kind classifies the attachment. Content type wins over extension when both are present.
func (a Attachment) Kind() MediaKind {
	ct := strings.ToLower(strings.TrimSpace(a.ContentType))
	switch {
	case strings.HasPrefix(ct, "image/gif"):
		// gif is published through the video endpoints
		return MediaVideo
	case strings.HasPrefix(ct, "image/"):
		return MediaImage
	case strings.HasPrefix(ct, "video/"):
		return MediaVideo
	}
	switch a.Ext() {
	case ".jpg", ".jpeg", ".png":
		return MediaImage
	case ".mp4", ".mov", ".avi", ".mkv", ".gif":
		return MediaVideo
	}
	return MediaUnknown
}

// Post is the unit of schedulable content.
type Post struct {
	ID                string
	Title             string
	Content           string
	ClientRef         string
	ClientDisplayName string
	ScheduledAt       *time.Time
	TargetPlatforms   []Platform
	Attachment        *Attachment
	Status            Status
	Posted            bool
	ExternalPostIDs   map[Platform]string
}

// HasMedia reports whether the post carries an attachment with a URL.
func (p Post) HasMedia() bool {
	return p.Attachment != nil && strings.TrimSpace(p.Attachment.URL) != ""
}

// Platforms returns the deduplicated target set in stable order.
func (p Post) Platforms() []Platform {
	seen := make(map[Platform]struct{}, len(p.TargetPlatforms))
	out := make([]Platform, 0, len(p.TargetPlatforms))
	for _, raw := range p.TargetPlatforms {
		pl, _ := ParsePlatform(string(raw))
		if pl == "" {
			continue
		}
		if _, ok := seen[pl]; ok {
			continue
		}
		seen[pl] = struct{}{}
		out = append(out, pl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DueAt reports whether the post is eligible for dispatch at now.
// Status is deliberately ignored so failed posts are retried.
func (p Post) DueAt(now time.Time) bool {
	return p.ScheduledAt != nil && !p.ScheduledAt.After(now) && !p.Posted
}

// PublishState is the slice of a post the dispatcher is allowed to write.
type PublishState struct {
	Status          Status
	Posted          bool
	ExternalPostIDs map[Platform]string
}
