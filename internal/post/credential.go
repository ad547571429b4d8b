package post

import (
	"strings"
	"time"
)

// Credential authenticates publish calls to one platform on behalf of one account.
//
// AccountID is the page id (facebook), business user id (instagram) or user id (twitter).
// AccessSecret is only used by platforms with signed requests (twitter).
type Credential struct {
	Platform     Platform
	DisplayName  string
	AccountID    string
	AccessToken  string
	AccessSecret string
	ExpiresAt    *time.Time
}

// Expired reports whether the credential carries an expiry that has passed.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// Redacted returns a loggable token hint ("abcd…").
func Redacted(secret string) string {
	s := strings.TrimSpace(secret)
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "…"
	}
	return s[:4] + "…"
}
