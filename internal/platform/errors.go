package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"postpilot/internal/media"
	"postpilot/internal/post"
)

var (
	// ErrMissingCredentialField is returned before any call when a credential is incomplete.
	ErrMissingCredentialField = errors.New("missing credential field")
	// ErrNoID means the platform answered 2xx without an identifier.
	ErrNoID = errors.New("response has no id")
	// ErrMalformedResponse covers bodies that are not the expected JSON object.
	ErrMalformedResponse = errors.New("malformed response")
)

// APIError is a non-2xx platform answer with its decoded error payload.
type APIError struct {
	Platform post.Platform
	Status   int
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s api: http %d", e.Platform, e.Status)
	if e.Code != 0 {
		fmt.Fprintf(&b, " code %d", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// IsRetryable classifies errors for the retry policy.
// Network failures, 429 and 5xx are transient; everything else is permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) ||
		errors.Is(err, ErrMissingCredentialField) ||
		errors.Is(err, media.ErrUnsupportedMedia) ||
		errors.Is(err, media.ErrMediaRequired) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}
	if errors.Is(err, ErrNoID) || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	// network and transport errors
	return true
}

// MissingField builds an ErrMissingCredentialField for the named fields.
func MissingField(platform post.Platform, fields ...string) error {
	return fmt.Errorf("%s: %s: %w", platform, strings.Join(fields, ", "), ErrMissingCredentialField)
}

// parseErrorBody extracts a message and code from the error payload shapes
// the supported platforms use.
func parseErrorBody(raw []byte) (code int, msg string) {
	var graph struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &graph) == nil && graph.Error.Message != "" {
		msg := graph.Error.Message
		if graph.Error.Type != "" {
			msg = graph.Error.Type + ": " + msg
		}
		return graph.Error.Code, msg
	}

	var v1 struct {
		Errors []struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(raw, &v1) == nil && len(v1.Errors) > 0 && v1.Errors[0].Message != "" {
		return v1.Errors[0].Code, v1.Errors[0].Message
	}

	var v2 struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &v2) == nil && (v2.Title != "" || v2.Detail != "") {
		if v2.Detail != "" && v2.Title != "" {
			return 0, v2.Title + ": " + v2.Detail
		}
		return 0, v2.Title + v2.Detail
	}

	s := strings.TrimSpace(string(raw))
	if len(s) > 256 {
		s = s[:256] + "…"
	}
	return 0, s
}
