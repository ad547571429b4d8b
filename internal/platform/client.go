package platform

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

// ClientConfig configures the shared retry and circuit breaker policy.
type ClientConfig struct {
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// BreakerFailures consecutive failures open the breaker for BreakerDelay.
	// Zero disables the breaker.
	BreakerFailures uint
	BreakerDelay    time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RetryMax:        2,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   5 * time.Second,
		BreakerFailures: 5,
		BreakerDelay:    30 * time.Second,
	}
}

func normalizeClientConfig(cfg ClientConfig) ClientConfig {
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryBase {
		cfg.RetryMaxDelay = cfg.RetryBase
	}
	if cfg.BreakerFailures > 0 && cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = 30 * time.Second
	}
	return cfg
}

const maxErrorBody = 64 << 10

// Client sends platform requests through a failsafe executor.
// Non-2xx answers come back as *APIError with the response body consumed.
//
// Requests with a body are retried only when req.GetBody is set, which
// http.NewRequest does for bytes.Buffer, bytes.Reader and strings.Reader.
type Client struct {
	platform post.Platform
	http     *http.Client
	exec     failsafe.Executor[*http.Response]
	breaker  circuitbreaker.CircuitBreaker[*http.Response]
	log      logx.Logger
}

//nolint:bodyclose // *http.Response is a type parameter here
func NewClient(platform post.Platform, cfg ClientConfig, hc *http.Client, log logx.Logger) *Client {
	cfg = normalizeClientConfig(cfg)
	if hc == nil {
		hc = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("platform", string(platform)))

	retry := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.RetryBase, cfg.RetryMaxDelay).
		WithMaxRetries(cfg.RetryMax).
		WithJitterFactor(0.1).
		HandleIf(func(_ *http.Response, err error) bool { return IsRetryable(err) }).
		OnRetry(func(e failsafe.ExecutionEvent[*http.Response]) {
			log.Debug("retrying platform call",
				logx.Int("attempt", e.Attempts()),
				logx.Err(e.LastError()),
			)
		}).
		Build()

	c := &Client{platform: platform, http: hc, log: log}
	if cfg.BreakerFailures == 0 {
		c.exec = failsafe.With[*http.Response](retry)
		return c
	}

	c.breaker = circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThreshold(cfg.BreakerFailures).
		WithDelay(cfg.BreakerDelay).
		WithSuccessThreshold(1).
		HandleIf(func(_ *http.Response, err error) bool { return IsRetryable(err) }).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			log.Warn("platform circuit breaker state change",
				logx.String("from", stateName(e.OldState)),
				logx.String("to", stateName(e.NewState)),
			)
		}).
		Build()
	// retry outside, breaker inside: every attempt is counted by the breaker
	c.exec = failsafe.With[*http.Response](retry, c.breaker)
	return c
}

func (c *Client) Platform() post.Platform { return c.platform }

// WithHTTP returns a client that sends through hc but shares the policies.
// Twitter uses it to plug in a per-credential signing client.
func (c *Client) WithHTTP(hc *http.Client) *Client {
	cp := *c
	cp.http = hc
	return &cp
}

// BreakerOpen reports whether calls are currently being short-circuited.
func (c *Client) BreakerOpen() bool {
	return c.breaker != nil && c.breaker.IsOpen()
}

// Do sends req with retries. The caller closes the returned body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return c.once(req)
	}
	first := true
	var last error

	resp, err := c.exec.WithContext(ctx).Get(func() (*http.Response, error) {
		attempt := req
		if !first {
			attempt = req.Clone(ctx)
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				attempt.Body = body
			}
		}
		first = false

		resp, err := c.http.Do(attempt)
		if err != nil {
			last = err
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			last = c.apiError(resp)
			return nil, last
		}
		last = nil
		return resp, nil
	})
	if err != nil {
		if last != nil {
			return nil, last
		}
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, fmt.Errorf("%s: %w", c.platform, err)
		}
		return nil, err
	}
	return resp, nil
}

// once sends a request whose body cannot be replayed.
func (c *Client) once(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.apiError(resp)
	}
	return resp, nil
}

// DoJSON sends req and decodes a 2xx JSON body into out.
func (c *Client) DoJSON(req *http.Request, out any) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: %v", c.platform, ErrMalformedResponse, err)
	}
	return nil
}

// PostForID sends req and returns the "id" field of the response.
func (c *Client) PostForID(req *http.Request) (string, error) {
	var out struct {
		ID ID `json:"id"`
	}
	if err := c.DoJSON(req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%s: %w", c.platform, ErrNoID)
	}
	return string(out.ID), nil
}

// ID decodes identifiers sent either as JSON strings or numbers.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (c *Client) apiError(resp *http.Response) error {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	code, msg := parseErrorBody(raw)
	return &APIError{Platform: c.platform, Status: resp.StatusCode, Code: code, Message: msg}
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}
