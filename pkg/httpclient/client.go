// Package httpclient wraps net/http with provider-aware failure
// classification and optional transport-level retries. Provider adapters use
// it so every HTTP failure surfaces as a taxonomy error the agent
// controller's retry policy can reason about.
package httpclient

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/voxtera/maestro/pkg/backoff"
	"github.com/voxtera/maestro/pkg/llmerrors"
)

// RateLimitInfo carries throttling detail parsed from provider headers.
type RateLimitInfo struct {
	RetryAfter        time.Duration
	ResetTime         int64
	RequestsRemaining int
	TokensRemaining   int
}

// HeaderParser extracts rate-limit info from provider-specific headers.
type HeaderParser func(http.Header) RateLimitInfo

type Client struct {
	client       *http.Client
	provider     string
	maxRetries   int
	policy       backoff.Policy
	headerParser HeaderParser
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.client.Timeout = timeout }
}

// WithProvider labels classification errors with the provider name.
func WithProvider(name string) Option {
	return func(c *Client) { c.provider = name }
}

// WithMaxRetries enables transport-level retries of recoverable failures.
// The default is 0: the agent controller owns the retry budget, and a second
// retry layer here would multiply attempts.
func WithMaxRetries(max int) Option {
	return func(c *Client) { c.maxRetries = max }
}

func WithBackoffPolicy(policy backoff.Policy) Option {
	return func(c *Client) { c.policy = policy }
}

func WithHeaderParser(parser HeaderParser) Option {
	return func(c *Client) { c.headerParser = parser }
}

func New(opts ...Option) *Client {
	client := &Client{
		client:   &http.Client{Timeout: 60 * time.Second},
		provider: "unknown",
		policy:   backoff.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// CloseIdleConnections releases pooled transport connections.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// Do executes the request. Non-2xx responses and transport failures return a
// taxonomy error; for non-2xx the response is also returned so callers can
// parse the provider's error body. The request must have GetBody set when
// retries are enabled.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var lastErr error

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, llmerrors.NewNetwork(req.URL.String(), err)
				}
				req.Body = body
			}
			delay := c.policy.Delay(attempt)
			if hint, ok := llmerrors.RetryAfterHint(lastErr); ok && hint > delay {
				delay = hint
			}
			slog.Debug("retrying HTTP request",
				"provider", c.provider, "attempt", attempt, "delay", delay)
			if err := backoff.SleepContext(req.Context(), delay); err != nil {
				return nil, err
			}
		}

		resp, lastErr = c.attempt(req)
		if lastErr == nil {
			return resp, nil
		}
		if attempt >= c.maxRetries || !llmerrors.IsRecoverable(lastErr) {
			return resp, lastErr
		}
		if resp != nil {
			resp.Body.Close()
		}
	}
}

func (c *Client) attempt(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, llmerrors.NewTimeout("http "+req.Method, c.client.Timeout)
		}
		return nil, llmerrors.NewNetwork(req.URL.String(), err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	return resp, c.classify(req, resp)
}

func (c *Client) classify(req *http.Request, resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return llmerrors.NewAuthentication(c.provider, "credentials rejected").
			WithContext("status", resp.StatusCode)
	case http.StatusTooManyRequests:
		var info RateLimitInfo
		if c.headerParser != nil {
			info = c.headerParser(resp.Header)
		}
		retryAfter := info.RetryAfter
		if retryAfter == 0 && info.ResetTime > 0 {
			if until := time.Until(time.Unix(info.ResetTime, 0)); until > 0 {
				retryAfter = until
			}
		}
		return llmerrors.NewRateLimit(c.provider, retryAfter).
			WithContext("requests_remaining", info.RequestsRemaining)
	case http.StatusRequestTimeout, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return llmerrors.NewNetwork(req.URL.String(), nil).
			WithContext("status", resp.StatusCode)
	default:
		return llmerrors.NewValidation("request",
			"provider rejected request with status "+resp.Status).
			WithContext("status", resp.StatusCode)
	}
}
