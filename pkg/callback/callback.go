// Package callback reports job completion back to the API.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"imagecrypt/pkg/messaging"
	"imagecrypt/pkg/retry"
)

// ErrCallbackFailed is returned when the receiver cannot be reached or
// answers with a non-200 status
var ErrCallbackFailed = errors.New("completion callback failed")

const DefaultTimeout = 10 * time.Second

// Client posts CompletionNotices to the completion receiver.
type Client struct {
	url    string
	http   *http.Client
	policy retry.Policy
	logger *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its timeout is left untouched.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.http = &http.Client{Timeout: d}
		}
	}
}

// WithRetryPolicy retries failed callbacks. The default is a single attempt.
func WithRetryPolicy(p retry.Policy) Option {
	return func(cl *Client) { cl.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a client posting to url
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:    url,
		http:   &http.Client{Timeout: DefaultTimeout},
		policy: retry.Constant(1, 0),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("module", "callback")
	return c
}

// Notify delivers n, retrying according to the configured policy.
func (c *Client) Notify(ctx context.Context, n messaging.CompletionNotice) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notice: %w", err)
	}

	policy := c.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.WarnContext(ctx, "callback attempt failed, retrying",
			"job_id", n.JobID,
			"attempt", attempt,
			"retry_in", delay.String(),
			"error", err,
		)
	}

	err = policy.Do(ctx, func(ctx context.Context, _ int) error {
		return c.post(ctx, body)
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "callback failed",
			"job_id", n.JobID, "status", n.Status, "outcome", "failure", "error", err)
		if errors.Is(err, ErrCallbackFailed) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrCallbackFailed, err)
	}

	c.logger.InfoContext(ctx, "callback delivered",
		"job_id", n.JobID, "status", n.Status, "outcome", "success")
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCallbackFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCallbackFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: receiver returned status %d", ErrCallbackFailed, resp.StatusCode)
	}
	return nil
}
