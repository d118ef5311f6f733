// Package fetch retrieves bytes over HTTP with bounded retries.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultTimeout is the default HTTP request timeout
	DefaultTimeout = 5 * time.Minute
	// DefaultRetries is the number of extra attempts after a failed request
	DefaultRetries = 1
	// DefaultBackoff is the delay before the first retry; it doubles per attempt
	DefaultBackoff = time.Second
	// DefaultUserAgent is the User-Agent header sent with requests
	DefaultUserAgent = "patchd/1.0"

	maxRedirects = 10
)

// ErrTooLarge is returned by Get when a body exceeds the caller's limit
var ErrTooLarge = errors.New("response body too large")

// StatusError is a non-200 HTTP response
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Temporary reports whether a retry may succeed
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// NetError is a transport failure: connect, TLS, timeout or a body read
// that broke mid-stream.
type NetError struct {
	URL string
	Err error
}

func (e *NetError) Error() string {
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *NetError) Unwrap() error {
	return e.Err
}

// IsNetwork reports whether err came from the network rather than the
// caller: transport failures and non-200 responses.
func IsNetwork(err error) bool {
	var ne *NetError
	var se *StatusError
	return errors.As(err, &ne) || errors.As(err, &se)
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var ne *NetError
	return errors.As(err, &ne)
}

// Client performs GET requests with retry and exponential backoff
type Client struct {
	http      *http.Client
	userAgent string
	retries   int
	backoff   time.Duration
	logger    *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithRetries sets how many times a failed request is repeated
func WithRetries(n int) Option {
	return func(c *Client) {
		c.retries = n
	}
}

// WithBackoff sets the delay before the first retry
func WithBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.backoff = d
	}
}

// WithUserAgent overrides DefaultUserAgent
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithLogger sets the logger used for retry diagnostics
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a Client
func New(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Timeout: DefaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent: DefaultUserAgent,
		retries:   DefaultRetries,
		backoff:   DefaultBackoff,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do GETs url and hands the body to fn. When the request or fn fails with
// a retryable network error the whole exchange is repeated, so fn must
// discard anything it consumed on a previous call.
func (c *Client) Do(ctx context.Context, url string, fn func(body io.Reader) error) error {
	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt > 0 {
			delay := c.backoff << uint(attempt-1)
			c.logger.Debug("retrying request", "url", url, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.once(ctx, url, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
	}

	return lastErr
}

func (c *Client) once(ctx context.Context, url string, fn func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetError{URL: url, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}

	return fn(&bodyReader{r: resp.Body, url: url})
}

// Get returns the body of url. Bodies longer than limit fail with
// ErrTooLarge; a limit of zero or less means no limit.
func (c *Client) Get(ctx context.Context, url string, limit int64) ([]byte, error) {
	var data []byte
	err := c.Do(ctx, url, func(body io.Reader) error {
		if limit > 0 {
			body = io.LimitReader(body, limit+1)
		}
		b, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		if limit > 0 && int64(len(b)) > limit {
			return fmt.Errorf("GET %s: %w (limit %d bytes)", url, ErrTooLarge, limit)
		}
		data = b
		return nil
	})
	return data, err
}

// bodyReader tags read failures as network errors
type bodyReader struct {
	r   io.Reader
	url string
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		err = &NetError{URL: b.url, Err: err}
	}
	return n, err
}
