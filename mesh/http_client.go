package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultRequestTimeout is the default HTTP request timeout for service calls.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of attempts.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the response body to 50 MB to prevent OOM.
	maxResponseBytes = 50 << 20
)

// ErrTransport marks a failure to complete a call to an external service:
// unreachable host, timeout, or a non-2xx status.
var ErrTransport = errors.New("transport fault")

// StatusError reports a non-2xx response
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP POST %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("HTTP POST %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Is lets errors.Is(err, ErrTransport) match status failures
func (e *StatusError) Is(target error) bool {
	return target == ErrTransport
}

// RequestOption configures PostJSON / PostBody behavior.
type RequestOption func(*requestConfig)

type requestConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
	headers     map[string]string
}

func defaultRequestConfig() requestConfig {
	return requestConfig{
		timeout:     DefaultRequestTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
		headers:     map[string]string{},
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) RequestOption {
	return func(c *requestConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) RequestOption {
	return func(c *requestConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) RequestOption {
	return func(c *requestConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) RequestOption {
	return func(c *requestConfig) {
		c.client = client
	}
}

// WithHeader adds a request header.
func WithHeader(key, value string) RequestOption {
	return func(c *requestConfig) {
		c.headers[key] = value
	}
}

// PostJSON marshals in, POSTs it to url and decodes the JSON response into out.
// Transient failures are retried with exponential backoff; 4xx responses and
// undecodable bodies are not.
func PostJSON(ctx context.Context, url string, in, out any, opts ...RequestOption) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	body, err := PostBody(ctx, url, "application/json", payload, opts...)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing JSON from %s: %w", redactURL(url), err)
	}
	return nil
}

// PostBody POSTs a raw payload and returns the response body bytes.
func PostBody(ctx context.Context, url, contentType string, payload []byte, opts ...RequestOption) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("post: URL is empty")
	}

	cfg := defaultRequestConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxRetries < 1 {
		cfg.maxRetries = 1
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	var lastErr error
	for attempt := range cfg.maxRetries {
		if attempt > 0 {
			backoff := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := doPost(ctx, client, url, contentType, payload, cfg.headers)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
			// Client errors are not transient; do not retry.
			return nil, err
		}
		if ctx.Err() != nil {
			break
		}
	}

	if cfg.maxRetries == 1 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", cfg.maxRetries, lastErr)
}

// doPost performs a single HTTP POST and returns the response body bytes.
func doPost(ctx context.Context, client *http.Client, url, contentType string, payload []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: HTTP POST %s: %w", ErrTransport, redactURL(url), err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response from %s: %w", ErrTransport, redactURL(url), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &StatusError{URL: redactURL(url), StatusCode: resp.StatusCode, Body: snippet}
	}

	return body, nil
}

// redactURL drops the query string so API keys never reach logs
func redactURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
