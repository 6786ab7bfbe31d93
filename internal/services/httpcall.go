package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout    = 30 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryAttempts  = 4
	maxErrorBodyBytes     = 2048
)

// Caller issues JSON requests against collaborator APIs with bounded retries
// and exponential backoff. Every collaborator client in this repo goes through
// it so failure classification stays uniform.
type Caller struct {
	httpClient *http.Client

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleep            func(context.Context, time.Duration) error
}

// CallerOption customizes a Caller.
type CallerOption func(*Caller)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) CallerOption {
	return func(c *Caller) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryMaxAttempts overrides the default retry count.
func WithRetryMaxAttempts(attempts int) CallerOption {
	return func(c *Caller) {
		if attempts > 0 {
			c.retryMaxAttempts = attempts
		}
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) CallerOption {
	return func(c *Caller) {
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(context.Context, time.Duration) error) CallerOption {
	return func(c *Caller) {
		if sleeper != nil {
			c.sleep = sleeper
		}
	}
}

// NewCaller constructs a Caller with the supplied request timeout.
func NewCaller(timeout time.Duration, opts ...CallerOption) *Caller {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	caller := &Caller{
		httpClient:       &http.Client{Timeout: timeout},
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
		sleep:            sleepContext,
	}
	for _, opt := range opts {
		opt(caller)
	}
	return caller
}

// HTTPStatusError carries a non-2xx response for classification.
type HTTPStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// GetJSON issues a GET request and decodes the JSON response into out.
func (c *Caller) GetJSON(ctx context.Context, url string, headers map[string]string, out any) error {
	return c.doWithRetry(ctx, http.MethodGet, url, headers, nil, out)
}

// PostJSON issues a POST request with a JSON payload and decodes the response into out.
func (c *Caller) PostJSON(ctx context.Context, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return Wrap(ErrValidation, "", "encode request", url, err)
	}
	return c.doWithRetry(ctx, http.MethodPost, url, headers, body, out)
}

func (c *Caller) doWithRetry(ctx context.Context, method, url string, headers map[string]string, body []byte, out any) error {
	var lastErr error
	for attempt := 1; attempt <= c.retryMaxAttempts; attempt++ {
		err := c.doOnce(ctx, method, url, headers, body, out)
		if err == nil {
			return nil
		}

		classified := classifyHTTPError(err)
		if !errors.Is(classified, ErrTransient) && !errors.Is(classified, ErrRateLimited) {
			return classified
		}
		lastErr = classified
		if attempt == c.retryMaxAttempts {
			break
		}
		if err := c.sleep(ctx, c.retryDelay(classified, attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

func (c *Caller) doOnce(ctx context.Context, method, url string, headers map[string]string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return Wrap(ErrValidation, "", "build request", url, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		if strings.TrimSpace(value) != "" {
			req.Header.Set(key, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &HTTPStatusError{
			StatusCode: resp.StatusCode,
			Body:       string(snippet),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if out == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Wrap(ErrValidation, "", "decode response", url, err)
	}
	return nil
}

func (c *Caller) retryDelay(err error, attempt int) time.Duration {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
		return statusErr.RetryAfter
	}
	delay := c.retryBaseDelay << (attempt - 1)
	if delay > c.retryMaxDelay {
		delay = c.retryMaxDelay
	}
	return delay
}

func classifyHTTPError(err error) error {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", ErrRateLimited, statusErr)
		case statusErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, statusErr)
		case statusErr.StatusCode == http.StatusUnauthorized, statusErr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrConfiguration, statusErr)
		case statusErr.StatusCode >= 500:
			return fmt.Errorf("%w: %w", ErrTransient, statusErr)
		default:
			return fmt.Errorf("%w: %w", ErrValidation, statusErr)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrConfiguration) || errors.Is(err, ErrNotFound) {
		return err
	}
	if isNetworkError(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if until := time.Until(at); until > 0 {
			return until
		}
	}
	return 0
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
