package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"btcwatch/internal/metrics"
)

// RetryOptions bound the exponential backoff applied to every request.
type RetryOptions struct {
	Attempts int
	MinWait  time.Duration
	MaxWait  time.Duration
}

// ClientOptions parameterise the shared JSON client.
type ClientOptions struct {
	Timeout   time.Duration
	UserAgent string
	Retry     RetryOptions
}

// HTTPError is returned for non-2xx upstream responses.
type HTTPError struct {
	Source string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s api error (%d): %s", e.Source, e.Status, e.Body)
	}
	return fmt.Sprintf("%s api error (%d)", e.Source, e.Status)
}

// retryable reports whether another attempt could succeed.
func (e *HTTPError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type jsonClient struct {
	http   *http.Client
	opts   ClientOptions
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func newJSONClient(opts ClientOptions, logger zerolog.Logger) *jsonClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry.Attempts = 1
	}
	if opts.Retry.MinWait <= 0 {
		opts.Retry.MinWait = 2 * time.Second
	}
	if opts.Retry.MaxWait < opts.Retry.MinWait {
		opts.Retry.MaxWait = opts.Retry.MinWait
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "btcwatch/1.0"
	}
	return &jsonClient{
		http:   &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// getJSON issues GET requests until one succeeds, the attempts run out, or
// the error is not worth retrying.
func (c *jsonClient) getJSON(ctx context.Context, source, url string, headers map[string]string, out any) error {
	start := time.Now()
	defer func() {
		metrics.FetchDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 1; attempt <= c.opts.Retry.Attempts; attempt++ {
		lastErr = c.do(ctx, source, url, headers, out)
		if lastErr == nil {
			metrics.FetchTotal.WithLabelValues(source, "ok").Inc()
			return nil
		}

		var httpErr *HTTPError
		if errors.As(lastErr, &httpErr) && !httpErr.retryable() {
			break
		}
		if ctx.Err() != nil || attempt == c.opts.Retry.Attempts {
			break
		}

		wait := c.backoff(attempt)
		c.logger.Debug().Err(lastErr).Str("source", source).Int("attempt", attempt).Dur("wait", wait).Msg("retrying upstream request")
		if err := c.sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}

	metrics.FetchTotal.WithLabelValues(source, "error").Inc()
	return fmt.Errorf("fetch %s: %w", source, lastErr)
}

func (c *jsonClient) do(ctx context.Context, source, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseHTTPError(source, resp.StatusCode, payload)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", source, err)
	}
	return nil
}

// backoff doubles MinWait per attempt, capped at MaxWait.
func (c *jsonClient) backoff(attempt int) time.Duration {
	wait := c.opts.Retry.MinWait
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= c.opts.Retry.MaxWait {
			return c.opts.Retry.MaxWait
		}
	}
	return wait
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
}

func parseHTTPError(source string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Error, apiErr.Message, apiErr.Msg} {
			if msg != "" {
				return &HTTPError{Source: source, Status: status, Body: msg}
			}
		}
	}
	body := strings.TrimSpace(string(payload))
	if len(body) > 200 {
		body = body[:200]
	}
	return &HTTPError{Source: source, Status: status, Body: body}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
