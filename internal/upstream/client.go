// Package upstream implements the completion-service client: a retrying
// HTTP client with exponential backoff and jitter, plus the SSE delta
// reader. The vendor wire shape is translated here and nowhere else.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/draftlens/tool-gateway/internal/utils"
)

const (
	completionsPath = "/v1/messages"
	apiVersion      = "2023-06-01"
	maxErrorBodyLen = 500
)

// Config holds client construction parameters.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	MaxTokens      int
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	AttemptTimeout time.Duration
	HTTPClient     *http.Client
	// OnRetry is invoked before each retry sleep. Optional; used for metrics.
	OnRetry func(attempt int)
}

// Request is one completion call.
type Request struct {
	System      string
	UserMessage string
	MaxTokens   int // 0 uses the client default
}

// Result is a buffered completion.
type Result struct {
	Text       string
	StatusCode int
}

// Error is a terminal upstream failure, returned only once retries are
// exhausted. Status is 0 for network-level failures.
type Error struct {
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream returned status %d", e.Status)
	}
	return fmt.Sprintf("upstream request failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a per-attempt timeout.
func (e *Error) Timeout() bool {
	return e.Err != nil && errors.Is(e.Err, context.DeadlineExceeded)
}

// Client issues completion calls with bounded retry. Safe for concurrent use.
type Client struct {
	cfg     Config
	onRetry func(attempt int)
}

// SetOnRetry installs a retry observer. Must be called before the client is
// shared across goroutines.
func (c *Client) SetOnRetry(fn func(attempt int)) { c.onRetry = fn }

// New creates a Client, applying policy defaults: 2 retries, 1s initial
// delay, 5s cap, multiplier 2.
func New(cfg Config) *Client {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{cfg: cfg, onRetry: cfg.OnRetry}
}

// Complete issues a buffered completion.
func (c *Client) Complete(ctx context.Context, req Request) (*Result, error) {
	resp, err := c.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("read upstream response: %w", err)}
	}

	text := gjson.GetBytes(body, "content.0.text").String()
	return &Result{Text: text, StatusCode: resp.StatusCode}, nil
}

// Stream issues a streaming completion. The attempt timeout applies to the
// connect/header phase only; bounding the whole stream is the caller's job
// via ctx. The caller must Close the returned stream, which releases the
// underlying connection.
func (c *Client) Stream(ctx context.Context, req Request) (TokenStream, error) {
	resp, err := c.send(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return newStream(resp.Body), nil
}

// buildBody constructs the vendor request JSON.
func (c *Client) buildBody(req Request, stream bool) []byte {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}

	body, _ := sjson.Set("{}", "model", c.cfg.Model)
	body, _ = sjson.Set(body, "max_tokens", maxTokens)
	if req.System != "" {
		body, _ = sjson.Set(body, "system", req.System)
	}
	body, _ = sjson.SetRaw(body, "messages", `[{"role":"user"}]`)
	body, _ = sjson.Set(body, "messages.0.content", req.UserMessage)
	if stream {
		body, _ = sjson.Set(body, "stream", true)
	}
	return []byte(body)
}

// send performs the request with retry. Retryable: network errors other than
// caller cancellation, and statuses 429/500/502/503/504. Other 4xx are
// fatal. Each attempt runs under a fresh timeout; a timed-out attempt is
// aborted before the next one starts.
//
// For buffered calls the attempt timeout covers the whole exchange. For
// streaming calls it covers only the connect/header phase: once a 2xx
// arrives the timer is stopped and the body read is governed solely by the
// caller's context, which carries the overall stream timeout. On success the
// attempt's cancel is tied to the response body, so reads stay live until
// the caller closes it.
func (c *Client) send(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	body := c.buildBody(req, stream)
	url := c.cfg.BaseURL + completionsPath

	var lastErr *Error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if c.onRetry != nil {
				c.onRetry(attempt)
			}
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}

		var attemptCtx context.Context
		var cancel context.CancelFunc
		var connectTimer *time.Timer
		var connectTimedOut atomic.Bool
		if stream {
			attemptCtx, cancel = context.WithCancel(ctx)
			connectTimer = time.AfterFunc(c.cfg.AttemptTimeout, func() {
				connectTimedOut.Store(true)
				cancel()
			})
		} else {
			attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		}
		httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			if connectTimer != nil {
				connectTimer.Stop()
			}
			cancel()
			return nil, &Error{Err: err}
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.cfg.APIKey)
		httpReq.Header.Set("anthropic-version", apiVersion)
		if stream {
			httpReq.Header.Set("Accept", "text/event-stream")
		}

		resp, err := c.cfg.HTTPClient.Do(httpReq)
		if err != nil {
			if connectTimer != nil {
				connectTimer.Stop()
			}
			cancel()
			if ctx.Err() != nil {
				// Caller cancellation is never retried.
				return nil, ctx.Err()
			}
			lastErr = &Error{Err: err}
			if attemptCtx.Err() == context.DeadlineExceeded || connectTimedOut.Load() {
				lastErr = &Error{Err: context.DeadlineExceeded}
			}
			log.Debug().Err(err).Int("attempt", attempt).Msg("upstream: attempt failed")
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if connectTimer != nil {
				connectTimer.Stop()
			}
			resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}

		// Error status: capture the body for internal logging, never for
		// the caller.
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		_ = resp.Body.Close()
		if connectTimer != nil {
			connectTimer.Stop()
		}
		cancel()

		log.Warn().
			Int("status", resp.StatusCode).
			Int("attempt", attempt).
			Str("api_key", utils.MaskKey(c.cfg.APIKey)).
			Str("body", string(errBody)).
			Msg("upstream: error response")

		lastErr = &Error{Status: resp.StatusCode}
		if !retryableStatus(resp.StatusCode) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// backoff computes min(maxDelay, initial*multiplier^attempt) plus uniform
// jitter in [0, 0.3*delay) to avoid synchronized retry storms.
func (c *Client) backoff(attempt int) time.Duration {
	delay := float64(c.cfg.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= c.cfg.Multiplier
	}
	if capped := float64(c.cfg.MaxDelay); delay > capped {
		delay = capped
	}
	return time.Duration(delay + rand.Float64()*0.3*delay)
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// cancelOnClose ties an attempt's context cancel to the response body, so
// the connection is released exactly when the caller is done reading.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
