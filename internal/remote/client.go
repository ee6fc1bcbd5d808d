// Package remote calls the engine's external HTTP collaborators (proof verification and
// invoice rendering) with a bounded deadline and retries for transient failures.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/inaiurai/settlement/internal/models"
)

const maxResponseBytes = 16 << 20

// StatusError is a non-retryable HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	maxTries   uint
	log        *slog.Logger
}

// NewClient returns a Client for baseURL. timeout bounds a whole call including retries.
func NewClient(baseURL string, timeout time.Duration, maxTries uint, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if maxTries == 0 {
		maxTries = 3
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    timeout,
		maxTries:   maxTries,
		log:        log,
	}
}

// PostJSON posts body and decodes the JSON response into out.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	raw, err := c.Post(ctx, path, "application/json", body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Post sends body as JSON and returns the raw response. Transport errors, 429 and 5xx
// are retried with exponential backoff until maxTries or the deadline. A call that runs
// out of time fails with ErrTimeout.
func (c *Client) Post(ctx context.Context, path, accept string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", path, err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	url := c.baseURL + path

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	raw, err := backoff.Retry(ctx, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Body: snippet(data)}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, backoff.Permanent(&StatusError{URL: url, StatusCode: resp.StatusCode, Body: snippet(data)})
		}
		return data, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("remote call failed, retrying", "url", url, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s did not answer within %s: %v", models.ErrTimeout, url, c.timeout, err)
		}
		return nil, err
	}
	return raw, nil
}

func snippet(b []byte) string {
	const max = 256
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
