// Package webhook posts newly committed transcriptions to an optional
// outbound HTTPS endpoint, with bounded retry on failure.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oliverbhull/memo-node/internal/database"
)

// retryDelays are the fixed backoff delays between attempts, per spec §6:
// 1s, 2s, 4s, for a maximum of 3 retries after the first attempt.
var retryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// payload is the JSON body POSTed to the configured endpoint.
type payload struct {
	ID           string `json:"id"`
	Timestamp    int64  `json:"timestamp"`
	Text         string `json:"text"`
	SourceNode   string `json:"source_node"`
	MemoDeviceID string `json:"memo_device_id"`
}

// Client posts transcriptions to a configured HTTPS endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
	logger     *slog.Logger
}

// NewClient builds a Client posting to endpoint. An empty endpoint means
// the webhook is not configured; callers should check Configured first.
func NewClient(endpoint string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		endpoint:   endpoint,
		logger:     logger.With("component", "webhook"),
	}
}

// Configured reports whether an outbound endpoint is set.
func (c *Client) Configured() bool {
	return c.endpoint != ""
}

// Post sends t to the configured endpoint, retrying non-2xx responses and
// transport errors with the fixed 1s/2s/4s backoff. Permanent failure
// (retries exhausted) is logged and returned but never affects local
// storage — the caller always already has t durably stored.
func (c *Client) Post(ctx context.Context, t database.Transcription) error {
	body, err := json.Marshal(payload{
		ID:           t.ID,
		Timestamp:    t.Timestamp,
		Text:         t.Text,
		SourceNode:   t.SourceNode,
		MemoDeviceID: t.DeviceID,
	})
	if err != nil {
		return fmt.Errorf("webhook: marshalling payload: %w", err)
	}

	var lastErr error
	attempts := append([]time.Duration{0}, retryDelays...)

	for i, delay := range attempts {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.attempt(ctx, body); err != nil {
			lastErr = err
			c.logger.Warn("webhook delivery attempt failed", "id", t.ID, "attempt", i+1, "error", err)
			continue
		}
		return nil
	}

	c.logger.Error("webhook delivery gave up after retries", "id", t.ID, "error", lastErr)
	return fmt.Errorf("webhook: delivery failed after %d attempts: %w", len(attempts), lastErr)
}

func (c *Client) attempt(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

// Run subscribes to fanout and posts every transcription it emits until
// ctx is canceled. Intended to run as one of the daemon's independent
// background tasks.
func (c *Client) Run(ctx context.Context, transcriptions <-chan database.Transcription) {
	for {
		select {
		case t, ok := <-transcriptions:
			if !ok {
				return
			}
			if err := c.Post(ctx, t); err != nil {
				c.logger.Error("webhook post failed permanently, continuing", "id", t.ID, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
