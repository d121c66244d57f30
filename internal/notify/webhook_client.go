// Package notify tells a downstream automation endpoint when a media group
// finished syncing.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 10 * time.Second

// GroupSynced is the payload posted after a successful or partial sync.
type GroupSynced struct {
	MediaGroupID  string    `json:"media_group_id"`
	SourceID      string    `json:"source_id"`
	Outcome       string    `json:"outcome"`
	Updated       []string  `json:"updated"`
	Failed        []string  `json:"failed,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	SyncedAt      time.Time `json:"synced_at"`
}

type Notifier interface {
	NotifyGroupSynced(ctx context.Context, n GroupSynced) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) NotifyGroupSynced(context.Context, GroupSynced) error { return nil }

// StatusError is a non-2xx webhook response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d body=%q", e.Code, e.Body)
}

// StatusCode lets the retry predicate classify 429 and 5xx responses.
func (e *StatusError) StatusCode() int {
	return e.Code
}

type WebhookClient struct {
	url    string
	client *http.Client
}

func NewWebhookClient(url string, timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &WebhookClient{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *WebhookClient) NotifyGroupSynced(ctx context.Context, n GroupSynced) error {
	reqBody, err := json.Marshal(n)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", n.CorrelationID)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return nil
}
