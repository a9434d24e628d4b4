// Package automation posts workflow events to the external marketing
// automation tool. Only the response status is inspected.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const defaultTimeout = 10 * time.Second

// ErrNotConfigured is returned when no webhook URL is set.
var ErrNotConfigured = errors.New("automation: webhook url not configured")

// EventAbandon is sent when a checkout is abandoned.
const EventAbandon = "abandon"

// AbandonPayload is the body of an abandon event.
type AbandonPayload struct {
	Name            string `json:"name"`
	Email           string `json:"email,omitempty"`
	Phone           string `json:"phone,omitempty"`
	PaymentIntentID string `json:"payment_intent_id"`
	Product         string `json:"product,omitempty"`
	RecoveryURL     string `json:"recovery_url"`
}

type envelope struct {
	Event   string      `json:"event"`
	EventID string      `json:"event_id"`
	SentAt  time.Time   `json:"sent_at"`
	Data    interface{} `json:"data"`
}

// Client posts events to a single webhook URL.
type Client struct {
	url    string
	client *http.Client
}

// NewClient creates a client for url. httpClient may be nil.
func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{url: url, client: httpClient}
}

// Send posts event with data. Any transport error or non-2xx status is
// returned as an error.
func (c *Client) Send(ctx context.Context, event string, data interface{}) error {
	if c.url == "" {
		return ErrNotConfigured
	}

	body, err := json.Marshal(envelope{
		Event:   event,
		EventID: uuid.NewString(),
		SentAt:  time.Now().UTC(),
		Data:    data,
	})
	if err != nil {
		return fmt.Errorf("automation: marshal %s event: %w", event, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("automation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("automation: post %s event: %w", event, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("automation: %s event rejected with status %d", event, resp.StatusCode)
	}

	log.Debug().Str("component", "automation").Str("event", event).Int("status", resp.StatusCode).Msg("event delivered")
	return nil
}

// SendAbandon posts an abandon event.
func (c *Client) SendAbandon(ctx context.Context, p AbandonPayload) error {
	return c.Send(ctx, EventAbandon, p)
}
