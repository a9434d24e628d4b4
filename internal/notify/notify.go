// Package notify posts best-effort messages to the operations channel
// (a Slack incoming webhook). Delivery never blocks or fails the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const sendTimeout = 5 * time.Second

// Message is a single operations notification.
type Message struct {
	Title  string
	Fields map[string]string
}

// Text renders the message as Slack mrkdwn.
func (m Message) Text() string {
	var b strings.Builder
	b.WriteString("*")
	b.WriteString(m.Title)
	b.WriteString("*")

	keys := make([]string, 0, len(m.Fields))
	for k, v := range m.Fields {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n• %s: %s", k, m.Fields[k])
	}
	return b.String()
}

// Slack delivers messages to an incoming webhook in the background.
type Slack struct {
	url    string
	client *http.Client
	wg     sync.WaitGroup
}

// NewSlack creates a notifier for webhookURL. An empty URL disables delivery.
func NewSlack(webhookURL string, httpClient *http.Client) *Slack {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: sendTimeout}
	}
	return &Slack{url: webhookURL, client: httpClient}
}

// Notify queues msg for delivery and returns immediately. The request
// context's cancellation does not abort delivery.
func (s *Slack) Notify(ctx context.Context, msg Message) {
	if s == nil || s.url == "" {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		if err := s.Send(sendCtx, msg); err != nil {
			log.Warn().Str("component", "notify").Err(err).Str("title", msg.Title).Msg("ops notification failed")
		}
	}()
}

// Send delivers msg synchronously.
func (s *Slack) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(map[string]string{"text": msg.Text()})
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until queued notifications finish or ctx is done.
func (s *Slack) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
