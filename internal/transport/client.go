// Package transport delivers outbound replies to the chat bridge. The
// bridge owns the actual messaging protocol; this client only speaks
// its small HTTP surface.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OutboundMessage is the payload POSTed to the bridge's /send endpoint.
// ImagePaths are relative to the shared attachments root; the bridge
// reads the bytes itself.
type OutboundMessage struct {
	GroupID         string   `json:"group_id"`
	Text            string   `json:"text"`
	QuoteMessageID  string   `json:"quote_message_id,omitempty"`
	MentionSenderFP string   `json:"mention_sender_fp,omitempty"`
	ImagePaths      []string `json:"image_paths,omitempty"`
}

// Client sends messages through the bridge over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a Client for the bridge at baseURL. The token is
// sent as a bearer credential when non-empty.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send posts one outbound message. Any non-2xx answer is an error, so
// the job retries and the bridge's own dedupe decides what to do with
// the redelivery.
func (c *Client) Send(ctx context.Context, msg OutboundMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling outbound message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending to bridge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bridge returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
