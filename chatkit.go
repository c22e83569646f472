// Package chatkit implements the real-time conversation messaging core for
// the Tradora marketplace: a per-conversation socket with REST fallback,
// optimistic send reconciliation, typing presence, read tracking, and
// backward-paginated history.
//
// Example:
//
//	client := chatkit.NewClient(chatkit.Credential{Token: "sess-..."})
//	dir := chatkit.NewDirectory(client, nil)
//
//	view, _ := chatkit.OpenConversation(ctx, client, dir, "conv-42", chatkit.ViewOptions{
//		OnMessages: render,
//	})
//	defer view.Close()
//
//	view.Send(ctx, "hello")
package chatkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the production API origin.
	DefaultBaseURL = "https://tradora.app"
	// DefaultTimeout bounds each REST call.
	DefaultTimeout = 30 * time.Second
	// DefaultPageSize is the fixed history page size.
	DefaultPageSize = 20
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST message-store client: conversation listing, history
// pages, sends, and read marks. It also dials per-conversation sockets via
// Connect.
type Client struct {
	baseURL    string
	credential Credential
	httpClient *http.Client
	pageSize   int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API origin.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the REST call timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithPageSize overrides the history page size.
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// NewClient creates a client authenticated by credential (session or guest
// token).
func NewClient(credential Credential, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		credential: credential,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		pageSize:   DefaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetCredential swaps the auth credential, e.g. after a guest registers.
func (c *Client) SetCredential(credential Credential) {
	c.credential = credential
}

// Credential returns the current credential.
func (c *Client) Credential() Credential {
	return c.credential
}

// WSURL returns the socket endpoint for one conversation.
func (c *Client) WSURL(conversationID string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	u := base + "/ws/chat/" + conversationID
	if c.credential.Token != "" {
		u += "?token=" + url.QueryEscape(c.credential.Token)
	}
	return u
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credential.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			return nil, &apiErr
		}
		return nil, &APIError{
			Code:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message: strings.TrimSpace(string(data)),
		}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Message Store API
// ============================================================================

// ListConversations returns the caller's conversation summaries, ordered by
// recency, with unread counts.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, "GET", "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// GetMessages fetches one history page, newest-first, with the server's
// remaining-depth cursor.
func (c *Client) GetMessages(ctx context.Context, conversationID string, limit, offset int) (*MessagePage, error) {
	query := map[string]string{
		"limit":  fmt.Sprintf("%d", limit),
		"offset": fmt.Sprintf("%d", offset),
	}
	data, err := c.doRequest(ctx, "GET", "/api/chat/conversations/"+conversationID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	page, err := decodeJSON[MessagePage](data)
	if err != nil {
		return nil, err
	}
	for i := range page.Results {
		page.Results[i].normalize()
	}
	return page, nil
}

// SendMessage delivers content over REST and returns the confirmed message.
// clientID is the optional correlation id the server echoes back.
func (c *Client) SendMessage(ctx context.Context, conversationID, content, clientID string) (*Message, error) {
	body := messageSendFrame{Content: content, ClientID: clientID}
	data, err := c.doRequest(ctx, "POST", "/api/chat/conversations/"+conversationID+"/messages", body, nil)
	if err != nil {
		return nil, err
	}
	msg, err := decodeJSON[Message](data)
	if err != nil {
		return nil, err
	}
	msg.normalize()
	return msg, nil
}

// MarkRead marks everything in the conversation read up to now.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, "POST", "/api/chat/conversations/"+conversationID+"/read", nil, nil)
	return err
}

// Me resolves the identity behind the client's credential.
func (c *Client) Me(ctx context.Context) (*Identity, error) {
	data, err := c.doRequest(ctx, "GET", "/api/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Identity](data)
}
