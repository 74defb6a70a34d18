// Package teamchat keeps a local, ordered message list of a team conversation
// in sync with a chat backend and its live event feed, with optimistic sends.
//
// Example:
//
//	client := teamchat.NewClient(token, teamchat.WithBaseURL("https://chat.example.com"))
//	subs := teamchat.NewSubscriptionManager(client.Events(nil))
//
//	session := teamchat.NewSession(client, subs)
//	if err := session.Open(ctx, "team-1"); err != nil { ... }
//	defer session.Close()
//
//	delivery, _ := session.Send("hello")
//	msg, err := delivery.Wait(ctx)
package teamchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat backend's REST API. It implements Backend.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a backend client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Backend API
// ============================================================================

// CurrentUser returns the user the token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var u User
	if err := c.call(ctx, http.MethodGet, "/api/me", nil, nil, nil, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// TeamMembers lists the roster of a conversation.
func (c *Client) TeamMembers(ctx context.Context, conversationID string) ([]Member, error) {
	var members []Member
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/members"
	if err := c.call(ctx, http.MethodGet, path, nil, nil, nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// Messages fetches the most recent limit messages, newest first.
func (c *Client) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	query := map[string]string{"order": "desc"}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	var msgs []Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.call(ctx, http.MethodGet, path, nil, query, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// CreateMessage posts a new message. The draft's idempotency key is sent as
// the Idempotency-Key header so a replayed request creates one record.
func (c *Client) CreateMessage(ctx context.Context, draft Draft) (Message, error) {
	headers := map[string]string{}
	if draft.IdempotencyKey != "" {
		headers["Idempotency-Key"] = draft.IdempotencyKey
	}
	var msg Message
	path := "/api/conversations/" + url.PathEscape(draft.ConversationID) + "/messages"
	if err := c.call(ctx, http.MethodPost, path, draft, nil, headers, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) call(ctx context.Context, method, path string, body interface{}, query, headers map[string]string, out interface{}) error {
	status, data, err := c.doRequest(ctx, method, path, body, query, headers)
	if err != nil {
		return err
	}
	result, err := decodeJSON[Result](data)
	if err != nil {
		if status >= http.StatusBadRequest {
			return &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: http.StatusText(status)}
		}
		return err
	}
	if !result.OK {
		if result.Error != nil {
			return result.Error
		}
		return &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: "request failed"}
	}
	if err := result.Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query, headers map[string]string) (int, []byte, error) {
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
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
