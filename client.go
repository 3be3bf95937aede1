package chatsync

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

// DefaultTimeout bounds every REST call made by Client.
const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat REST API. It owns no state besides credentials.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithClientHTTP(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a REST client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

type errorBody struct {
	Error *APIError `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error != nil {
			apiErr.Code = eb.Error.Code
			apiErr.Message = eb.Error.Message
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// ============================================================================
// Conversations
// ============================================================================

// CreateConversation returns the conversation with otherUserID, creating it
// on first contact. Repeated calls return the same conversation.
func (c *Client) CreateConversation(ctx context.Context, otherUserID string) (*Conversation, error) {
	var conv Conversation
	err := c.do(ctx, http.MethodPost, "/conversations", map[string]string{"otherUserId": otherUserID}, nil, &conv)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListConversations returns the caller's conversations, most recent first.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// MarkRead marks the conversation read up to now and returns the highest
// server id covered.
func (c *Client) MarkRead(ctx context.Context, conversationID int64) (int64, error) {
	var resp struct {
		UpToServerID int64 `json:"upToServerId"`
	}
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "read"), nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.UpToServerID, nil
}

// ============================================================================
// Messages
// ============================================================================

// ListMessages fetches one page of confirmed messages, oldest first.
// Page 1 holds the oldest messages.
func (c *Client) ListMessages(ctx context.Context, conversationID int64, page int) ([]Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	var msgs []Message
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "messages"), nil, q, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage posts a message. The server treats correlationID as an
// idempotency key and returns the original message on a repeated key.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, body, correlationID string) (*Message, error) {
	payload := map[string]string{"body": body, "correlationId": correlationID}
	var msg Message
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "messages"), payload, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func conversationPath(conversationID int64, sub string) string {
	return "/conversations/" + strconv.FormatInt(conversationID, 10) + "/" + sub
}
