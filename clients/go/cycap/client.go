// Package cycap provides a Go client for the CyCap chat API: a thin HTTP
// client plus a ChatSession that maintains a live, ordered view of one
// channel the way the web app's chat hook does.
package cycap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Message types.
const (
	MessageText       = "text"
	MessageTradeAlert = "trade_alert"
)

// ErrNotAuthenticated is returned when an operation requires a session token
// and the client has none.
var ErrNotAuthenticated = errors.New("cycap: session token required")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cycap: API error %d: %s", e.StatusCode, e.Message)
}

// Sender is the display identity attached to a message.
type Sender struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Message is a chat message as returned by the API.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	SenderID  string    `json:"senderId"`
	Sender    *Sender   `json:"sender,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Client is a CyCap chat API client.
type Client struct {
	BaseURL    string
	Token      string // opaque session token; empty for unauthenticated use
	UserID     string // primes optimistic sends; informational only
	HTTPClient *http.Client
}

// NewClient creates a new client for the given server.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// doRequest performs an HTTP request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	return respBody, nil
}

// GetMessages retrieves up to limit messages for a channel, newest-first.
// A non-empty cursor pages backward: only messages strictly older than the
// cursor id are returned.
func (c *Client) GetMessages(ctx context.Context, channelID string, limit int, cursor string) ([]Message, error) {
	q := url.Values{}
	q.Set("channelId", channelID)
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	respBody, err := c.doRequest(ctx, http.MethodGet, "/api/chat?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var messages []Message
	if err := json.Unmarshal(respBody, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// postMessageRequest is the ingress write body.
type postMessageRequest struct {
	ChannelID string `json:"channelId"`
	Content   string `json:"content"`
	Type      string `json:"type,omitempty"`
}

// PostMessage posts a message and returns the persisted, denormalized
// message. The response is the authoritative write acknowledgment.
func (c *Client) PostMessage(ctx context.Context, channelID, content, msgType string) (*Message, error) {
	if c.Token == "" {
		return nil, ErrNotAuthenticated
	}

	reqBody, _ := json.Marshal(postMessageRequest{
		ChannelID: channelID,
		Content:   content,
		Type:      msgType,
	})

	respBody, err := c.doRequest(ctx, http.MethodPost, "/api/chat", reqBody)
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Typing publishes a transient typing indicator for a channel.
func (c *Client) Typing(ctx context.Context, channelID string) error {
	if c.Token == "" {
		return ErrNotAuthenticated
	}
	reqBody, _ := json.Marshal(map[string]string{"channelId": channelID})
	_, err := c.doRequest(ctx, http.MethodPost, "/api/chat/typing", reqBody)
	return err
}

// User is a directory entry's display identity.
type User struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	JoinedAt  string `json:"joinedAt"`
}

// GetUser looks up a user's display identity.
func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/api/users/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	var user User
	if err := json.Unmarshal(respBody, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    map[string]interface{} `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}

	var resp HealthResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
