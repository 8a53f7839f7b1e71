// Package restapi is the request/response companion of the realtime stream.
// Its responses are authoritative initial state; realtime events are deltas.
package restapi

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/carechat/carechat/internal/wire"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Conversation is one entry of the conversation listing.
type Conversation struct {
	ID                 string    `json:"id"`
	PeerID             string    `json:"peerId"`
	PeerName           string    `json:"peerName"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	UnreadCount        int       `json:"unreadCount"`
}

// Error is returned for non-2xx responses.
type Error struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Client talks to the portal API with a bearer token.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// New creates a client for baseURL.
func New(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	h := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: h, logger: logger}
}

// ListConversations returns the user's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/conversations")
	if err := check(resp, err); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

// History returns up to limit of the most recent messages of a conversation.
func (c *Client) History(ctx context.Context, conversationID string, limit int) ([]wire.MessagePayload, error) {
	var out []wire.MessagePayload
	req := c.http.R().
		SetContext(ctx).
		SetPathParam("id", conversationID).
		SetResult(&out)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := req.Get("/conversations/{id}/messages")
	if err := check(resp, err); err != nil {
		return nil, fmt.Errorf("history %s: %w", conversationID, err)
	}
	c.logger.Debug("history loaded", zap.String("conversation_id", conversationID), zap.Int("messages", len(out)))
	return out, nil
}

// MarkRead marks every message of the conversation as read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", conversationID).
		Post("/conversations/{id}/read")
	if err := check(resp, err); err != nil {
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	return nil
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &Error{
			Method: resp.Request.Method,
			Path:   resp.Request.URL,
			Status: resp.StatusCode(),
			Body:   resp.String(),
		}
	}
	return nil
}
