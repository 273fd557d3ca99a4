// Package rest is the client for the REST collaborators: conversations,
// message history, read marks, and user search. The endpoints themselves are
// owned by the backend; this package only speaks their shape.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"chatkit/internal/models"
	"chatkit/internal/observability"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// errorResponse is the standardized error body the collaborators return.
type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Client talks to the REST collaborators with a bearer credential.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient creates a REST client for the given base URL and bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	ctx, span := observability.Tracer.Start(ctx, "rest."+method+" "+path)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.path", path))

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return models.NewRESTError(fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusUnauthorized {
		// Surfaced as-is so the surrounding application can treat it as a
		// global logout trigger.
		return models.ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		msg := errBody.Error
		if msg == "" {
			msg = fmt.Sprintf("%s %s returned status %d", method, path, resp.StatusCode)
		}
		span.SetStatus(codes.Error, msg)
		return models.NewRESTError(msg, nil)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return models.NewRESTError("failed to decode response", err)
		}
	}
	return nil
}

// Me returns the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (*models.User, error) {
	var user models.User
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Conversations fetches the full conversation list.
func (c *Client) Conversations(ctx context.Context) ([]*models.Conversation, error) {
	var convs []*models.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// PrivateConversation gets or creates the one-on-one conversation with the
// given user. The endpoint is idempotent.
func (c *Client) PrivateConversation(ctx context.Context, userID string) (*models.Conversation, error) {
	var conv models.Conversation
	body := map[string]string{"user_id": userID}
	if err := c.do(ctx, http.MethodPost, "/conversations/private", body, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateGroup creates a group conversation with the given members.
func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []string) (*models.Conversation, error) {
	if name == "" {
		return nil, models.NewValidationError("group conversations require a name")
	}
	var conv models.Conversation
	body := map[string]interface{}{"name": name, "member_ids": memberIDs}
	if err := c.do(ctx, http.MethodPost, "/conversations/group", body, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Messages fetches the full message history for one conversation.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	var msgs []*models.Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead marks the given messages read in a conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	body := map[string]interface{}{"message_ids": messageIDs}
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// EditMessage replaces a message's content.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) error {
	path := "/messages/" + url.PathEscape(messageID)
	return c.do(ctx, http.MethodPut, path, map[string]string{"content": content}, nil)
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	path := "/messages/" + url.PathEscape(messageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// SearchUsers searches users by name fragment.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]*models.User, error) {
	var users []*models.User
	path := "/users/search?q=" + url.QueryEscape(query)
	if err := c.do(ctx, http.MethodGet, path, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}
