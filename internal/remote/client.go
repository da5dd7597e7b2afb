// Package remote is the HTTP client for the message service. Methods take
// an explicit access token so the caller controls how token acquisition and
// the round-trip compose under one timeout budget.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jsmcorp/bouge-sync/internal/errs"
	"github.com/jsmcorp/bouge-sync/internal/models"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type SendMessageRequest struct {
	GroupID     string             `json:"group_id"`
	SenderID    string             `json:"sender_id"`
	Content     string             `json:"content"`
	MessageType models.MessageType `json:"message_type"`
	IsGhost     bool               `json:"is_ghost"`
	Category    *string            `json:"category,omitempty"`
	ParentID    *string            `json:"parent_id,omitempty"`
	ImageURL    *string            `json:"image_url,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

type FanoutRequest struct {
	MessageID string   `json:"message_id"`
	GroupID   string   `json:"group_id"`
	SenderID  string   `json:"sender_id"`
	Tokens    []string `json:"tokens,omitempty"`
}

// RemoteReadState is the authoritative per-group read aggregate.
type RemoteReadState struct {
	GroupID           string    `json:"group_id"`
	UnreadCount       int       `json:"unread_count"`
	LastReadAt        time.Time `json:"last_read_at"`
	LastReadMessageID string    `json:"last_read_message_id"`
}

// RefreshSession exchanges a refresh token for a new session (primary
// refresh strategy). No access token required.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*models.Session, error) {
	var session models.Session
	err := c.do(ctx, http.MethodPost, "/auth/refresh", "", map[string]string{
		"refresh_token": refreshToken,
	}, &session)
	if err != nil {
		return nil, err
	}
	session.CachedAt = time.Now()
	return &session, nil
}

// RecoverSession re-establishes a session from the stored recovery secret
// (secondary strategy, used when the refresh grant fails).
func (c *Client) RecoverSession(ctx context.Context, userID, recoveryKey string) (*models.Session, error) {
	var session models.Session
	err := c.do(ctx, http.MethodPost, "/auth/recover", "", map[string]string{
		"user_id":      userID,
		"recovery_key": recoveryKey,
	}, &session)
	if err != nil {
		return nil, err
	}
	session.CachedAt = time.Now()
	return &session, nil
}

// SendMessage performs the remote write. The idempotency key is the
// client-generated optimistic id, and the server treats the write as an
// upsert keyed by it, so re-attempting a partially-sent item is safe.
// The returned message carries the server-authoritative id.
func (c *Client) SendMessage(ctx context.Context, token, idempotencyKey string, req SendMessageRequest) (*models.Message, error) {
	var msg models.Message
	err := c.doWithHeaders(ctx, http.MethodPost, "/messages", token, map[string]string{
		"Idempotency-Key": idempotencyKey,
	}, req, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) GetMessage(ctx context.Context, token, id string) (*models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(id), token, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetMessagesSince fetches messages created after since. An empty groupID
// spans all of the user's groups (multi-group delta sync).
func (c *Client) GetMessagesSince(ctx context.Context, token, groupID string, since time.Time, limit int) ([]models.Message, error) {
	q := url.Values{}
	if groupID != "" {
		q.Set("group_id", groupID)
	}
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	q.Set("limit", strconv.Itoa(limit))

	var messages []models.Message
	if err := c.do(ctx, http.MethodGet, "/messages?"+q.Encode(), token, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkGroupAsRead is the mark_group_as_read RPC.
func (c *Client) MarkGroupAsRead(ctx context.Context, token, groupID, userID, lastMessageID string, lastReadAt time.Time) error {
	return c.do(ctx, http.MethodPost, "/rpc/mark_group_as_read", token, map[string]interface{}{
		"group_id":        groupID,
		"user_id":         userID,
		"last_message_id": lastMessageID,
		"last_read_at":    lastReadAt.UTC().Format(time.RFC3339Nano),
	}, nil)
}

// GetAllUnreadCounts is the get_all_unread_counts RPC. It bypasses every
// local cache and returns the authoritative aggregate.
func (c *Client) GetAllUnreadCounts(ctx context.Context, token, userID string) ([]RemoteReadState, error) {
	var states []RemoteReadState
	err := c.do(ctx, http.MethodPost, "/rpc/get_all_unread_counts", token, map[string]string{
		"user_id": userID,
	}, &states)
	return states, err
}

// TriggerFanout asks the service to notify group members about a freshly
// acknowledged message. MessageID must be the server-authoritative id:
// consumers fetch the message by id, and the optimistic id resolves to
// nothing on their side.
func (c *Client) TriggerFanout(ctx context.Context, token string, req FanoutRequest) error {
	return c.do(ctx, http.MethodPost, "/fanout", token, req, nil)
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out interface{}) error {
	return c.doWithHeaders(ctx, method, path, token, nil, body, out)
}

func (c *Client) doWithHeaders(ctx context.Context, method, path, token string, headers map[string]string, body, out interface{}) error {
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
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return mapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return mapStatusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errs.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", errs.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", errs.ErrTransientNetwork, err)
}

func mapStatusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", errs.ErrAuthExpired, resp.StatusCode, data)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: status %d", errs.ErrNotFound, resp.StatusCode)
	case resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: status %d", errs.ErrTimeout, resp.StatusCode)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", errs.ErrTransientNetwork, resp.StatusCode, data)
	default:
		return fmt.Errorf("remote: status %d: %s", resp.StatusCode, data)
	}
}
