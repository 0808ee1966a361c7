package api

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

	"github.com/weiawesome/derma-console/internal/domain"
	"github.com/weiawesome/derma-console/pkg/jwt"
	"github.com/weiawesome/derma-console/pkg/log"
)

// maxBodySize caps how much of a response is read.
const maxBodySize = 8 << 20

// TokenSource supplies the bearer token for each request. An empty token
// sends no Authorization header.
type TokenSource interface {
	Token() string
}

// Client talks to the platform backend.
type Client struct {
	baseURL        string
	http           *http.Client
	tokens         TokenSource
	onUnauthorized func(ctx context.Context)
}

type Option func(*Client)

// WithUnauthorizedHandler sets the hook run on every 401, before the
// error is returned to the caller.
func WithUnauthorizedHandler(fn func(ctx context.Context)) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// NewClient creates a backend client rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	hc := *c.http
	hc.Transport = log.Transport(hc.Transport)
	c.http = &hc
	return c
}

// ListChats fetches the specialist's conversations.
func (c *Client) ListChats(ctx context.Context) ([]domain.ChatSummary, error) {
	var out []domain.ChatSummary
	if err := c.do(ctx, http.MethodGet, "/chats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages fetches the full message history of a conversation.
func (c *Client) ListMessages(ctx context.Context, chatID string) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	if err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage persists a chat line and returns the stored message.
func (c *Client) SendMessage(ctx context.Context, chatID string, req domain.SendMessageRequest) (*domain.ChatMessage, error) {
	var out domain.ChatMessage
	if err := c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndChat closes a consultation.
func (c *Client) EndChat(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/end", nil, nil)
}

func (c *Client) ListNotifications(ctx context.Context) ([]domain.NotificationPayload, error) {
	var out []domain.NotificationPayload
	if err := c.do(ctx, http.MethodGet, "/notifications", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPatch, "/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/notifications/read-all", nil, nil)
}

// do issues a request and decodes the unwrapped payload into out when
// out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token := jwt.Sanitize(c.tokens.Token()); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := parseError(resp.StatusCode, data)
		if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
			c.onUnauthorized(ctx)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := Decode(data, out); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}
