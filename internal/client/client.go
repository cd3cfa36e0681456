// Package client talks to the chat service over HTTP. It is stateless: every
// call either yields a fully decoded result or a single *Error.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chat/internal/model/chat"
)

// DefaultTimeout bounds a single request when no http.Client is supplied.
const DefaultTimeout = 30 * time.Second

// API is the capability the session store consumes.
type API interface {
	StartSession(ctx context.Context, anonymous bool, profile *chat.UserProfile) (*chat.StartSessionResponse, error)
	SendMessage(ctx context.Context, sessionID, text string) (*chat.MessageResponse, error)
	EndSession(ctx context.Context, sessionID string) (*chat.EndSessionResponse, error)
}

// Client implements API against the HTTP endpoints of the chat service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

var _ API = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// New creates a Client for the given base endpoint, e.g.
// "http://localhost:8080/api/v1".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		userAgent:  "z-tavern-chat",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the endpoint the client was configured with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StartSession opens a new session and returns its identifier and greeting.
func (c *Client) StartSession(ctx context.Context, anonymous bool, profile *chat.UserProfile) (*chat.StartSessionResponse, error) {
	body := chat.StartSessionRequest{Anonymous: anonymous, UserProfile: profile}

	var out chat.StartSessionResponse
	if err := c.do(ctx, http.MethodPost, "/sessions/start", body, &out); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		return nil, &Error{Message: "invalid response body: missing session_id"}
	}
	return &out, nil
}

// SendMessage posts one user turn and returns the service reply.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) (*chat.MessageResponse, error) {
	body := chat.MessageRequest{SessionID: sessionID, Message: text}

	var out chat.MessageResponse
	if err := c.do(ctx, http.MethodPost, "/chat/message", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndSession notifies the service that the session is over.
func (c *Client) EndSession(ctx context.Context, sessionID string) (*chat.EndSessionResponse, error) {
	var out chat.EndSessionResponse
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/end", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History fetches the server-side conversation history of a live session.
func (c *Client) History(ctx context.Context, sessionID string) (*chat.HistoryResponse, error) {
	var out chat.HistoryResponse
	if err := c.do(ctx, http.MethodGet, "/chat/"+url.PathEscape(sessionID)+"/history", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRecords pages through ended-session records, newest first.
func (c *Client) ListRecords(ctx context.Context, skip, limit int) ([]chat.SessionRecord, error) {
	query := url.Values{}
	query.Set("skip", strconv.Itoa(skip))
	query.Set("limit", strconv.Itoa(limit))

	var out []chat.SessionRecord
	if err := c.do(ctx, http.MethodGet, "/sessions/history?"+query.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &Error{Message: "encode request body", Err: errors.Wrap(err, "marshal request")}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Message: err.Error(), Err: errors.Wrap(err, "build request")}
	}

	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(middleware.RequestIDHeader, requestID)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	logger := log.With().Str("method", method).Str("path", path).Str("request_id", requestID).Logger()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Debug().Err(err).Msg("chat api request failed")
		return &Error{Message: err.Error(), Err: errors.Wrap(err, "send request")}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{StatusCode: resp.StatusCode, Message: "read response body", Err: errors.Wrap(err, "read response")}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := newStatusError(resp.StatusCode, data)
		logger.Debug().Int("status", resp.StatusCode).Str("detail", apiErr.Message).Msg("chat api returned error")
		return apiErr
	}

	logger.Debug().Int("status", resp.StatusCode).Msg("chat api request completed")

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{StatusCode: resp.StatusCode, Message: "invalid response body", Err: errors.Wrap(err, "decode response")}
	}
	return nil
}
