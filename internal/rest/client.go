// Package rest implements the HTTP client for the LMS messaging backend.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/RehanRiaz5383/lmsinbox/internal/model"
)

// DefaultTimeout bounds every request issued by the client.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx response decoded from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the messaging endpoints of the LMS backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout overrides the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a client for the given backend origin and bearer token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend origin.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the configured bearer token.
func (c *Client) Token() string { return c.token }

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var decoded struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(data, &decoded) == nil {
			apiErr.Message = decoded.Message
			if apiErr.Message == "" {
				apiErr.Message = decoded.Error
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ListConversations returns every conversation the viewer participates in.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var convos []model.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &convos); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convos, nil
}

// GetOrCreateConversation returns the conversation with otherUserID,
// creating it server-side if it does not exist yet.
func (c *Client) GetOrCreateConversation(ctx context.Context, otherUserID string) (*model.Conversation, error) {
	var convo model.Conversation
	payload := map[string]string{"otherUserId": otherUserID}
	if err := c.do(ctx, http.MethodPost, "/api/conversations", payload, &convo); err != nil {
		return nil, fmt.Errorf("get or create conversation: %w", err)
	}
	return &convo, nil
}

// ListMessages returns the full message history of a conversation, oldest
// first.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var msgs []model.Message
	path := "/api/conversations/" + conversationID + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// SendMessage posts a message over REST. Used as the fallback path when the
// push channel is disconnected.
func (c *Client) SendMessage(ctx context.Context, conversationID, body string, attachment *model.Attachment) (*model.Message, error) {
	var msg model.Message
	payload := model.OutgoingMessage{ConversationID: conversationID, Body: body, Attachment: attachment}
	path := "/api/conversations/" + conversationID + "/messages"
	if err := c.do(ctx, http.MethodPost, path, payload, &msg); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &msg, nil
}

// MarkAsRead acknowledges every unread message in the conversation.
func (c *Client) MarkAsRead(ctx context.Context, conversationID string) error {
	path := "/api/conversations/" + conversationID + "/read"
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("mark as read: %w", err)
	}
	return nil
}

// UploadAttachment streams a file as multipart form data and returns the
// stored-file descriptor. Size validation happens in the attach package
// before this is called.
func (c *Client) UploadAttachment(ctx context.Context, name string, r io.Reader) (*model.Attachment, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("upload attachment: read file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/attachments", &buf)
	if err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var desc model.Attachment
	if err := c.send(req, &desc); err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}
	return &desc, nil
}

// RequestAttachmentDownloadURL asks the backend for a fresh, possibly
// time-limited, retrieval URL for a message's attachment. The URL is never
// cached by callers since it may expire.
func (c *Client) RequestAttachmentDownloadURL(ctx context.Context, messageID string) (string, error) {
	var resp struct {
		DownloadURL string `json:"downloadUrl"`
	}
	path := "/api/messages/" + messageID + "/attachment-url"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", fmt.Errorf("request download url: %w", err)
	}
	if resp.DownloadURL == "" {
		return "", fmt.Errorf("request download url: empty url in response")
	}
	return resp.DownloadURL, nil
}

// ListMessageableUsers returns the users the viewer is allowed to start a
// conversation with. Role filtering is backend-owned.
func (c *Client) ListMessageableUsers(ctx context.Context) ([]model.User, error) {
	var users []model.User
	if err := c.do(ctx, http.MethodGet, "/api/users/messageable", nil, &users); err != nil {
		return nil, fmt.Errorf("list messageable users: %w", err)
	}
	return users, nil
}
