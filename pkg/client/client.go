package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/josedab/docsynth-realtime/pkg/wire"
)

// Client is an HTTP client for the DocSynth REST API. It covers the
// endpoints the realtime layer needs: notification history hydration
// and the synchronous chat fallback.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	headers    http.Header
	timeout    time.Duration
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = h
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// New creates a new DocSynth API client
func New(baseURL, token string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	client := &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		headers:    headers,
		timeout:    10 * time.Second,
	}

	for _, option := range options {
		option(client)
	}

	if client.token != "" {
		client.headers.Set("Authorization", "Bearer "+client.token)
	}

	return client
}

// Notifications retrieves the stored notification history
func (c *Client) Notifications(ctx context.Context) ([]wire.Notification, error) {
	resp, err := c.do(ctx, "GET", "/api/notifications", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var response struct {
		Notifications []wire.Notification `json:"notifications"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return response.Notifications, nil
}

// MarkNotificationRead marks one notification read on the server
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	resp, err := c.do(ctx, "POST", fmt.Sprintf("/api/notifications/%s/read", url.PathEscape(id)), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// ChatComplete requests a full chat answer over plain HTTP. It is the
// fallback path when the streaming transport is unavailable.
func (c *Client) ChatComplete(ctx context.Context, sessionID, content string) (*wire.ChatCompletion, error) {
	req := struct {
		SessionID string `json:"session_id"`
		Content   string `json:"content"`
	}{
		SessionID: sessionID,
		Content:   content,
	}

	resp, err := c.do(ctx, "POST", "/api/chat/complete", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var completion wire.ChatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &completion, nil
}

// do makes an HTTP request
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = path

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)

		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error)
		}

		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, resp.Status)
	}

	return resp, nil
}
