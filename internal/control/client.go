package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Client is a control socket client.
type Client struct {
	socketPath string
	password   string
	httpClient *http.Client
}

// NewClient creates a new control client. password may be empty when the
// server has no password configured.
func NewClient(socketPath, password string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		password:   password,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   60 * time.Second,
		},
	}
}

// Status retrieves the agent status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Invokes retrieves the pending invoke list.
func (c *Client) Invokes(ctx context.Context) (*InvokesResponse, error) {
	var invokes InvokesResponse
	if err := c.do(ctx, http.MethodGet, "/invokes", nil, &invokes); err != nil {
		return nil, err
	}
	return &invokes, nil
}

// Approve approves a pending invoke and returns its result.
func (c *Client) Approve(ctx context.Context, id string) (*ApproveResponse, error) {
	var result ApproveResponse
	if err := c.do(ctx, http.MethodPost, "/approve", &DecisionRequest{ID: id}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Reject refuses a pending invoke.
func (c *Client) Reject(ctx context.Context, id, reason string) error {
	return c.do(ctx, http.MethodPost, "/reject", &DecisionRequest{ID: id, Reason: reason}, nil)
}

// do performs a request against the control socket.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	// Use a dummy host since we're connecting via Unix socket
	url := "http://localhost" + path

	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.password != "" {
		req.Header.Set("Authorization", c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
