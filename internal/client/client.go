package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/3cpo-dev/launchpad/pkg/api"
)

// Client talks to a running launchpad agent.
type Client struct {
	BaseURL string
	Token   string
	http    *RetryableHTTPClient
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		http:    NewRetryableHTTPClient(2 * time.Minute),
	}
}

// APIError is a non-2xx answer from the agent.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent returned %d: %s", e.StatusCode, e.Message)
}

// Launch starts target. With wait, the agent answers once the target is ready
// or has failed. The response body is returned alongside a non-2xx error.
func (c *Client) Launch(ctx context.Context, target string, wait bool) (api.LaunchResponse, error) {
	path := "/v0/launch/" + url.PathEscape(target)
	if wait {
		path += "?wait=true"
	}
	var out api.LaunchResponse
	err := c.do(ctx, http.MethodPost, path, &out)
	return out, err
}

func (c *Client) Stop(ctx context.Context, target string) (api.TargetStatus, error) {
	var out api.TargetStatus
	err := c.do(ctx, http.MethodPost, "/v0/stop/"+url.PathEscape(target), &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.do(ctx, http.MethodGet, "/v0/status", &out)
	return out, err
}

func (c *Client) TargetStatus(ctx context.Context, target string) (api.TargetStatus, error) {
	var out api.TargetStatus
	err := c.do(ctx, http.MethodGet, "/v0/status/"+url.PathEscape(target), &out)
	return out, err
}

func (c *Client) Dashboards(ctx context.Context) ([]api.Dashboard, error) {
	var out []api.Dashboard
	err := c.do(ctx, http.MethodGet, "/v0/dashboards", &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 300 {
		if out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
	// error bodies are decoded best effort so callers still see the outcome
	if out != nil && json.Valid(body) {
		_ = json.Unmarshal(body, out)
	}
	msg := strings.TrimSpace(string(body))
	var e api.ErrorResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	} else {
		var lr api.LaunchResponse
		if json.Unmarshal(body, &lr) == nil && lr.Message != "" {
			msg = lr.Message
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
