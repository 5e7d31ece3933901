package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignition/privacy-agent/pkg/journal"
	"github.com/ignition/privacy-agent/pkg/privacy"
)

// Client talks to a running agent's control server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(addr string) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		BaseURL: strings.TrimRight(base, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxRequestBytes)).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (privacy.Status, error) {
	var st privacy.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

func (c *Client) EmergencyBlock(ctx context.Context) (privacy.Status, error) {
	var st privacy.Status
	err := c.do(ctx, http.MethodPost, "/emergency-block", nil, &st)
	return st, err
}

func (c *Client) Resume(ctx context.Context) (privacy.Status, error) {
	var st privacy.Status
	err := c.do(ctx, http.MethodPost, "/resume", nil, &st)
	return st, err
}

// Allow grants domain for d; zero means the agent's default duration.
func (c *Client) Allow(ctx context.Context, domain string, d time.Duration) (AllowResponse, error) {
	var out AllowResponse
	err := c.do(ctx, http.MethodPost, "/allow", AllowRequest{Domain: domain, Seconds: int(d / time.Second)}, &out)
	return out, err
}

func (c *Client) Transitions(ctx context.Context, limit int) ([]journal.TransitionRecord, error) {
	var out []journal.TransitionRecord
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/history/transitions?limit=%d", limit), nil, &out)
	return out, err
}

func (c *Client) Activities(ctx context.Context, limit int) ([]journal.ActivityRecord, error) {
	var out []journal.ActivityRecord
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/history/activities?limit=%d", limit), nil, &out)
	return out, err
}
