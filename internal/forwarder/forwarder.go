// Package forwarder talks to the second-screen relay that opens a URL on a TV.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenRequest is the body of POST {base}/open.
type OpenRequest struct {
	TVIP string `json:"tv_ip"`
	App  string `json:"app"`
	URL  string `json:"url"`
	Port int    `json:"port"`
}

// Client sends open requests for a fixed TV.
type Client struct {
	baseURL string
	tvIP    string
	app     string
	port    int
	http    *http.Client
}

// New returns a Client, or nil when baseURL or tvIP is empty so callers can
// treat "not configured" as a nil forwarder.
func New(baseURL, tvIP, app string, port int) *Client {
	if baseURL == "" || tvIP == "" {
		return nil
	}
	if app == "" {
		app = "Browser"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tvIP:    tvIP,
		app:     app,
		port:    port,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Open asks the forwarder to open url on the TV.
func (c *Client) Open(ctx context.Context, url string) error {
	body, err := json.Marshal(OpenRequest{TVIP: c.tvIP, App: c.app, URL: url, Port: c.port})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/open", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build forwarder request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("forwarder request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("forwarder returned %s", resp.Status)
	}
	return nil
}
