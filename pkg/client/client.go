package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the API answers 404: an unknown pool, or
// worker sampling that is disabled.
var ErrNotFound = errors.New("client: not found")

// Client talks to the control API of a running master.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8090/api",
		Timeout: 10 * time.Second,
	}
}

func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the master is running and answering.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Status(ctx)
	if err != nil {
		c.logger.Debug("master unreachable", "error", err)
	}
	return err == nil
}

func (c *Client) Status(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := c.do(ctx, http.MethodGet, "/status", nil, &s)
	return s, err
}

func (c *Client) PoolStatus(ctx context.Context, pool string) (PoolSnapshot, error) {
	var p PoolSnapshot
	err := c.do(ctx, http.MethodGet, "/status", url.Values{"pool": {pool}}, &p)
	return p, err
}

// Reload asks for a graceful reload; force escalates to SIGKILL after the
// master's kill timeout.
func (c *Client) Reload(ctx context.Context, force bool) error {
	return c.do(ctx, http.MethodPost, "/reload", forceQuery(force), nil)
}

func (c *Client) Stop(ctx context.Context, force bool) error {
	return c.do(ctx, http.MethodPost, "/stop", forceQuery(force), nil)
}

// DumpStatus makes the master rewrite its status file.
func (c *Client) DumpStatus(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/status/dump", nil, nil)
}

func (c *Client) Usage(ctx context.Context, pool string) (PoolUsage, error) {
	var u PoolUsage
	err := c.do(ctx, http.MethodGet, "/workers/usage", url.Values{"pool": {pool}}, &u)
	return u, err
}

func (c *Client) UsageHistory(ctx context.Context, pool string, slot int) ([]WorkerSample, error) {
	var h []WorkerSample
	q := url.Values{"pool": {pool}, "slot": {strconv.Itoa(slot)}}
	err := c.do(ctx, http.MethodGet, "/workers/usage", q, &h)
	return h, err
}

func forceQuery(force bool) url.Values {
	if !force {
		return nil
	}
	return url.Values{"force": {"true"}}
}

// do performs the request and decodes a 2xx body into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		errorResp.Error = http.StatusText(resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Error)
	}
	return fmt.Errorf("API error (HTTP %d): %s", resp.StatusCode, errorResp.Error)
}
