// Package bridge is the HTTP client for the local browser-extension bridge
// that hosts AI front-end sessions, one window per pool position.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/resilience"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/surface"
)

const defaultBaseURL = "http://127.0.0.1:8765"

// APIError is returned when the bridge responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge: status %d: %s", e.StatusCode, e.Message)
}

type openRequest struct {
	URL      string `json:"url"`
	Position int    `json:"position"`
}

type openResponse struct {
	ID string `json:"id"`
}

type inputRequest struct {
	Text string `json:"text"`
}

type optionRequest struct {
	Category string `json:"category"`
	Name     string `json:"name"`
}

type busyResponse struct {
	Busy bool `json:"busy"`
}

type textResponse struct {
	Text string `json:"text"`
}

type existsResponse struct {
	Alive bool `json:"alive"`
}

type provisionRequest struct {
	Position int `json:"position"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL overrides the default bridge address.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithRateLimit throttles commands to rps per second. Zero disables it.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

// Client implements surface.Driver and surface.Provisioner over the
// bridge's JSON API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

var (
	_ surface.Driver      = (*Client)(nil)
	_ surface.Provisioner = (*Client)(nil)
)

// NewClient creates a bridge client. Commands are throttled to 10 req/s by
// default.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(10, 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sessionPath(h surface.Handle, suffix string) string {
	return "/sessions/" + url.PathEscape(h.ID) + suffix
}

// Open implements surface.Driver.
func (c *Client) Open(ctx context.Context, u string, position int) (surface.Handle, error) {
	var resp openResponse
	if err := c.call(ctx, http.MethodPost, "/sessions", openRequest{URL: u, Position: position}, &resp); err != nil {
		return surface.Handle{}, eris.Wrapf(err, "bridge: open %s at %d", u, position)
	}
	if resp.ID == "" {
		return surface.Handle{}, eris.New("bridge: open returned no session id")
	}
	return surface.Handle{ID: resp.ID, Position: position, URL: u}, nil
}

// InputText implements surface.Driver.
func (c *Client) InputText(ctx context.Context, h surface.Handle, text string) error {
	if err := c.call(ctx, http.MethodPost, sessionPath(h, "/input"), inputRequest{Text: text}, nil); err != nil {
		return eris.Wrapf(err, "bridge: input %s", h)
	}
	return nil
}

// SelectOption implements surface.Driver.
func (c *Client) SelectOption(ctx context.Context, h surface.Handle, category, name string) error {
	if err := c.call(ctx, http.MethodPost, sessionPath(h, "/options"), optionRequest{Category: category, Name: name}, nil); err != nil {
		return eris.Wrapf(err, "bridge: select %s=%s on %s", category, name, h)
	}
	return nil
}

// Submit implements surface.Driver.
func (c *Client) Submit(ctx context.Context, h surface.Handle) error {
	if err := c.call(ctx, http.MethodPost, sessionPath(h, "/submit"), nil, nil); err != nil {
		return eris.Wrapf(err, "bridge: submit %s", h)
	}
	return nil
}

// PollBusy implements surface.Driver.
func (c *Client) PollBusy(ctx context.Context, h surface.Handle) (bool, error) {
	var resp busyResponse
	if err := c.call(ctx, http.MethodGet, sessionPath(h, "/busy"), nil, &resp); err != nil {
		return false, eris.Wrapf(err, "bridge: poll %s", h)
	}
	return resp.Busy, nil
}

// ExtractText implements surface.Driver.
func (c *Client) ExtractText(ctx context.Context, h surface.Handle, strategy string) (string, error) {
	var resp textResponse
	path := sessionPath(h, "/text") + "?strategy=" + url.QueryEscape(strategy)
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", eris.Wrapf(err, "bridge: extract %s via %s", h, strategy)
	}
	return resp.Text, nil
}

// Exists implements surface.Driver. A 404 means the session is gone.
func (c *Client) Exists(ctx context.Context, h surface.Handle) (bool, error) {
	var resp existsResponse
	err := c.call(ctx, http.MethodGet, sessionPath(h, ""), nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "bridge: check %s", h)
	}
	return resp.Alive, nil
}

// Close implements surface.Driver. Closing a missing session succeeds.
func (c *Client) Close(ctx context.Context, h surface.Handle) error {
	err := c.call(ctx, http.MethodDelete, sessionPath(h, ""), nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "bridge: close %s", h)
	}
	return nil
}

// Provision implements surface.Provisioner.
func (c *Client) Provision(ctx context.Context, position int) error {
	if err := c.call(ctx, http.MethodPost, "/windows", provisionRequest{Position: position}, nil); err != nil {
		return eris.Wrapf(err, "bridge: provision window %d", position)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "rate limit")
		}
	}

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: msg}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}
