// Package httpstore speaks the docsync HTTP document protocol: a client
// implementing remote.DocumentStore and a chi server exposing any store.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/go-docsync/errors"
	"github.com/c0deZ3R0/go-docsync/logging"
	"github.com/c0deZ3R0/go-docsync/remote"
)

// Limits bounds response sizes the client will read.
type Limits struct {
	MaxBodyBytes int64 // Default: 8MB
}

// envelope is the request and response body of document endpoints.
type envelope struct {
	Data  remote.Document `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Client is a remote.DocumentStore over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	limits  Limits
	logger  *slog.Logger

	mu      sync.RWMutex
	offline bool
}

var _ remote.DocumentStore = (*Client)(nil)

// ClientOption configures a Client using the functional options pattern
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(cl *http.Client) ClientOption {
	return func(c *Client) { c.http = cl }
}

// WithTimeout sets the per-request timeout of the default HTTP client
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithLimits sets the size limits
func WithLimits(l Limits) ClientOption {
	return func(c *Client) { c.limits = l }
}

// WithLogger sets the client logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the server at baseURL, e.g. "http://localhost:8080".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		limits:  Limits{MaxBodyBytes: 8 << 20},
		logger:  logging.WithComponent(logging.Component("remote/httpstore")).Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limits.MaxBodyBytes <= 0 {
		c.limits.MaxBodyBytes = 8 << 20
	}
	return c
}

// BaseURL returns the base URL for the client
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) docURL(path string, query url.Values) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	u := c.baseURL + "/docs/" + strings.Join(segments, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) isOffline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offline
}

// do sends a request and decodes the envelope. It returns the HTTP status.
func (c *Client) do(ctx context.Context, op syncErrors.Operation, method, target string, body remote.Document) (int, envelope, error) {
	var env envelope
	if c.isOffline() {
		return 0, env, syncErrors.NewTransientRemoteError(op, fmt.Errorf("network disabled"))
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(envelope{Data: body})
		if err != nil {
			return 0, env, syncErrors.NewValidationError(op, fmt.Errorf("encode body: %w", err))
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, env, syncErrors.NewValidationError(op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, env, ctx.Err()
		}
		return 0, env, syncErrors.NewTransientRemoteError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.limits.MaxBodyBytes+1))
	if err != nil {
		return resp.StatusCode, env, syncErrors.NewTransientRemoteError(op, fmt.Errorf("read response: %w", err))
	}
	if int64(len(raw)) > c.limits.MaxBodyBytes {
		return resp.StatusCode, env, syncErrors.NewRemoteRejectedError(op,
			fmt.Errorf("response body exceeds %d bytes", c.limits.MaxBodyBytes))
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return resp.StatusCode, env, syncErrors.NewTransientRemoteError(op, fmt.Errorf("decode response: %w", err))
		}
	}

	c.logger.Debug("Remote request completed",
		slog.String("method", method),
		slog.String("url", target),
		slog.Int("status", resp.StatusCode))

	return resp.StatusCode, env, nil
}

// statusError classifies a non-2xx response. 5xx and 429 are transient.
func statusError(op syncErrors.Operation, path string, status int, env envelope) error {
	msg := env.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	cause := fmt.Errorf("%s: status %d: %s", path, status, msg)
	if status == http.StatusNotFound {
		cause = fmt.Errorf("%s: %w", path, remote.ErrNotFound)
	}

	var syncErr *syncErrors.SyncError
	if status >= 500 || status == http.StatusTooManyRequests {
		syncErr = syncErrors.NewTransientRemoteError(op, cause)
	} else {
		syncErr = syncErrors.NewRemoteRejectedError(op, cause)
	}
	return syncErr.WithMetadata("status", status)
}

func (c *Client) Get(ctx context.Context, path string) (remote.Snapshot, error) {
	status, env, err := c.do(ctx, syncErrors.OpGet, http.MethodGet, c.docURL(path, nil), nil)
	if err != nil {
		return remote.Snapshot{}, err
	}
	switch {
	case status == http.StatusNotFound:
		return remote.Snapshot{}, nil
	case status >= 300:
		return remote.Snapshot{}, statusError(syncErrors.OpGet, path, status, env)
	}
	data := env.Data
	if data == nil {
		data = remote.Document{}
	}
	return remote.Snapshot{Data: data, Exists: true}, nil
}

func (c *Client) Set(ctx context.Context, path string, data remote.Document, merge bool) error {
	if data == nil {
		data = remote.Document{}
	}
	query := url.Values{"merge": {fmt.Sprint(merge)}}
	status, env, err := c.do(ctx, syncErrors.OpSet, http.MethodPut, c.docURL(path, query), data)
	if err != nil {
		return err
	}
	if status >= 300 {
		return statusError(syncErrors.OpSet, path, status, env)
	}
	return nil
}

func (c *Client) Update(ctx context.Context, path string, data remote.Document) error {
	if data == nil {
		data = remote.Document{}
	}
	status, env, err := c.do(ctx, syncErrors.OpUpdate, http.MethodPatch, c.docURL(path, nil), data)
	if err != nil {
		return err
	}
	if status >= 300 {
		return statusError(syncErrors.OpUpdate, path, status, env)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, path string) error {
	status, env, err := c.do(ctx, syncErrors.OpDelete, http.MethodDelete, c.docURL(path, nil), nil)
	if err != nil {
		return err
	}
	if status >= 300 && status != http.StatusNotFound {
		return statusError(syncErrors.OpDelete, path, status, env)
	}
	return nil
}

// EnableNetwork lets requests through again.
func (c *Client) EnableNetwork(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offline = false
	return nil
}

// DisableNetwork fails every request fast and drops idle connections.
func (c *Client) DisableNetwork(ctx context.Context) error {
	c.mu.Lock()
	c.offline = true
	c.mu.Unlock()
	c.http.CloseIdleConnections()
	return nil
}
