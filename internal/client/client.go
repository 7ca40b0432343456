// Package client provides a client for the benchkeeperd HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/xtxerr/benchkeeper/internal/analysis"
	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/handler"
	"github.com/xtxerr/benchkeeper/internal/storage"
	"github.com/xtxerr/benchkeeper/internal/storage/query"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// =============================================================================
// Errors
// =============================================================================

// ErrClientClosed is returned by every call after Close.
var ErrClientClosed = errors.New("client is closed")

// APIError is a non-2xx response. It unwraps to the sentinel matching the
// status code so callers can use errors.Is as they would in-process.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s (HTTP %d, request %s)", e.Message, e.Status, e.RequestID)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// Unwrap maps the status code back to a sentinel.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return errors.ErrNotFound
	case http.StatusBadRequest:
		return errors.ErrInvalidEntry
	case http.StatusConflict:
		return errors.ErrUnitMismatch
	case http.StatusUnauthorized:
		return errors.ErrNotAuthenticated
	case http.StatusForbidden:
		return errors.ErrNotAuthorized
	case http.StatusTooManyRequests:
		return errors.ErrRateLimited
	case http.StatusServiceUnavailable:
		return errors.ErrStoreClosed
	case http.StatusGatewayTimeout:
		return errors.ErrTimeout
	default:
		return errors.ErrInternal
	}
}

// =============================================================================
// Client
// =============================================================================

// Client talks to one benchkeeperd instance. It is safe for concurrent use.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	closed atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New creates a client for the server at addr ("http://host:port").
// An empty token sends no Authorization header.
func New(addr, token string, opts ...Option) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(strings.TrimSuffix(addr, "/"))
	if err != nil {
		return nil, errors.NewInvalidValue("server", addr, err.Error())
	}
	c := &Client{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close marks the client closed and releases idle connections.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.http.CloseIdleConnections()
	return nil
}

// =============================================================================
// API
// =============================================================================

// Ingest posts one entry.
func (c *Client) Ingest(ctx context.Context, suite string, entry types.CommitEntry) (*storage.IngestResult, error) {
	var res storage.IngestResult
	if err := c.do(ctx, http.MethodPost, suitePath(suite, "entries"), nil, entry, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Entries returns the entries of suite within r.
func (c *Client) Entries(ctx context.Context, suite string, r types.Range) ([]types.CommitEntry, error) {
	q := url.Values{}
	if !r.From.IsZero() {
		q.Set("from", strconv.FormatInt(r.From.UnixMilli(), 10))
	}
	if !r.To.IsZero() {
		q.Set("to", strconv.FormatInt(r.To.UnixMilli(), 10))
	}
	if r.Latest > 0 {
		q.Set("latest", strconv.Itoa(r.Latest))
	}
	var out struct {
		Entries []types.CommitEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, suitePath(suite, "entries"), q, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Verdicts returns the verdicts and action of a stored commit.
func (c *Client) Verdicts(ctx context.Context, suite, commit string) (*handler.VerdictsResponse, error) {
	var out handler.VerdictsResponse
	if err := c.do(ctx, http.MethodGet, suitePath(suite, "verdicts", commit), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Suites lists the suites visible to the token.
func (c *Client) Suites(ctx context.Context) ([]string, error) {
	var out struct {
		Suites []string `json:"suites"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/suites", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Suites, nil
}

// Measurements lists measurement names of suite starting with prefix.
func (c *Client) Measurements(ctx context.Context, suite, prefix string) ([]string, error) {
	q := url.Values{}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	var out struct {
		Measurements []string `json:"measurements"`
	}
	if err := c.do(ctx, http.MethodGet, suitePath(suite, "measurements"), q, nil, &out); err != nil {
		return nil, err
	}
	return out.Measurements, nil
}

// Summary summarizes one measurement's history.
func (c *Client) Summary(ctx context.Context, suite, name string) (*analysis.Summary, error) {
	var out analysis.Summary
	if err := c.do(ctx, http.MethodGet, suitePath(suite, "summary"), url.Values{"name": {name}}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Export asks the server to write its Parquet export.
func (c *Client) Export(ctx context.Context) (*storage.ExportResult, error) {
	var out storage.ExportResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/export", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Query runs SQL over the server's export.
func (c *Client) Query(ctx context.Context, sql string) (*query.Result, error) {
	var out query.Result
	if err := c.do(ctx, http.MethodPost, "/api/v1/query", nil, handler.QueryRequest{SQL: sql}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

// =============================================================================
// Transport
// =============================================================================

func suitePath(suite string, parts ...string) string {
	segs := []string{"/api/v1/suites", url.PathEscape(suite)}
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return strings.Join(segs, "/")
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	u := *c.base
	u.RawPath = c.base.Path + path
	u.Path, _ = url.PathUnescape(u.RawPath)
	u.RawQuery = q.Encode()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, path, errors.ErrTimeout)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e handler.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
			if e.Error == "" {
				e.Error = http.StatusText(resp.StatusCode)
			}
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error, RequestID: e.RequestID}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewMalformed("response", err)
	}
	return nil
}
