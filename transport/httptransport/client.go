// Package httptransport implements the possync RemoteStore against the
// backend's REST API. Responses are classified into the engine's error kinds
// by HTTP status so the drain loop can decide between retry, rollback, and
// pause.
package httptransport

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

	possync "github.com/tillworks/possync"
	"github.com/tillworks/possync/entity"
	syncErrors "github.com/tillworks/possync/errors"
)

const component = "transport/http"

// ErrNotFound marks a 404 response. Wrapped inside the conflict-kind
// SyncError so callers can distinguish a missing record from a stale
// precondition.
var ErrNotFound = errors.New("record not found")

// Client talks to the backend's per-collection REST endpoints:
//
//	GET    {base}/{collection}        list, with query-string filters
//	GET    {base}/{collection}/{id}   fetch one
//	POST   {base}/{collection}        create, returns the stored record
//	PATCH  {base}/{collection}/{id}   partial update, returns the stored record
//	DELETE {base}/{collection}/{id}   delete
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	maxBody   int64
}

var _ possync.RemoteStore = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) { c.http = cl }
}

// WithAuthToken sets the bearer token sent on every request.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// WithTimeout sets the per-request timeout on the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithMaxBodyBytes limits response body size. Default 8MB.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) { c.maxBody = n }
}

// NewClient creates a RemoteStore client for baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		maxBody: 8 << 20,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Select lists records matching the filter.
func (c *Client) Select(ctx context.Context, col entity.Collection, filter map[string]string) ([]entity.Entity, error) {
	endpoint := c.collectionURL(col)
	if len(filter) > 0 {
		q := url.Values{}
		for k, v := range filter {
			q.Set(k, v)
		}
		endpoint += "?" + q.Encode()
	}
	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, syncErrors.WrapKind(fmt.Errorf("decode list response: %w", err),
			syncErrors.OpRemote, component, syncErrors.KindTransient)
	}
	records := make([]entity.Entity, 0, len(raw))
	for _, data := range raw {
		rec, err := entity.Decode(col, data)
		if err != nil {
			return nil, syncErrors.Wrap(err, syncErrors.OpRemote, component)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Get fetches one record by id.
func (c *Client) Get(ctx context.Context, col entity.Collection, id string) (entity.Entity, error) {
	body, err := c.do(ctx, http.MethodGet, c.recordURL(col, id), nil)
	if err != nil {
		return nil, err
	}
	return c.decodeRecord(col, body)
}

// Insert creates a record and returns the server's stored form, including
// the server-assigned id.
func (c *Client) Insert(ctx context.Context, col entity.Collection, record entity.Entity) (entity.Entity, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, syncErrors.WrapKind(err, syncErrors.OpRemote, component, syncErrors.KindValidation)
	}
	body, err := c.do(ctx, http.MethodPost, c.collectionURL(col), payload)
	if err != nil {
		return nil, err
	}
	return c.decodeRecord(col, body)
}

// Update applies a partial update and returns the server's stored form.
func (c *Client) Update(ctx context.Context, col entity.Collection, id string, patch entity.Patch) (entity.Entity, error) {
	payload, err := json.Marshal(patch)
	if err != nil {
		return nil, syncErrors.WrapKind(err, syncErrors.OpRemote, component, syncErrors.KindValidation)
	}
	body, err := c.do(ctx, http.MethodPatch, c.recordURL(col, id), payload)
	if err != nil {
		return nil, err
	}
	return c.decodeRecord(col, body)
}

// Delete removes a record. A 404 counts as success: the record is already
// gone.
func (c *Client) Delete(ctx context.Context, col entity.Collection, id string) error {
	_, err := c.do(ctx, http.MethodDelete, c.recordURL(col, id), nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) collectionURL(col entity.Collection) string {
	return c.baseURL + "/" + string(col)
}

func (c *Client) recordURL(col entity.Collection, id string) string {
	return c.baseURL + "/" + string(col) + "/" + url.PathEscape(id)
}

func (c *Client) decodeRecord(col entity.Collection, body []byte) (entity.Entity, error) {
	rec, err := entity.Decode(col, body)
	if err != nil {
		return nil, syncErrors.Wrap(err, syncErrors.OpRemote, component)
	}
	return rec, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, syncErrors.WrapKind(err, syncErrors.OpRemote, component, syncErrors.KindValidation)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network failures and timeouts are always retryable.
		return nil, syncErrors.NewTransient(syncErrors.OpRemote, component, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, syncErrors.NewTransient(syncErrors.OpRemote, component, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, classifyStatus(resp.StatusCode, body)
}

// classifyStatus maps HTTP status codes onto the engine's error taxonomy.
func classifyStatus(status int, body []byte) error {
	cause := fmt.Errorf("HTTP %d: %s", status, truncate(body, 256))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return syncErrors.NewAuth(syncErrors.OpRemote, component, cause)
	case status == http.StatusNotFound:
		return syncErrors.NewConflict(syncErrors.OpRemote, component, fmt.Errorf("%w: %v", ErrNotFound, cause))
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return syncErrors.NewConflict(syncErrors.OpRemote, component, cause)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return syncErrors.NewTransient(syncErrors.OpRemote, component, cause)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return syncErrors.NewValidation(syncErrors.OpRemote, component, cause)
	default:
		return syncErrors.NewValidation(syncErrors.OpRemote, component, cause)
	}
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
