// Package client is a small HTTP client for the replywatch API, used by
// replywatchctl.
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
	"time"

	"github.com/tjfontaine/replywatch/internal/api"
)

// Error is a non-2xx API response.
type Error struct {
	Status  int
	Type    string
	Message string
}

func (e *Error) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("replywatch: HTTP %d", e.Status)
	}
	return fmt.Sprintf("replywatch: %s: %s", e.Type, e.Message)
}

// Window selects a statistics window: a named period, or an explicit
// half-open range when From and To are set.
type Window struct {
	Period string
	From   time.Time
	To     time.Time
}

func (w Window) values() url.Values {
	v := url.Values{}
	if !w.From.IsZero() || !w.To.IsZero() {
		v.Set("from", w.From.Format(time.RFC3339))
		v.Set("to", w.To.Format(time.RFC3339))
	} else if w.Period != "" {
		v.Set("period", w.Period)
	}
	return v
}

type Client struct {
	baseURL        string
	http           *http.Client
	actor          string
	identityHeader string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithActor sends actor in the identity header, for deployments where the
// service is reached without the authenticating proxy.
func WithActor(header, actor string) Option {
	return func(c *Client) {
		c.identityHeader = header
		c.actor = actor
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) GetMessage(ctx context.Context, id int64) (api.MessageView, error) {
	var out api.MessageView
	err := c.do(ctx, http.MethodGet, "/v1/messages/"+strconv.FormatInt(id, 10), nil, nil, &out)
	return out, err
}

// ListMessages lists messages. states may include "awaiting".
func (c *Client) ListMessages(ctx context.Context, states []string, employeeID string) ([]api.MessageView, error) {
	q := url.Values{}
	if len(states) > 0 {
		q.Set("state", strings.Join(states, ","))
	}
	if employeeID != "" {
		q.Set("employee_id", employeeID)
	}
	var out api.MessageList
	if err := c.do(ctx, http.MethodGet, "/v1/messages", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) Defer(ctx context.Context, id int64) (api.MessageView, error) {
	var out api.MessageView
	err := c.do(ctx, http.MethodPost, "/v1/messages/"+strconv.FormatInt(id, 10)+"/defer", nil, nil, &out)
	return out, err
}

func (c *Client) Reassign(ctx context.Context, id int64, employeeID string) (api.MessageView, error) {
	var out api.MessageView
	err := c.do(ctx, http.MethodPost, "/v1/messages/"+strconv.FormatInt(id, 10)+"/reassign", nil,
		api.ReassignRequest{EmployeeID: employeeID}, &out)
	return out, err
}

func (c *Client) EmployeeStats(ctx context.Context, employeeID string, w Window) (api.EmployeeStatsView, error) {
	var out api.EmployeeStatsView
	err := c.do(ctx, http.MethodGet, "/v1/stats/employees/"+url.PathEscape(employeeID), w.values(), nil, &out)
	return out, err
}

// AllEmployeeStats reports employeeIDs, or everyone active in the window
// when employeeIDs is empty.
func (c *Client) AllEmployeeStats(ctx context.Context, employeeIDs []string, w Window) ([]api.EmployeeStatsView, error) {
	q := w.values()
	if len(employeeIDs) > 0 {
		q.Set("ids", strings.Join(employeeIDs, ","))
	}
	var out api.EmployeeStatsList
	if err := c.do(ctx, http.MethodGet, "/v1/stats/employees", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Employees, nil
}

func (c *Client) FleetSummary(ctx context.Context, w Window) (api.FleetView, error) {
	var out api.FleetView
	err := c.do(ctx, http.MethodGet, "/v1/stats/fleet", w.values(), nil, &out)
	return out, err
}

func (c *Client) Export(ctx context.Context) (api.ExportView, error) {
	var out api.ExportView
	err := c.do(ctx, http.MethodPost, "/v1/export", nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set(c.identityHeader, c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		var eb api.ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err == nil {
			apiErr.Type = eb.Error.Type
			apiErr.Message = eb.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
