package api

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

	"kbforge/internal/config"
	"kbforge/internal/router"
)

// Client talks to a running daemon over its HTTP API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// NewClient builds a client for the daemon bound at bind. A bind without a
// scheme is treated as http.
func NewClient(bind, token string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, fmt.Errorf("api bind address is empty")
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, fmt.Errorf("parse api address: %w", err)
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""
	return &Client{
		base:  base,
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// NewClientFromConfig uses the api section of cfg.
func NewClientFromConfig(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration unavailable")
	}
	return NewClient(cfg.API.Bind, cfg.API.Token)
}

// BaseURL returns the daemon's base address.
func (c *Client) BaseURL() string { return c.base.String() }

// Status fetches daemon status.
func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	var out DaemonStatus
	err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &out)
	return out, err
}

// Ingest submits a bookmark.
func (c *Client) Ingest(ctx context.Context, req IngestRequest) (IngestResponse, error) {
	var out IngestResponse
	err := c.do(ctx, http.MethodPost, "/api/items", nil, req, &out)
	return out, err
}

// Item fetches one item.
func (c *Client) Item(ctx context.Context, id string) (Item, error) {
	var out ItemResponse
	err := c.do(ctx, http.MethodGet, "/api/items/"+url.PathEscape(id), nil, nil, &out)
	return out.Item, err
}

// ItemFilter narrows ListItems.
type ItemFilter struct {
	Category string
	Pending  string
	Limit    int
}

// ListItems lists items.
func (c *Client) ListItems(ctx context.Context, filter ItemFilter) ([]Item, error) {
	query := url.Values{}
	if filter.Category != "" {
		query.Set("category", filter.Category)
	}
	if filter.Pending != "" {
		query.Set("pending", filter.Pending)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	var out ItemListResponse
	err := c.do(ctx, http.MethodGet, "/api/items", query, nil, &out)
	return out.Items, err
}

// Reprocess asks for a phase to run again.
func (c *Client) Reprocess(ctx context.Context, id string, req ReprocessRequest) (Item, error) {
	var out ItemResponse
	err := c.do(ctx, http.MethodPost, "/api/items/"+url.PathEscape(id)+"/reprocess", nil, req, &out)
	return out.Item, err
}

// DeleteItem removes an item.
func (c *Client) DeleteItem(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/items/"+url.PathEscape(id), nil, nil, nil)
}

// Categories lists categories with item counts.
func (c *Client) Categories(ctx context.Context) ([]Category, error) {
	var out CategoryListResponse
	err := c.do(ctx, http.MethodGet, "/api/categories", nil, nil, &out)
	return out.Categories, err
}

// Enqueue submits a task.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	var out EnqueueResponse
	err := c.do(ctx, http.MethodPost, "/api/tasks", nil, req, &out)
	return out.TaskID, err
}

// Task fetches one task.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var out TaskResponse
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, nil, &out)
	return out.Task, err
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status string
	ItemID string
	Phase  string
	Limit  int
}

// ListTasks lists tasks, newest first.
func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	query := url.Values{}
	if filter.Status != "" {
		query.Set("status", filter.Status)
	}
	if filter.ItemID != "" {
		query.Set("item", filter.ItemID)
	}
	if filter.Phase != "" {
		query.Set("phase", filter.Phase)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	var out TaskListResponse
	err := c.do(ctx, http.MethodGet, "/api/tasks", query, nil, &out)
	return out.Tasks, err
}

// Selector fetches the selector and current resolution for a phase.
func (c *Client) Selector(ctx context.Context, phase string) (SelectorResponse, error) {
	var out SelectorResponse
	err := c.do(ctx, http.MethodGet, "/api/selectors/"+url.PathEscape(phase), nil, nil, &out)
	return out, err
}

// SetSelector validates and persists a selector.
func (c *Client) SetSelector(ctx context.Context, phase string, sel router.Selector) (SelectorResponse, error) {
	var out SelectorResponse
	err := c.do(ctx, http.MethodPut, "/api/selectors/"+url.PathEscape(phase), nil, sel, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.base.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var payload ErrorResponse
		if json.Unmarshal(raw, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(raw))
		}
		return &ResponseError{StatusCode: resp.StatusCode, Kind: payload.Kind, Message: payload.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
