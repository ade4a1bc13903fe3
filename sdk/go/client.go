package remedysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Remedy HTTP API client. View navigation is stateful on
// the server; the client keeps the session id the server hands out and sends
// it on every call, so consecutive view operations share one window.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	SessionID   string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Remediation mirrors the API request model.
type Remediation struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Value      string `json:"value"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	Remediator string `json:"remediator,omitempty"`
	Result     string `json:"result,omitempty"`
	Attempts   int    `json:"attempts"`
	CreatedBy  string `json:"created_by"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// HistoryEntry is one transition in a request's audit trail.
type HistoryEntry struct {
	ID         int64  `json:"id"`
	RequestID  string `json:"request_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	ActorID    string `json:"actor_id"`
	TS         string `json:"ts"`
	Detail     string `json:"detail,omitempty"`
}

// ViewState describes the server-held window settings for this session.
type ViewState struct {
	Filters   map[string]string `json:"filters"`
	SortField string            `json:"sort_field"`
	SortDir   string            `json:"sort_dir"`
	Offset    int               `json:"offset"`
	Size      int               `json:"size"`
}

// Window is one page of the session's list view.
type Window struct {
	Items   []Remediation `json:"items"`
	Total   int           `json:"total"`
	Offset  int           `json:"offset"`
	Size    int           `json:"size"`
	Display string        `json:"display"`
	State   ViewState     `json:"state"`
}

// HistoryWindow is one page of a request's audit trail.
type HistoryWindow struct {
	Entries []HistoryEntry `json:"entries"`
	Total   int            `json:"total"`
	Offset  int            `json:"offset"`
	Size    int            `json:"size"`
	Display string         `json:"display"`
}

// OpFailure reports why one id in a bulk operation was skipped.
type OpFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BulkResult summarizes a bulk create.
type BulkResult struct {
	Created  int         `json:"created"`
	Queued   int         `json:"queued"`
	Failures []OpFailure `json:"failures,omitempty"`
	Warning  string      `json:"warning,omitempty"`
}

// Affected summarizes a bulk cancel, retry, or restore.
type Affected struct {
	Affected int         `json:"affected"`
	Failures []OpFailure `json:"failures,omitempty"`
}

// DeleteResult summarizes a bulk delete.
type DeleteResult struct {
	Deleted int         `json:"deleted"`
	Failed  []OpFailure `json:"failed,omitempty"`
}

// CreateResult is a created request plus queueing info.
type CreateResult struct {
	Remediation
	Queued  bool   `json:"queued"`
	Warning string `json:"warning,omitempty"`
}

// Page wraps stateless list responses.
type Page struct {
	Items []Remediation `json:"items"`
	Total int           `json:"total"`
}

// ListOptions filter the stateless listing.
type ListOptions struct {
	ID         string
	Type       string
	Value      string
	Action     string
	Status     string
	Remediator string
	CreatedBy  string
	Result     string
	Sort       string
	Dir        string
	Limit      int
	Offset     int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Create submits a removal request for one observable value.
func (c *Client) Create(ctx context.Context, observableType, value string) (CreateResult, error) {
	body := map[string]any{
		"type":  observableType,
		"value": value,
	}
	var resp CreateResult
	err := c.do(ctx, http.MethodPost, "remediations", body, &resp)
	return resp, err
}

// Bulk submits one removal request per value.
func (c *Client) Bulk(ctx context.Context, observableType string, values []string) (BulkResult, error) {
	body := map[string]any{
		"type":   observableType,
		"values": values,
	}
	var resp BulkResult
	err := c.do(ctx, http.MethodPost, "remediations/bulk", body, &resp)
	return resp, err
}

// List returns a stateless page of requests.
func (c *Client) List(ctx context.Context, opts ListOptions) (Page, error) {
	q := url.Values{}
	set := func(key, val string) {
		if val != "" {
			q.Set(key, val)
		}
	}
	set("id", opts.ID)
	set("type", opts.Type)
	set("value", opts.Value)
	set("action", opts.Action)
	set("status", opts.Status)
	set("remediator", opts.Remediator)
	set("created_by", opts.CreatedBy)
	set("result", opts.Result)
	set("sort", opts.Sort)
	set("dir", opts.Dir)
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", opts.Offset))
	}
	endpoint := "remediations"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp Page
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Get fetches one request by id.
func (c *Client) Get(ctx context.Context, id string) (Remediation, error) {
	var resp Remediation
	err := c.do(ctx, http.MethodGet, "remediations/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Cancel cancels the given requests; ids already finished are skipped.
func (c *Client) Cancel(ctx context.Context, ids ...string) (Affected, error) {
	var resp Affected
	err := c.do(ctx, http.MethodPost, "remediations/cancel", map[string]any{"ids": ids}, &resp)
	return resp, err
}

// Retry requeues the given failed or cancelled requests.
func (c *Client) Retry(ctx context.Context, ids ...string) (Affected, error) {
	var resp Affected
	err := c.do(ctx, http.MethodPost, "remediations/retry", map[string]any{"ids": ids}, &resp)
	return resp, err
}

// Restore issues inverse requests for the given completed removals.
func (c *Client) Restore(ctx context.Context, ids ...string) (Affected, error) {
	var resp Affected
	err := c.do(ctx, http.MethodPost, "remediations/restore", map[string]any{"ids": ids}, &resp)
	return resp, err
}

// Delete removes the given requests. Requests that are queued or running are
// rejected server-side; the returned error's body carries what was deleted.
func (c *Client) Delete(ctx context.Context, ids ...string) (DeleteResult, error) {
	var resp DeleteResult
	err := c.do(ctx, http.MethodPost, "remediations/delete", map[string]any{"ids": ids}, &resp)
	return resp, err
}

// History pages through a request's audit trail using the session's window.
// token is "", "start", "backward", "forward", or "end".
func (c *Client) History(ctx context.Context, id, token string, size int) (HistoryWindow, error) {
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	if size > 0 {
		q.Set("size", fmt.Sprintf("%d", size))
	}
	endpoint := "remediations/" + url.PathEscape(id) + "/history"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp HistoryWindow
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// View returns the session's current window.
func (c *Client) View(ctx context.Context) (Window, error) {
	var resp Window
	err := c.do(ctx, http.MethodGet, "view", nil, &resp)
	return resp, err
}

// ViewPage moves the window: "start", "backward", "forward", or "end".
func (c *Client) ViewPage(ctx context.Context, token string) (Window, error) {
	var resp Window
	err := c.do(ctx, http.MethodPost, "view/page", map[string]any{"token": token}, &resp)
	return resp, err
}

// ViewFilter sets one filter; an empty value clears it.
func (c *Client) ViewFilter(ctx context.Context, field, value string) (Window, error) {
	var resp Window
	err := c.do(ctx, http.MethodPost, "view/filter", map[string]any{"field": field, "value": value}, &resp)
	return resp, err
}

// ViewSort changes the sort order.
func (c *Client) ViewSort(ctx context.Context, field, dir string) (Window, error) {
	var resp Window
	err := c.do(ctx, http.MethodPost, "view/sort", map[string]any{"field": field, "dir": dir}, &resp)
	return resp, err
}

// ViewSize changes the window size.
func (c *Client) ViewSize(ctx context.Context, size int) (Window, error) {
	var resp Window
	err := c.do(ctx, http.MethodPost, "view/size", map[string]any{"size": size}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.SessionID != "" {
		req.Header.Set("X-Session-Id", c.SessionID)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if sid := resp.Header.Get("X-Session-Id"); sid != "" {
		c.SessionID = sid
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
