// Package client implements the sync engine's Remote over the REST API of
// the tabular database server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/JonMunkholm/csvsync/internal/core"
)

var _ core.Remote = (*Client)(nil)

// Default client settings.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 10 // requests per second
)

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string

	// Timeout bounds a single request. Zero uses DefaultTimeout.
	Timeout time.Duration
	// RateLimit caps requests per second across all workers. Zero uses
	// DefaultRateLimit, a negative value disables limiting.
	RateLimit float64
	Burst     int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the server. It is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid remote url %q", opts.BaseURL)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	switch {
	case opts.RateLimit == 0:
		limit = rate.Limit(DefaultRateLimit)
	case opts.RateLimit > 0:
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

// GetSchema fetches the columns of a table.
func (c *Client) GetSchema(ctx context.Context, tableRef string) (*core.Schema, error) {
	var schema core.Schema
	if err := c.doJSON(ctx, "get schema", http.MethodGet, tablePath(tableRef, "schema"), nil, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// CreateTable creates a table and returns its ref.
func (c *Client) CreateTable(ctx context.Context, parentRef string, schema *core.Schema, title string) (string, error) {
	body := core.TablePayload{Parent: parentRef, Title: title, Columns: schema.Columns()}
	var out core.TablePayload
	if err := c.doJSON(ctx, "create table", http.MethodPost, "/api/tables", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// UpdateSchema adds columns, changes types and registers select options.
func (c *Client) UpdateSchema(ctx context.Context, tableRef string, cols []core.Column) error {
	return c.doJSON(ctx, "update schema", http.MethodPatch, tablePath(tableRef, "schema"), core.ColumnsPayload{Columns: cols}, nil)
}

// ListRows returns every row of a table in creation order.
func (c *Client) ListRows(ctx context.Context, tableRef string) ([]core.RemoteRow, error) {
	schema, err := c.GetSchema(ctx, tableRef)
	if err != nil {
		return nil, err
	}
	var out core.RowsPayload
	if err := c.doJSON(ctx, "list rows", http.MethodGet, tablePath(tableRef, "rows"), nil, &out); err != nil {
		return nil, err
	}
	rows := make([]core.RemoteRow, 0, len(out.Rows))
	for _, p := range out.Rows {
		r, err := p.Decode(schema)
		if err != nil {
			return nil, &core.RemoteError{Kind: core.RemotePermanent, Op: "list rows", Err: fmt.Errorf("row %s: %w", p.ID, err)}
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// WriteRow creates a row and returns its ref.
func (c *Client) WriteRow(ctx context.Context, tableRef string, row core.RowWrite) (string, error) {
	var out core.RefPayload
	if err := c.doJSON(ctx, "write row", http.MethodPost, tablePath(tableRef, "rows"), core.NewWritePayload(row), &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// UpdateRow patches the given values and media of a row.
func (c *Client) UpdateRow(ctx context.Context, rowRef string, row core.RowWrite) error {
	return c.doJSON(ctx, "update row", http.MethodPatch, "/api/rows/"+url.PathEscape(rowRef), core.NewWritePayload(row), nil)
}

func tablePath(ref, sub string) string {
	return "/api/tables/" + url.PathEscape(ref) + "/" + sub
}

// doJSON sends body as JSON and decodes the response into out when set.
func (c *Client) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	var (
		reader io.Reader
		ctype  string
	)
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &core.RemoteError{Kind: core.RemotePermanent, Op: op, Err: err}
		}
		reader, ctype = bytes.NewReader(data), "application/json"
	}
	return c.do(ctx, op, method, path, reader, ctype, out)
}

func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, ctype string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &core.RemoteError{Kind: core.RemotePermanent, Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &core.RemoteError{Kind: core.RemotePermanent, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if id := core.RequestID(ctx); id != "" && method == http.MethodPost {
		req.Header.Set(core.IdempotencyHeader, id)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		kind := core.RemoteTransient
		if ctx.Err() != nil {
			kind = core.RemotePermanent
		}
		return &core.RemoteError{Kind: kind, Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("remote call", "op", op, "method", method, "path", path,
		"status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode >= 300 {
		return statusError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &core.RemoteError{Kind: core.RemotePermanent, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// statusError maps an HTTP failure onto a remote error kind.
func statusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(data))
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil {
		switch {
		case eb.Error != "":
			msg = eb.Error
		case eb.Message != "":
			msg = eb.Message
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &core.RemoteError{Kind: kindForStatus(resp.StatusCode), Op: op, Status: resp.StatusCode, Err: errors.New(msg)}
}

func kindForStatus(status int) core.RemoteErrorKind {
	switch {
	case status == http.StatusNotFound:
		return core.RemoteNotFound
	case status == http.StatusUnsupportedMediaType:
		return core.RemoteExtensionNotAllowed
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return core.RemoteTransient
	default:
		return core.RemotePermanent
	}
}
