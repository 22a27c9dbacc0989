// Package asana is a typed, paginated client for the remote task-tracker REST
// API. Every request goes through a shared rate limiter.
package asana

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	neturl "net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/antigravity-dev/asanasync/internal/ratelimit"
)

const (
	DefaultBaseURL    = "https://app.asana.com/api/1.0"
	DefaultPageSize   = 100
	DefaultRetryAfter = 60 * time.Second
)

// APIError is a non-success HTTP response from the remote API.
type APIError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("asana: GET %s: status %d (%s)", e.Path, e.StatusCode, e.Body)
}

// IsTooManyRequests reports whether err is a 429 from the remote API.
func IsTooManyRequests(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	PageSize   int
	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
	Logger     *slog.Logger
	// RetryAfter is used when a 429 carries no usable Retry-After header.
	RetryAfter time.Duration
}

// Client fetches entity collections from the remote API.
type Client struct {
	baseURL    string
	token      string
	pageSize   int
	http       *http.Client
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	retryAfter time.Duration
	calls      atomic.Int64

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a client. A nil limiter gets a private default limiter.
func New(opts Options) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		token:      strings.TrimSpace(opts.Token),
		pageSize:   opts.PageSize,
		http:       opts.HTTPClient,
		limiter:    opts.Limiter,
		logger:     opts.Logger,
		retryAfter: opts.RetryAfter,
		sleep:      sleepCtx,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.pageSize <= 0 || c.pageSize > 100 {
		c.pageSize = DefaultPageSize
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 100 * time.Second}
	}
	if c.limiter == nil {
		c.limiter = ratelimit.New(0, 0)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.retryAfter <= 0 {
		c.retryAfter = DefaultRetryAfter
	}
	return c
}

// CallCount returns the number of HTTP requests issued since the last reset.
func (c *Client) CallCount() int64 { return c.calls.Load() }

// ResetCallCount zeroes the request counter.
func (c *Client) ResetCallCount() { c.calls.Store(0) }

// listAll requests every page of a collection endpoint and returns the
// concatenated data items.
func (c *Client) listAll(ctx context.Context, path string, fields []string) ([]gjson.Result, error) {
	var items []gjson.Result
	offset := ""
	for {
		query := neturl.Values{}
		query.Set("limit", strconv.Itoa(c.pageSize))
		if len(fields) > 0 {
			query.Set("opt_fields", strings.Join(fields, ","))
		}
		if offset != "" {
			query.Set("offset", offset)
		}

		body, err := ratelimit.Execute(ctx, c.limiter, func(ctx context.Context) ([]byte, error) {
			return c.getPage(ctx, path, query)
		})
		if err != nil {
			return nil, err
		}

		page := gjson.ParseBytes(body)
		data := page.Get("data")
		if data.Exists() && !data.IsArray() {
			return nil, errors.Errorf("asana: GET %s: data is not an array", path)
		}
		data.ForEach(func(_, item gjson.Result) bool {
			items = append(items, item)
			return true
		})

		offset = page.Get("next_page.offset").String()
		if offset == "" {
			return items, nil
		}
	}
}

// getPage issues one GET. A 429 is retried exactly once after the
// server-supplied delay.
func (c *Client) getPage(ctx context.Context, path string, query neturl.Values) ([]byte, error) {
	resp, err := c.do(ctx, path, query)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		delay := retryAfter(resp.Header.Get("Retry-After"), c.retryAfter, time.Now())
		drain(resp)
		c.logger.Warn("asana rate limited, retrying once", "path", path, "retry_after", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
		resp, err = c.do(ctx, path, query)
		if err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.WithStack(&APIError{
			StatusCode: resp.StatusCode,
			Path:       path,
			Body:       strings.TrimSpace(string(out)),
		})
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "asana: GET %s: read body", path)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, path string, query neturl.Values) (*http.Response, error) {
	endpoint := c.baseURL + "/" + strings.TrimLeft(path, "/") + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "asana: build request %s", path)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.calls.Add(1)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "asana: GET %s", path)
	}
	return resp, nil
}

// retryAfter parses a Retry-After header given as delta seconds or an HTTP
// date, falling back to def.
func retryAfter(header string, def time.Duration, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return def
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return def
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return def
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
