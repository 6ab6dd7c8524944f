package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ourdigitalworld/zipit/pkg/observability"
)

// DefaultTimeout bounds each request when the client is built with a zero
// timeout.
const DefaultTimeout = 5 * time.Second

var (
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("resource not found")

	// ErrNetwork is returned for transport failures (connection errors, reset bodies).
	ErrNetwork = errors.New("network error")

	// ErrUnexpectedStatus is returned when the status code does not fit the request.
	ErrUnexpectedStatus = errors.New("unexpected status")

	// ErrShortBody is returned when a body does not hold the requested range.
	ErrShortBody = errors.New("response body does not match requested range")

	// ErrInvalidRange is returned for a negative or inverted byte range.
	ErrInvalidRange = errors.New("invalid byte range")

	// ErrCancelled is returned when the caller's context was cancelled.
	ErrCancelled = errors.New("request cancelled")

	// ErrTimeout is returned when the request timeout or the caller's
	// deadline expired.
	ErrTimeout = errors.New("request timed out")
)

// Client performs GET requests with a per-request timeout and default headers.
// It is safe for concurrent use.
type Client struct {
	http    *http.Client
	timeout time.Duration
	headers map[string]string
}

// NewClient creates a Client with the given timeout and default headers.
// Headers are applied to all requests made through this client.
// Pass nil for headers if no default headers are needed.
func NewClient(timeout time.Duration, headers map[string]string) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:    &http.Client{},
		timeout: timeout,
		headers: headers,
	}
}

// SetHTTPClient replaces the underlying transport client.
func (c *Client) SetHTTPClient(h *http.Client) { c.http = h }

// Timeout returns the per-request timeout.
func (c *Client) Timeout() time.Duration { return c.timeout }

// GetJSON performs an HTTP GET request and JSON-decodes the response into v.
func (c *Client) GetJSON(ctx context.Context, rawURL string, v any) error {
	return c.run(ctx, func(ctx context.Context) error {
		resp, err := c.doRequest(ctx, rawURL, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkStatus(resp.StatusCode); err != nil {
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("decode %s: %w", rawURL, err)
		}
		return nil
	})
}

// Get performs an HTTP GET request and returns the whole response body.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	var data []byte
	err := c.run(ctx, func(ctx context.Context) error {
		resp, err := c.doRequest(ctx, rawURL, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkStatus(resp.StatusCode); err != nil {
			return err
		}
		data, err = readBody(resp.Body, -1)
		return err
	})
	return data, err
}

// FetchRange fetches the inclusive byte range [start, end] of rawURL.
// On success the result holds exactly end-start+1 bytes.
func (c *Client) FetchRange(ctx context.Context, rawURL string, start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidRange, start, end)
	}
	want := end - start + 1

	var data []byte
	err := c.run(ctx, func(ctx context.Context) error {
		resp, err := c.doRequest(ctx, rawURL, map[string]string{
			"Range": fmt.Sprintf("bytes=%d-%d", start, end),
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusPartialContent:
			if err := checkContentRange(resp.Header.Get("Content-Range"), start, end); err != nil {
				return err
			}
			data, err = readBody(resp.Body, want)
			if err != nil {
				return err
			}
			if int64(len(data)) != want {
				return fmt.Errorf("%w: got %d bytes, want %d", ErrShortBody, len(data), want)
			}
			return nil
		case http.StatusOK:
			// The server ignored the Range header; cut the range out locally.
			full, err := readBody(resp.Body, end+1)
			if err != nil {
				return err
			}
			if int64(len(full)) <= end {
				return fmt.Errorf("%w: full body has %d bytes, range ends at %d", ErrShortBody, len(full), end)
			}
			data = full[start : end+1]
			return nil
		default:
			return checkStatus(resp.StatusCode)
		}
	})
	return data, err
}

// run executes fn under the client timeout and maps context failures to
// ErrCancelled or ErrTimeout.
func (c *Client) run(ctx context.Context, fn func(context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := fn(tctx)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w: %w", ErrCancelled, context.Canceled)
	case tctx.Err() != nil:
		return fmt.Errorf("%w after %s: %w", ErrTimeout, c.timeout, context.DeadlineExceeded)
	}
	return err
}

func (c *Client) doRequest(ctx context.Context, rawURL string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	host, path := hostPath(rawURL)
	hooks := observability.HTTP()
	hooks.OnRequest(ctx, req.Method, host, path)
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		hooks.OnError(ctx, req.Method, host, path, err)
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	hooks.OnResponse(ctx, req.Method, host, path, resp.StatusCode, time.Since(start))
	return resp, nil
}

func checkStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: status %d", ErrUnexpectedStatus, code)
	}
}

// checkContentRange verifies a "bytes S-E/total" header against the
// requested range. A missing header is accepted; the body length is still
// checked by the caller.
func checkContentRange(header string, start, end int64) error {
	if header == "" {
		return nil
	}
	var s, e int64
	if _, err := fmt.Sscanf(header, "bytes %d-%d/", &s, &e); err != nil {
		return fmt.Errorf("%w: malformed Content-Range %q", ErrUnexpectedStatus, header)
	}
	if s != start || e != end {
		return fmt.Errorf("%w: Content-Range %q for requested %d-%d", ErrUnexpectedStatus, header, start, end)
	}
	return nil
}

// readBody reads at most limit bytes (all of it when limit < 0) plus one
// extra byte so oversize bodies are detectable.
func readBody(r io.Reader, limit int64) ([]byte, error) {
	if limit >= 0 {
		r = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	return data, nil
}

func hostPath(rawURL string) (string, string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", rawURL
	}
	return u.Host, strings.TrimPrefix(u.Path, "/")
}
