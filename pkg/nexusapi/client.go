package nexusapi

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

	"github.com/coder/websocket"

	"github.com/mayadata-io/nexus-engine/internal/retry"
)

// Client talks to a cmd/nexus-engine process's HTTP control surface: dial
// once, issue typed calls, retry transient network failures.
type Client struct {
	baseURL string
	http    *http.Client
	retry   retry.Config
}

// NewClient builds a Client against baseURL (e.g. "http://127.0.0.1:9090").
func NewClient(baseURL string) *Client {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.InitialBackoff = 200 * time.Millisecond
	cfg.OperationName = "nexus-engine api call"
	cfg.RetryableFunc = isRetryableNetErr

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		retry:   cfg,
	}
}

// isRetryableNetErr retries connection-level failures (engine not yet up,
// transient reset) but not decoded API errors, which the caller should
// handle explicitly rather than blindly retry.
func isRetryableNetErr(err error) bool {
	var apiErr *StatusError
	return !asStatusError(err, &apiErr)
}

func asStatusError(err error, target **StatusError) bool {
	se, ok := err.(*StatusError)
	if ok {
		*target = se
	}
	return ok
}

// StatusError is returned for a non-2xx JSON response.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string { return fmt.Sprintf("nexus-engine api: %d: %s", e.Code, e.Msg) }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := retry.Do(ctx, c.retry, func() (struct{}, error) {
		return struct{}{}, c.doOnce(ctx, method, path, body, out)
	})
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode/100 != 2 {
		var errResp ErrorResponse
		msg := string(raw)
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return &StatusError{Code: resp.StatusCode, Msg: msg}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// ListNexuses returns every nexus known to the engine.
func (c *Client) ListNexuses(ctx context.Context) ([]NexusView, error) {
	var out []NexusView
	err := c.do(ctx, http.MethodGet, "/v1/nexus", nil, &out)
	return out, err
}

// DescribeNexus returns one nexus's detail view.
func (c *Client) DescribeNexus(ctx context.Context, name string) (*NexusView, error) {
	var out NexusView
	err := c.do(ctx, http.MethodGet, "/v1/nexus/"+url.PathEscape(name), nil, &out)
	return &out, err
}

// ListRebuilds returns every rebuild job the engine is tracking.
func (c *Client) ListRebuilds(ctx context.Context) ([]RebuildView, error) {
	var out []RebuildView
	err := c.do(ctx, http.MethodGet, "/v1/rebuild", nil, &out)
	return out, err
}

// RebuildOp issues start/pause/resume/stop against a rebuild job.
func (c *Client) RebuildOp(ctx context.Context, serial int64, op string) error {
	path := fmt.Sprintf("/v1/rebuild/%d", serial)
	return c.do(ctx, http.MethodPost, path, RebuildOpRequest{Op: op}, nil)
}

// FaultInject arms a fault-injection URI on the engine.
func (c *Client) FaultInject(ctx context.Context, uri string) error {
	return c.do(ctx, http.MethodPost, "/v1/fault", FaultInjectRequest{URI: uri}, nil)
}

// ListFaults lists currently armed fault injections.
func (c *Client) ListFaults(ctx context.Context) ([]FaultInjectionView, error) {
	var out []FaultInjectionView
	err := c.do(ctx, http.MethodGet, "/v1/fault", nil, &out)
	return out, err
}

// Watch streams WatchEvents from the engine's websocket push endpoint
// until ctx is cancelled or the connection drops, calling fn for each
// decoded event.
func (c *Client) Watch(ctx context.Context, fn func(WatchEvent)) error {
	wsURL := strings.Replace(c.baseURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL += "/v1/watch"

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial watch endpoint: %w", err)
	}
	defer conn.CloseNow()

	for {
		var ev WatchEvent
		if err := wsjson(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fn(ev)
	}
}

// wsjson reads one JSON text frame off conn into v.
func wsjson(ctx context.Context, conn *websocket.Conn, v any) error {
	_, raw, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
