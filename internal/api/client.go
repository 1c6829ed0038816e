package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"bloom/internal/faults"
	"bloom/internal/scanner"
)

var ErrUnavailable = errors.New("daemon API unavailable")

// Error is a non-2xx reply decoded from ErrorResponse.
type Error struct {
	StatusCode int
	Kind       faults.Kind
	Message    string
	Hint       string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned status %d", e.StatusCode)
	}
	return e.Message
}

// ErrorKind lets faults.KindOf classify errors relayed by the daemon.
func (e *Error) ErrorKind() faults.Kind {
	if e.Kind == "" {
		return faults.KindUnknown
	}
	return e.Kind
}

// Client talks to a running daemon.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// NewClient returns nil when bind is empty.
func NewClient(bind, token string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, nil
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, err
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""

	return &Client{
		base:  base,
		token: strings.TrimSpace(token),
		// No timeout: event waits block until the caller's context ends.
		http: &http.Client{},
	}, nil
}

func (c *Client) StartScan(ctx context.Context, req scanner.Request) (StartScanResponse, error) {
	var out StartScanResponse
	err := c.do(ctx, http.MethodPost, "/api/scans", nil, req, &out)
	return out, err
}

func (c *Client) CancelScan(ctx context.Context) (CancelResponse, error) {
	var out CancelResponse
	err := c.do(ctx, http.MethodPost, "/api/scans/cancel", nil, nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	var out DaemonStatus
	err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &out)
	return out, err
}

func (c *Client) Hardware(ctx context.Context) (HardwareStatus, error) {
	var out HardwareStatus
	err := c.do(ctx, http.MethodGet, "/api/hardware", nil, nil, &out)
	return out, err
}

// StartPreview asks the daemon to stream camera frames. It fails with a busy
// kind while a scan is running.
func (c *Client) StartPreview(ctx context.Context) (PreviewResponse, error) {
	var out PreviewResponse
	err := c.do(ctx, http.MethodPost, "/api/camera/preview", nil, nil, &out)
	return out, err
}

func (c *Client) StopPreview(ctx context.Context) (PreviewResponse, error) {
	var out PreviewResponse
	err := c.do(ctx, http.MethodDelete, "/api/camera/preview", nil, nil, &out)
	return out, err
}

// Preview fetches the latest preview frame.
func (c *Client) Preview(ctx context.Context) (PreviewResponse, error) {
	var out PreviewResponse
	err := c.do(ctx, http.MethodGet, "/api/camera/preview", nil, nil, &out)
	return out, err
}

// Events returns events after since. With wait set the daemon holds the
// request until something new arrives or its poll window closes.
func (c *Client) Events(ctx context.Context, since uint64, limit int, wait bool) (EventsResponse, error) {
	values := url.Values{}
	if since > 0 {
		values.Set("since", strconv.FormatUint(since, 10))
	}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	if wait {
		values.Set("wait", "1")
	}
	var out EventsResponse
	err := c.do(ctx, http.MethodGet, "/api/events", values, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c == nil {
		return ErrUnavailable
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := c.base.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})
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
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		var payload ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&payload); decodeErr == nil {
			apiErr.Message = payload.Error
			apiErr.Kind = faults.Kind(payload.Kind)
			apiErr.Hint = payload.Hint
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// IsUnavailable reports whether err means no daemon is listening.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.Is(err, ErrUnavailable) || errors.As(err, &opErr)
}
