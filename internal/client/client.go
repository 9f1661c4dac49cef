// Package client implements the Process Client (spec.md §4.5): a
// stateless-per-call HTTP wrapper bound to a single managed process's
// base URL.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrorKind classifies a Process Client failure (spec.md §4.5: "Errors are
// classified as transport, not-found, or server").
type ErrorKind string

const (
	ErrKindTransport ErrorKind = "transport"
	ErrKindNotFound   ErrorKind = "not_found"
	ErrKindServer     ErrorKind = "server"
)

// Error wraps a classified Process Client failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Client is a thin, stateless-per-call HTTP wrapper, grounded on the
// redisclient package's embed-and-log wrapper style translated to
// net/http: no retries at this layer, errors classified for the caller.
type Client struct {
	log     *zap.Logger
	baseURL string
	http    *http.Client
}

// New constructs a Client bound to http://127.0.0.1:port.
func New(log *zap.Logger, port int) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		log:     log.Named("process_client").With(zap.Int("port", port)),
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Health reports whether GET /global/health returned 200 (spec.md §6).
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/global/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// SendMessageAsync posts text to a session's prompt endpoint; the process
// accepts asynchronously with 202 (spec.md §6).
func (c *Client) SendMessageAsync(ctx context.Context, sessionID, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return &Error{Kind: ErrKindTransport, Err: err}
	}

	url := fmt.Sprintf("%s/session/%s/prompt_async", c.baseURL, sessionID)
	resp, err := c.post(ctx, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return classifyStatus(resp.StatusCode)
	}
	return nil
}

// ReplyPermission answers a pending permission prompt (spec.md §6).
func (c *Client) ReplyPermission(ctx context.Context, sessionID, permissionID string, allowed bool) error {
	body, err := json.Marshal(map[string]bool{"allowed": allowed})
	if err != nil {
		return &Error{Kind: ErrKindTransport, Err: err}
	}

	url := fmt.Sprintf("%s/session/%s/permission/%s", c.baseURL, sessionID, permissionID)
	resp, err := c.post(ctx, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode)
	}
	return nil
}

// SSEURL is the pure function sse_url(session_id) -> URL (spec.md §4.5).
func (c *Client) SSEURL(sessionID string) string {
	return fmt.Sprintf("%s/session/%s/events", c.baseURL, sessionID)
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: ErrKindTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrKindTransport, Err: err}
	}
	return resp, nil
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusNotFound:
		return &Error{Kind: ErrKindNotFound, Err: errors.New("not found")}
	case code >= 500:
		return &Error{Kind: ErrKindServer, Err: fmt.Errorf("server status %d", code)}
	default:
		return &Error{Kind: ErrKindTransport, Err: fmt.Errorf("unexpected status %d", code)}
	}
}
