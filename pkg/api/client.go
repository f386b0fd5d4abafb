package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/monitoring"
	"github.com/sandboxrunner/sandboxd/pkg/sandbox"
	"github.com/sandboxrunner/sandboxd/pkg/storage"
)

// Client talks to a sandboxd API server. Errors returned by the server
// carry the same errdefs sentinels the daemon produced.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	retries    uint64
	backoff    time.Duration
}

const (
	defaultRetries = 3
	defaultBackoff = 100 * time.Millisecond
)

var errRateLimited = errors.New("rate limited")

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRetries sets how often GET requests are retried after a transport
// error or a 429 answer. Zero disables retries. Other methods are never
// retried.
func WithRetries(n int, initial time.Duration) ClientOption {
	return func(c *Client) {
		if n < 0 {
			n = 0
		}
		c.retries = uint64(n)
		c.backoff = initial
	}
}

// NewClient creates a client for the server at baseURL, e.g.
// "http://127.0.0.1:7878".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		userAgent:  "sandboxd-client/" + monitoring.Version,
		retries:    defaultRetries,
		backoff:    defaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Permissions lists the permission catalogue.
func (c *Client) Permissions(ctx context.Context) ([]PermissionResponse, error) {
	var out ListResponse[PermissionResponse]
	err := c.do(ctx, http.MethodGet, BasePath+"/permissions", nil, &out)
	return out.Data, err
}

// Statistics returns the manager statistics.
func (c *Client) Statistics(ctx context.Context) (sandbox.Statistics, error) {
	var out sandbox.Statistics
	err := c.do(ctx, http.MethodGet, BasePath+"/statistics", nil, &out)
	return out, err
}

// Health returns the daemon health report. An unhealthy daemon answers
// 503, which is returned as the decoded report without an error.
func (c *Client) Health(ctx context.Context) (monitoring.OverallHealth, error) {
	var out monitoring.OverallHealth
	resp, err := c.send(ctx, http.MethodGet, "/health", "", nil)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("failed to decode health response: %w", err)
	}
	return out, nil
}

// Policies lists registered policies.
func (c *Client) Policies(ctx context.Context) ([]PolicyResponse, error) {
	var out ListResponse[PolicyResponse]
	err := c.do(ctx, http.MethodGet, BasePath+"/policies", nil, &out)
	return out.Data, err
}

// Policy returns one policy including its YAML document.
func (c *Client) Policy(ctx context.Context, name string) (PolicyResponse, error) {
	var out PolicyResponse
	err := c.do(ctx, http.MethodGet, BasePath+"/policies/"+url.PathEscape(name), nil, &out)
	return out, err
}

// ApplyPolicy registers a YAML policy document.
func (c *Client) ApplyPolicy(ctx context.Context, document []byte) (PolicyResponse, error) {
	var out PolicyResponse
	resp, err := c.send(ctx, http.MethodPost, BasePath+"/policies", "application/yaml", bytes.NewReader(document))
	if err != nil {
		return out, err
	}
	return out, c.decode(resp, &out)
}

// DeletePolicy unregisters a policy.
func (c *Client) DeletePolicy(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, BasePath+"/policies/"+url.PathEscape(name), nil, nil)
}

// Sandboxes lists sandboxes, optionally only those in state.
func (c *Client) Sandboxes(ctx context.Context, state sandbox.State) ([]sandbox.Snapshot, error) {
	path := BasePath + "/sandboxes"
	if state != "" {
		path += "?state=" + url.QueryEscape(string(state))
	}
	var out ListResponse[sandbox.Snapshot]
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Data, err
}

// Sandbox returns the snapshot of one sandbox.
func (c *Client) Sandbox(ctx context.Context, name string) (sandbox.Snapshot, error) {
	var out sandbox.Snapshot
	err := c.do(ctx, http.MethodGet, sandboxPath(name, ""), nil, &out)
	return out, err
}

// CreateSandbox creates a sandbox and starts it when req.Command is set.
func (c *Client) CreateSandbox(ctx context.Context, req CreateSandboxRequest) (sandbox.Snapshot, error) {
	var out sandbox.Snapshot
	err := c.do(ctx, http.MethodPost, BasePath+"/sandboxes", req, &out)
	return out, err
}

// StartSandbox starts a created sandbox with req as the entry process.
func (c *Client) StartSandbox(ctx context.Context, name string, req ProcessRequest) (sandbox.Snapshot, error) {
	var out sandbox.Snapshot
	err := c.do(ctx, http.MethodPost, sandboxPath(name, "/start"), req, &out)
	return out, err
}

// Exec runs another process in a running sandbox and returns its pid.
func (c *Client) Exec(ctx context.Context, name string, req ProcessRequest) (int, error) {
	var out ExecResponse
	err := c.do(ctx, http.MethodPost, sandboxPath(name, "/exec"), req, &out)
	return out.PID, err
}

// StopSandbox stops a sandbox.
func (c *Client) StopSandbox(ctx context.Context, name string) (sandbox.Snapshot, error) {
	var out sandbox.Snapshot
	err := c.do(ctx, http.MethodPost, sandboxPath(name, "/stop"), nil, &out)
	return out, err
}

// SuspendSandbox freezes a running sandbox.
func (c *Client) SuspendSandbox(ctx context.Context, name string) (sandbox.Snapshot, error) {
	var out sandbox.Snapshot
	err := c.do(ctx, http.MethodPost, sandboxPath(name, "/suspend"), nil, &out)
	return out, err
}

// ResumeSandbox thaws a suspended sandbox.
func (c *Client) ResumeSandbox(ctx context.Context, name string) (sandbox.Snapshot, error) {
	var out sandbox.Snapshot
	err := c.do(ctx, http.MethodPost, sandboxPath(name, "/resume"), nil, &out)
	return out, err
}

// KillSandbox delivers signal to every process of a sandbox.
func (c *Client) KillSandbox(ctx context.Context, name, signal string) error {
	return c.do(ctx, http.MethodPost, sandboxPath(name, "/kill"), KillRequest{Signal: signal}, nil)
}

// DestroySandbox removes a terminal sandbox.
func (c *Client) DestroySandbox(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, sandboxPath(name, ""), nil, nil)
}

// Check asks for a mediation decision.
func (c *Client) Check(ctx context.Context, name string, req CheckRequest) (CheckResponse, error) {
	var out CheckResponse
	err := c.do(ctx, http.MethodPost, sandboxPath(name, "/check"), req, &out)
	return out, err
}

// Grant sets an overlay entry for permission on a sandbox.
func (c *Client) Grant(ctx context.Context, name, permission, state string) error {
	return c.do(ctx, http.MethodPut, sandboxPath(name, "/permissions/"+url.PathEscape(permission)), GrantRequest{State: state}, nil)
}

// Revoke removes an overlay entry.
func (c *Client) Revoke(ctx context.Context, name, permission string) error {
	return c.do(ctx, http.MethodDelete, sandboxPath(name, "/permissions/"+url.PathEscape(permission)), nil, nil)
}

// AuditRecords returns up to limit recent audit records of a sandbox.
func (c *Client) AuditRecords(ctx context.Context, name string, limit int) ([]audit.Record, error) {
	var out ListResponse[audit.Record]
	err := c.do(ctx, http.MethodGet, sandboxPath(name, "/audit")+"?limit="+strconv.Itoa(limit), nil, &out)
	return out.Data, err
}

// QueryAudit searches the persisted audit trail.
func (c *Client) QueryAudit(ctx context.Context, q storage.AuditQuery) ([]audit.Record, error) {
	values := url.Values{}
	if q.Sandbox != "" {
		values.Set("sandbox", q.Sandbox)
	}
	for _, k := range q.Kinds {
		values.Add("kind", string(k))
	}
	if !q.Since.IsZero() {
		values.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	path := BasePath + "/audit"
	if len(values) > 0 {
		path += "?" + values.Encode()
	}
	var out ListResponse[audit.Record]
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Data, err
}

// StreamAudit follows the live audit stream of a sandbox and calls fn for
// every message until ctx is done, the server closes the stream, or fn
// returns an error.
func (c *Client) StreamAudit(ctx context.Context, name string, fn func(StreamMessage) error) error {
	u, err := url.Parse(c.baseURL + sandboxPath(name, "/audit/stream"))
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{"User-Agent": []string{c.userAgent}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return c.decode(resp, nil)
		}
		return fmt.Errorf("failed to open audit stream: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var msg StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("audit stream: %w", err)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}

func sandboxPath(name, suffix string) string {
	return BasePath + "/sandboxes/" + url.PathEscape(name) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var (
		body        io.Reader
		contentType string
	)
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	resp, err := c.send(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	return c.decode(resp, out)
}

// send issues one request. GETs are retried with exponential backoff; the
// last response is returned when every attempt was rate limited.
func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	if method != http.MethodGet || c.retries == 0 {
		return c.sendOnce(ctx, method, path, contentType, body)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.backoff
	eb.MaxInterval = 2 * time.Second
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, c.retries), ctx)

	var last *http.Response
	op := func() error {
		if last != nil {
			last.Body.Close()
			last = nil
		}
		resp, err := c.sendOnce(ctx, method, path, contentType, nil)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		last = resp
		if resp.StatusCode == http.StatusTooManyRequests {
			return errRateLimited
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Debug().Err(err).Str("path", path).Dur("wait", wait).Msg("Retrying request")
	}
	err := backoff.RetryNotify(op, b, notify)
	if last != nil {
		return last, nil
	}
	return nil, err
}

func (c *Client) sendOnce(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach sandboxd at %s: %w", c.baseURL, err)
	}
	return resp, nil
}

// decode reads a response into out, or turns an error response back into
// an error carrying the daemon's sentinel.
func (c *Client) decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return fmt.Errorf("sandboxd returned %s", resp.Status)
		}
		msg := e.Error
		if sentinel := errdefs.ParseKind(e.Kind).Sentinel(); sentinel != nil {
			msg = strings.TrimSuffix(msg, ": "+sentinel.Error())
		}
		return errdefs.FromKindName(e.Kind, msg)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
