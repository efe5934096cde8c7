// Package httptransport is a transport.Transport that talks JSON over HTTP to
// a REST object store.
//
// Routes:
//
//	POST   /classes/{class}       create
//	PUT    /classes/{class}/{id}  update
//	DELETE /classes/{class}/{id}  destroy
//	GET    /classes/{class}/{id}  fetch
//	GET    /health                reachability probe
package httptransport

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

	"github.com/hyperengineering/eventual/pkg/op"
	"github.com/hyperengineering/eventual/pkg/transport"
)

// Request headers.
const (
	HeaderApplicationID  = "X-Eventual-Application-Id"
	HeaderSessionToken   = "X-Eventual-Session-Token"
	HeaderInstallationID = "X-Eventual-Installation-Id"
	HeaderMasterKey      = "X-Eventual-Use-Master-Key"
	HeaderContext        = "X-Eventual-Context"
)

// DefaultTimeout bounds a single HTTP exchange.
const DefaultTimeout = 30 * time.Second

// Config configures a Client.
type Config struct {
	BaseURL       string
	ApplicationID string
	APIKey        string
	Timeout       time.Duration
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// Client sends requests to a REST object store.
type Client struct {
	baseURL string
	appID   string
	apiKey  string
	client  *http.Client
}

var (
	_ transport.Transport = (*Client)(nil)
	_ transport.Fetcher   = (*Client)(nil)
	_ transport.Pinger    = (*Client)(nil)
)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("httptransport: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("httptransport: parse base URL: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		appID:   cfg.ApplicationID,
		apiKey:  cfg.APIKey,
		client:  hc,
	}, nil
}

// Send performs a save or destroy.
func (c *Client) Send(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if req == nil || req.ClassName == "" {
		return nil, transport.Permanent(0, "request needs a class name")
	}

	var (
		method string
		path   = "/classes/" + url.PathEscape(req.ClassName)
		body   any
	)
	switch req.Action {
	case transport.ActionSave:
		ops := req.Ops
		if ops == nil {
			ops = op.Map{}
		}
		body = ops
		if req.ObjectID == "" {
			method = http.MethodPost
		} else {
			method = http.MethodPut
			path += "/" + url.PathEscape(req.ObjectID)
		}
	case transport.ActionDestroy:
		if req.ObjectID == "" {
			return nil, transport.Permanent(0, "destroy needs an object id")
		}
		method = http.MethodDelete
		path += "/" + url.PathEscape(req.ObjectID)
	default:
		return nil, transport.Permanent(0, fmt.Sprintf("unknown action %q", req.Action))
	}

	var attrs map[string]any
	status, err := c.do(ctx, method, path, body, req.Options, &attrs)
	if err != nil {
		return nil, err
	}

	slog.Debug("request delivered",
		"component", "transport",
		"action", string(req.Action),
		"class", req.ClassName,
		"status", status,
	)

	resp := &transport.Response{
		ObjectID: req.ObjectID,
		Created:  status == http.StatusCreated,
	}
	if id, ok := attrs["objectId"].(string); ok && id != "" {
		resp.ObjectID = id
	}
	delete(attrs, "objectId")
	if len(attrs) > 0 {
		resp.Attributes = decodeAttributes(attrs)
	}
	return resp, nil
}

// Fetch reads the current attributes of an object.
func (c *Client) Fetch(ctx context.Context, className, objectID string, opts transport.Options) (map[string]any, error) {
	path := "/classes/" + url.PathEscape(className) + "/" + url.PathEscape(objectID)
	var attrs map[string]any
	if _, err := c.do(ctx, http.MethodGet, path, nil, opts, &attrs); err != nil {
		return nil, err
	}
	delete(attrs, "objectId")
	return decodeAttributes(attrs), nil
}

// Ping checks that the remote store answers its health probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil, transport.Options{}, nil)
	return err
}

// do sends an authenticated request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body any, opts transport.Options, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, transport.Permanent(0, fmt.Sprintf("encode request: %v", err))
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, transport.Permanent(0, fmt.Sprintf("build request: %v", err))
	}
	if err := c.setHeaders(httpReq, opts); err != nil {
		return 0, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return 0, err
		}
		return 0, transport.Transient(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, transport.Transient(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 300 {
		return resp.StatusCode, classify(resp.StatusCode, data)
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, transport.Permanent(0, fmt.Sprintf("decode response: %v", err))
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) setHeaders(req *http.Request, opts transport.Options) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.appID != "" {
		req.Header.Set(HeaderApplicationID, c.appID)
	}
	if opts.SessionToken != "" {
		req.Header.Set(HeaderSessionToken, opts.SessionToken)
	}
	if opts.InstallationID != "" {
		req.Header.Set(HeaderInstallationID, opts.InstallationID)
	}
	if opts.UseMasterKey {
		req.Header.Set(HeaderMasterKey, "true")
	}
	if len(opts.Context) > 0 {
		data, err := json.Marshal(opts.Context)
		if err != nil {
			return transport.Permanent(0, fmt.Sprintf("encode context: %v", err))
		}
		req.Header.Set(HeaderContext, string(data))
	}
	return nil
}

// problem is an RFC 7807 error body, optionally carrying an application code.
type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
	Code   int    `json:"code,omitempty"`
}

// classify maps a failed HTTP status to a transport error. 5xx, 408 and 429
// are worth retrying; everything else is a rejection.
func classify(status int, body []byte) error {
	var p problem
	_ = json.Unmarshal(body, &p)
	msg := p.Detail
	if msg == "" {
		msg = p.Title
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	code := p.Code
	if code == 0 {
		code = status
	}

	switch {
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return &transport.Error{Kind: transport.ErrTransient, Code: code, Message: msg}
	case status == http.StatusNotFound:
		return &transport.Error{Kind: transport.ErrNotFound, Code: code, Message: msg}
	default:
		return &transport.Error{Kind: transport.ErrPermanent, Code: code, Message: msg}
	}
}

func decodeAttributes(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = op.DecodeValue(v)
	}
	return out
}
