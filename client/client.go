// Package client is the consumer side of the permit API. It keeps the
// principal snapshot and permit snapshots, and refuses transitions the
// lifecycle table rules out before anything is sent.
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
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/ptw-platform/ptw/internal/shared"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 4 << 20
)

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the authority's root, e.g. "https://ptw.example.com".
	BaseURL string
	// HTTPClient is copied; a cookie jar is attached when it has none.
	HTTPClient *http.Client
	// Timeout bounds every request. Zero means 15s.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client talks to one authority on behalf of one session. Requests are never retried.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger

	Session *Session
	Permits *PermitClient
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("client: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}
	hc := &http.Client{}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		hc = &copied
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("client: cookie jar: %w", err)
		}
		hc.Jar = jar
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		timeout: timeout,
		logger:  logger,
		Session: newSession(),
	}
	c.Permits = newPermitClient(c)
	return c, nil
}

type request struct {
	method  string
	path    string
	query   url.Values
	body    any
	headers map[string]string
}

// do issues one request and decodes a 2xx JSON body into out. Non-2xx
// responses become *Error; a 401 clears the session.
func (c *Client) do(ctx context.Context, req request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if req.body != nil {
		encoded, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("client: encode %s %s: %w", req.method, req.path, err)
		}
		body = bytes.NewReader(encoded)
	}
	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return fmt.Errorf("client: build %s %s: %w", req.method, req.path, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.method != http.MethodGet && req.method != http.MethodHead {
		if token := c.Session.CSRFToken(); token != "" {
			httpReq.Header.Set(shared.CSRFHeader, token)
		}
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s", ErrTimeout, req.method, req.path)
		}
		return fmt.Errorf("client: %s %s: %w", req.method, req.path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s", ErrTimeout, req.method, req.path)
		}
		return fmt.Errorf("client: read %s %s: %w", req.method, req.path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := decodeProblem(resp.StatusCode, payload)
		if resp.StatusCode == http.StatusUnauthorized {
			c.Session.Clear()
			c.Permits.forget()
		}
		c.logger.Debug("request refused",
			slog.String("method", req.method),
			slog.String("path", req.path),
			slog.Int("status", resp.StatusCode))
		return apiErr
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("client: decode %s %s: %w", req.method, req.path, err)
	}
	return nil
}
