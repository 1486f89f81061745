package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http/httpproxy"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultStreamTimeout = 300 * time.Second
	maxRetries           = 3
	initialBackoff       = 500 * time.Millisecond
	maxErrorBody         = 4 << 10
)

// Options configures a Client.
type Options struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	StreamTimeout time.Duration
	// RateLimit caps outgoing requests per second. Zero disables limiting.
	RateLimit float64
	// Proxy overrides the environment proxy when set.
	Proxy  string
	Logger *slog.Logger
}

// Client talks to a DocsGPT-compatible backend.
type Client struct {
	baseURL       string
	token         string
	timeout       time.Duration
	streamTimeout time.Duration
	httpClient    *http.Client
	limiter       *rate.Limiter
	logger        *slog.Logger
}

// New creates a gateway client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("gateway base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	c := &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		token:         opts.Token,
		timeout:       opts.Timeout,
		streamTimeout: opts.StreamTimeout,
		logger:        opts.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.streamTimeout <= 0 {
		c.streamTimeout = defaultStreamTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "gateway")

	if opts.RateLimit > 0 {
		burst := int(math.Ceil(opts.RateLimit))
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != "" {
		if _, err := url.Parse(opts.Proxy); err != nil {
			return nil, fmt.Errorf("parsing proxy URL: %w", err)
		}
		proxyFunc := (&httpproxy.Config{
			HTTPProxy:  opts.Proxy,
			HTTPSProxy: opts.Proxy,
			NoProxy:    "localhost,127.0.0.1,::1",
		}).ProxyFunc()
		transport.Proxy = func(r *http.Request) (*url.URL, error) {
			return proxyFunc(r.URL)
		}
	}
	// Per-request timeouts come from contexts so streams can outlive c.timeout.
	c.httpClient = &http.Client{Transport: transport}

	return c, nil
}

// BaseURL returns the normalized backend URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Authenticated reports whether requests carry a bearer token.
func (c *Client) Authenticated() bool { return c.token != "" }

func (c *Client) setHeaders(req *http.Request, contentType string) {
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// send performs a single request. The caller owns the returned body and the
// cancel func that bounds it.
func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string, timeout time.Duration) (*http.Response, context.CancelFunc, error) {
	if err := c.wait(ctx); err != nil {
		return nil, nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, body)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	if l, ok := body.(interface{ Len() int }); ok && req.ContentLength == 0 {
		req.ContentLength = int64(l.Len())
	}
	c.setHeaders(req, contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return nil, nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return resp, cancel, nil
}

// do sends a replayable request, retrying HTTP 429 with exponential backoff,
// and decodes a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, payload []byte, contentType string, out any) error {
	var lastErr error
	for attempt := range maxRetries {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		resp, cancel, err := c.send(ctx, method, path, body, contentType, c.timeout)
		if err == nil {
			defer cancel()
			defer resp.Body.Close()
			return decodeJSON(resp.Body, out)
		}

		if !isRateLimit(err) {
			return err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			c.logger.Debug("rate limited, backing off", "path", path, "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, "", out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, payload, "application/json", out)
}

func decodeJSON(r io.Reader, out any) error {
	if out == nil {
		_, _ = io.Copy(io.Discard, r)
		return nil
	}
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
