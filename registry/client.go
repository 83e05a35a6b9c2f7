package registry

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// Client is an HTTP client tuned for registry metadata and tarball GETs:
// DNS-cached dialing (registry hosts are hit repeatedly within a single
// resolve/fetch pass), manual exponential backoff, and transparent
// gzip/deflate decoding since Accept-Encoding is set explicitly (which
// disables net/http's built-in decompression).
type Client struct {
	http       *http.Client
	userAgent  string
	token      string
	maxRetries int
	resolver   *dnscache.Resolver
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithMaxRetries sets the maximum retry attempts. Default 3.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithToken sets a bearer token attached to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient overrides the underlying http.Client (tests use this to
// inject a client with no DNS caching transport).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient builds a Client with a DNS-cached dialer, refreshed every
// 5 minutes, matching the dialer shape used by the teacher's artifact
// fetcher.
func NewClient(opts ...Option) *Client {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	c := &Client{
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					host, port, err := net.SplitHostPort(addr)
					if err != nil {
						return nil, err
					}
					ips, err := resolver.LookupHost(ctx, host)
					if err != nil {
						return nil, err
					}
					var lastErr error
					for _, ip := range ips {
						conn, dialErr := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
						if dialErr == nil {
							return conn, nil
						}
						lastErr = dialErr
					}
					return nil, fmt.Errorf("registry: dial %s: %w", addr, lastErr)
				},
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: time.Second,
			},
		},
		userAgent:  "registries/1.0",
		maxRetries: 3,
		resolver:   resolver,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultClient returns a Client with the documented defaults.
func DefaultClient() *Client {
	return NewClient()
}

// GetJSON issues a GET request with the given Accept header and decodes a
// JSON response into out, retrying per the exponential backoff policy.
func (c *Client) GetJSON(ctx context.Context, url, accept string, out any) error {
	body, err := c.getBody(ctx, url, accept)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("registry: decoding %s: %w", url, err)
	}
	return nil
}

// GetTarball issues a GET request for a tarball URL and returns the raw,
// already gzip/deflate-decoded body. The caller must close it.
func (c *Client) GetTarball(ctx context.Context, url string) (io.ReadCloser, error) {
	return c.getBody(ctx, url, "*/*")
}

func (c *Client) getBody(ctx context.Context, url, accept string) (io.ReadCloser, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.doGet(ctx, url, accept)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// backoffDelay implements min(1000*2^k, 10000) ms between attempts, where
// k is the zero-based retry count (attempt-1 on the caller's 1-based loop).
func backoffDelay(attempt int) time.Duration {
	ms := math.Min(1000*math.Pow(2, float64(attempt-1)), 10000)
	return time.Duration(ms) * time.Millisecond
}

func isRetryable(err error) bool {
	if httpErr, ok := err.(*HTTPError); ok {
		return httpErr.StatusCode >= 500
	}
	if _, ok := err.(*NetworkError); ok {
		return true
	}
	return false
}

func (c *Client) doGet(ctx context.Context, url, accept string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: building request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: url, Cause: err}
	}

	if resp.StatusCode >= 400 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: url, Body: string(excerpt)}
	}

	return decodeBody(resp)
}

// decodeBody wraps resp.Body with a gzip/flate reader when the server
// announced a Content-Encoding, since the client sets Accept-Encoding
// itself (disabling net/http's transparent decompression).
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("registry: gzip decode: %w", err)
		}
		return &readCloserPair{Reader: gz, underlying: resp.Body}, nil
	case "deflate":
		fr := flate.NewReader(resp.Body)
		return &readCloserPair{Reader: fr, underlying: resp.Body}, nil
	default:
		return resp.Body, nil
	}
}

// readCloserPair closes both the decompressor and the underlying HTTP body.
type readCloserPair struct {
	io.Reader
	underlying io.Closer
}

func (r *readCloserPair) Close() error {
	if c, ok := r.Reader.(io.Closer); ok {
		_ = c.Close()
	}
	return r.underlying.Close()
}
