// Package transport carries OCSP requests to responders and fetches issuer
// certificates over HTTP(S). Every call is bounded by a timeout.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"
)

const (
	// DefaultTimeout bounds a single network round trip.
	DefaultTimeout = 2 * time.Second

	// ContentTypeRequest is the media type of an OCSP request body.
	ContentTypeRequest = "application/ocsp-request"

	// ContentTypeResponse is the media type of an OCSP response body.
	ContentTypeResponse = "application/ocsp-response"

	// DefaultMaxResponseSize caps response bodies.
	DefaultMaxResponseSize = 1 << 20

	defaultUserAgent = "ocspfetch/1.0"
)

// Sender performs the two network operations a fetch needs.
type Sender interface {
	// Send POSTs an OCSP request to uri and returns the raw response body.
	Send(ctx context.Context, request []byte, uri string, timeout time.Duration) ([]byte, error)

	// FetchCertificate GETs uri and returns the raw body, typically a DER
	// certificate published at a caIssuers location.
	FetchCertificate(ctx context.Context, uri string, timeout time.Duration) ([]byte, error)
}

// Config configures the HTTP client.
type Config struct {
	// Timeout is used when a call passes a zero timeout.
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// TLSConfig is used for https responders. Nil uses TLS 1.2 minimum.
	TLSConfig *tls.Config

	// ProxyURL overrides the proxy from the environment.
	ProxyURL string

	// MaxResponseSize caps response bodies. Larger bodies fail with ErrTransport.
	MaxResponseSize int64
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout:         DefaultTimeout,
		UserAgent:       defaultUserAgent,
		MaxResponseSize: DefaultMaxResponseSize,
	}
}

// Client is the HTTP implementation of Sender.
type Client struct {
	http            *http.Client
	defaultTimeout  time.Duration
	userAgent       string
	maxResponseSize int64
}

var _ Sender = (*Client)(nil)

// New creates a Client. HTTP/2 is negotiated with https responders.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	timeout := DefaultTimeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}

	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: time.Second,
	}

	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}

	if err := http2.ConfigureTransport(t); err != nil {
		return nil, fmt.Errorf("failed to configure HTTP/2: %w", err)
	}

	c := NewWithHTTPClient(&http.Client{Transport: t})
	c.defaultTimeout = timeout
	if cfg.UserAgent != "" {
		c.userAgent = cfg.UserAgent
	}
	if cfg.MaxResponseSize > 0 {
		c.maxResponseSize = cfg.MaxResponseSize
	}
	return c, nil
}

// NewWithHTTPClient wraps an existing HTTP client. Timeouts are still
// enforced per call through the request context.
func NewWithHTTPClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		http:            hc,
		defaultTimeout:  DefaultTimeout,
		userAgent:       defaultUserAgent,
		maxResponseSize: DefaultMaxResponseSize,
	}
}

// Send implements Sender.
func (c *Client) Send(ctx context.Context, request []byte, uri string, timeout time.Duration) ([]byte, error) {
	target, err := normalizeURI(uri)
	if err != nil {
		return nil, err
	}

	return c.do(ctx, timeout, target, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(request))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", ContentTypeRequest)
		req.Header.Set("Accept", ContentTypeResponse)
		return req, nil
	})
}

// FetchCertificate implements Sender.
func (c *Client) FetchCertificate(ctx context.Context, uri string, timeout time.Duration) ([]byte, error) {
	target, err := normalizeURI(uri)
	if err != nil {
		return nil, err
	}

	return c.do(ctx, timeout, target, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/pkix-cert, application/x-x509-ca-cert, */*")
		return req, nil
	})
}

func (c *Client) do(ctx context.Context, timeout time.Duration, target string, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := build(ctx)
	if err != nil {
		return nil, &Error{URL: target, Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(ctx, target, timeout, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseSize+1))
	if err != nil {
		return nil, classify(ctx, target, timeout, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPStatusError{URL: target, StatusCode: resp.StatusCode}
	}
	if int64(len(body)) > c.maxResponseSize {
		return nil, &Error{URL: target, Err: fmt.Errorf("response exceeds %d bytes", c.maxResponseSize)}
	}

	return body, nil
}

// classify maps a client error to TimeoutError when the per-call deadline
// fired, and to Error otherwise.
func classify(ctx context.Context, target string, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{URL: target, Timeout: timeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{URL: target, Timeout: timeout, Err: err}
	}
	return &Error{URL: target, Err: err}
}

// normalizeURI checks that uri is an absolute http(s) URL and gives an
// empty path the root path.
func normalizeURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", &Error{URL: uri, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &Error{URL: uri, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return "", &Error{URL: uri, Err: errors.New("missing host")}
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
