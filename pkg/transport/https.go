package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// RecommendedTLS12CipherSuites are the ECDHE AEAD suites accepted on TLS 1.2
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

var (
	// ErrInsecureURL is returned for non-https URLs unless plain HTTP was allowed
	ErrInsecureURL = errors.New("url does not use https")
	// ErrBodyTooLarge is returned when a response exceeds MaxBodyBytes
	ErrBodyTooLarge = errors.New("response body exceeds limit")
	// ErrCircuitOpen is returned while the breaker for a host is open
	ErrCircuitOpen = errors.New("circuit open for host")
)

// BreakerConfig tunes the per-host circuit breakers
type BreakerConfig struct {
	Enabled bool
	// ConsecutiveFailures trips the breaker
	ConsecutiveFailures uint32
	// MaxRequests allowed through while half-open
	MaxRequests uint32
	// Interval after which closed-state counts reset
	Interval time.Duration
	// Timeout an open breaker waits before going half-open
	Timeout time.Duration
}

// Config contains client configuration
type Config struct {
	MinTLSVersion   uint16
	MaxTLSVersion   uint16
	CipherSuites    []uint16
	RootCAs         *x509.CertPool
	Timeout         time.Duration
	IdleConnTimeout time.Duration
	MaxBodyBytes    int64
	UserAgent       string
	Breaker         BreakerConfig
}

// DefaultConfig returns the default client configuration
func DefaultConfig() *Config {
	return &Config{
		MinTLSVersion:   TLS12,
		MaxTLSVersion:   TLS13,
		CipherSuites:    RecommendedTLS12CipherSuites,
		Timeout:         10 * time.Second,
		IdleConnTimeout: 90 * time.Second,
		MaxBodyBytes:    4 * 1024 * 1024,
		UserAgent:       "go-peppol/1.0",
		Breaker: BreakerConfig{
			Enabled:             true,
			ConsecutiveFailures: 5,
			MaxRequests:         1,
			Interval:            time.Minute,
			Timeout:             30 * time.Second,
		},
	}
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
}

// Client performs outbound fetches. It is safe for concurrent use.
type Client struct {
	client   *http.Client
	config   *Config
	logger   *slog.Logger
	breakers sync.Map // host -> *gobreaker.CircuitBreaker
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the client logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// NewClient creates a new client
func NewClient(config *Config, opts ...Option) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	tlsConfig := &tls.Config{
		MinVersion:   config.MinTLSVersion,
		MaxVersion:   config.MaxTLSVersion,
		CipherSuites: config.CipherSuites,
		RootCAs:      config.RootCAs,
	}
	if tlsConfig.MinVersion < TLS12 {
		tlsConfig.MinVersion = TLS12
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	c := &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
			// Redirects are surfaced to callers, never followed implicitly.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		config: config,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type requestOptions struct {
	allowPlainHTTP bool
	header         http.Header
	timeout        time.Duration
}

// RequestOption adjusts a single request
type RequestOption func(*requestOptions)

// AllowPlainHTTP permits http:// URLs. Used for OCSP and CRL fetches, whose
// responses are signed and carry their own integrity.
func AllowPlainHTTP() RequestOption {
	return func(o *requestOptions) { o.allowPlainHTTP = true }
}

// WithHeader sets a request header
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) { o.header.Set(key, value) }
}

// WithTimeout bounds a single request
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// Get fetches a URL and reads the whole body
func (c *Client) Get(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodGet, rawURL, "", nil, true, opts)
}

// Post sends a body and reads the whole response
func (c *Client) Post(ctx context.Context, rawURL, contentType string, body []byte, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodPost, rawURL, contentType, body, true, opts)
}

// Probe issues a HEAD request. The body is never read.
func (c *Client) Probe(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodHead, rawURL, "", nil, false, opts)
}

// errServerStatus marks 5xx responses as breaker failures without failing the call
var errServerStatus = errors.New("server error status")

// callerDoneError wraps a failure caused by the caller's own cancellation or
// deadline. The breaker does not count it against the host.
type callerDoneError struct {
	err error
}

func (e *callerDoneError) Error() string { return e.err.Error() }

func (e *callerDoneError) Unwrap() error { return e.err }

func (c *Client) do(ctx context.Context, method, rawURL, contentType string, body []byte, readBody bool, opts []RequestOption) (*Response, error) {
	ro := requestOptions{header: make(http.Header)}
	for _, opt := range opts {
		opt(&ro)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		if !ro.allowPlainHTTP {
			return nil, fmt.Errorf("%w: %s", ErrInsecureURL, u.Redacted())
		}
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInsecureURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid url: missing host")
	}

	caller := ctx
	if ro.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ro.timeout)
		defer cancel()
	}

	run := func() (*Response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		for k, v := range ro.header {
			req.Header[k] = v
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if c.config.UserAgent != "" {
			req.Header.Set("User-Agent", c.config.UserAgent)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, URL: u.String()}
		if readBody {
			out.Body, err = c.readLimited(resp.Body)
			if err != nil {
				return nil, err
			}
		}
		if resp.StatusCode >= 500 {
			return out, errServerStatus
		}
		return out, nil
	}

	if !c.config.Breaker.Enabled {
		resp, err := run()
		if errors.Is(err, errServerStatus) {
			err = nil
		}
		return resp, err
	}

	var resp *Response
	_, err = c.breaker(u.Host).Execute(func() (interface{}, error) {
		var runErr error
		resp, runErr = run()
		if runErr != nil && !errors.Is(runErr, errServerStatus) && caller.Err() != nil {
			runErr = &callerDoneError{err: runErr}
		}
		return nil, runErr
	})
	var done *callerDoneError
	if errors.As(err, &done) {
		err = done.err
	}
	switch {
	case errors.Is(err, errServerStatus):
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w %s: %v", ErrCircuitOpen, u.Host, err)
	case err != nil:
		return nil, err
	}
	return resp, nil
}

func (c *Client) readLimited(r io.Reader) ([]byte, error) {
	limit := c.config.MaxBodyBytes
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
	}
	return data, nil
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	if cb, ok := c.breakers.Load(host); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}

	cfg := c.config.Breaker
	settings := gobreaker.Settings{
		Name:        host,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= max(cfg.ConsecutiveFailures, 1)
		},
		IsSuccessful: func(err error) bool {
			var done *callerDoneError
			return err == nil || errors.As(err, &done)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				"host", name,
				"from", from.String(),
				"to", to.String())
		},
	}
	cb, _ := c.breakers.LoadOrStore(host, gobreaker.NewCircuitBreaker(settings))
	return cb.(*gobreaker.CircuitBreaker)
}
