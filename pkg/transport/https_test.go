package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func tlsClient(srv *httptest.Server, mutate func(*Config)) *Client {
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	cfg := DefaultConfig()
	cfg.RootCAs = pool
	if mutate != nil {
		mutate(cfg)
	}
	return NewClient(cfg)
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.MinTLSVersion != TLS12 {
		t.Errorf("expected MinTLSVersion TLS12, got %d", config.MinTLSVersion)
	}
	if config.MaxTLSVersion != TLS13 {
		t.Errorf("expected MaxTLSVersion TLS13, got %d", config.MaxTLSVersion)
	}
	if config.MaxBodyBytes <= 0 {
		t.Error("expected a body limit")
	}
	if !config.Breaker.Enabled {
		t.Error("expected breakers enabled by default")
	}
}

func TestRecommendedTLS12CipherSuites(t *testing.T) {
	for _, suite := range RecommendedTLS12CipherSuites {
		if tls.CipherSuiteName(suite) == "" {
			t.Errorf("unknown cipher suite: %d", suite)
		}
	}
}

func TestNewClient_EnforcesMinimumTLS(t *testing.T) {
	client := NewClient(&Config{MinTLSVersion: tls.VersionTLS10})
	tr, ok := client.client.Transport.(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if tr.TLSClientConfig.MinVersion != TLS12 {
		t.Errorf("expected TLS 1.2 floor, got %x", tr.TLSClientConfig.MinVersion)
	}
}

func TestClient_Get(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.Header.Get("Accept") != "application/xml" {
			t.Errorf("expected Accept header")
		}
		if r.Header.Get("User-Agent") != "go-peppol/1.0" {
			t.Errorf("unexpected User-Agent %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte("<ok/>"))
	}))
	defer srv.Close()

	resp, err := tlsClient(srv, nil).Get(context.Background(), srv.URL+"/x", WithHeader("Accept", "application/xml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if string(resp.Body) != "<ok/>" {
		t.Errorf("unexpected body %q", resp.Body)
	}
}

func TestClient_Post(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/ocsp-request" {
			t.Errorf("unexpected content type %q", ct)
		}
		w.Write([]byte("done"))
	}))
	defer srv.Close()

	resp, err := tlsClient(srv, nil).Post(context.Background(), srv.URL, "application/ocsp-request", []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != "done" {
		t.Errorf("unexpected body %q", resp.Body)
	}
}

func TestClient_RejectsPlainHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain"))
	}))
	defer srv.Close()

	client := NewClient(nil)

	_, err := client.Get(context.Background(), srv.URL)
	if !errors.Is(err, ErrInsecureURL) {
		t.Fatalf("expected ErrInsecureURL, got %v", err)
	}

	resp, err := client.Get(context.Background(), srv.URL, AllowPlainHTTP())
	if err != nil {
		t.Fatalf("unexpected error with plain HTTP allowed: %v", err)
	}
	if string(resp.Body) != "plain" {
		t.Errorf("unexpected body %q", resp.Body)
	}

	_, err = client.Get(context.Background(), "ftp://example.com/file")
	if !errors.Is(err, ErrInsecureURL) {
		t.Errorf("expected ErrInsecureURL for ftp, got %v", err)
	}
}

func TestClient_UntrustedServerCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	// empty pool: the test server is not trusted
	cfg := DefaultConfig()
	cfg.RootCAs = x509.NewCertPool()
	cfg.Breaker.Enabled = false

	if _, err := NewClient(cfg).Get(context.Background(), srv.URL); err == nil {
		t.Fatal("expected TLS verification failure")
	}
}

func TestClient_BodyLimit(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 2048)))
	}))
	defer srv.Close()

	client := tlsClient(srv, func(c *Config) { c.MaxBodyBytes = 1024 })
	_, err := client.Get(context.Background(), srv.URL)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestClient_RedirectNotFollowed(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://example.com/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	resp, err := tlsClient(srv, nil).Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Errorf("expected 302 surfaced, got %d", resp.StatusCode)
	}
}

func TestClient_Probe(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	resp, err := tlsClient(srv, nil).Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := tlsClient(srv, func(c *Config) {
		c.Breaker.ConsecutiveFailures = 3
		c.Breaker.Timeout = time.Minute
	})

	for i := 0; i < 3; i++ {
		resp, err := client.Get(context.Background(), srv.URL)
		if err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("request %d: expected 503, got %d", i, resp.StatusCode)
		}
	}

	_, err := client.Get(context.Background(), srv.URL)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 server hits, got %d", hits.Load())
	}
}

func TestClient_BreakerIgnoresCallerDeadlines(t *testing.T) {
	var hang atomic.Bool
	hang.Store(true)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hang.Load() {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := tlsClient(srv, func(c *Config) {
		c.Breaker.ConsecutiveFailures = 2
		c.Breaker.Timeout = time.Minute
	})

	for i := 0; i < 4; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		_, err := client.Get(ctx, srv.URL)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("request %d: expected deadline exceeded, got %v", i, err)
		}
	}

	hang.Store(false)
	resp, err := client.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("expected breaker to stay closed, got %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	// a per-request timeout is the client's own limit and still counts
	hang.Store(true)
	for i := 0; i < 2; i++ {
		if _, err := client.Get(context.Background(), srv.URL, WithTimeout(30*time.Millisecond)); err == nil {
			t.Fatalf("request %d: expected timeout", i)
		}
	}
	if _, err := client.Get(context.Background(), srv.URL); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestClient_ContextCancellation(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := tlsClient(srv, nil).Get(ctx, srv.URL); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestClient_RequestTimeout(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	_, err := tlsClient(srv, nil).Get(context.Background(), srv.URL, WithTimeout(100*time.Millisecond))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout not honoured: %v", time.Since(start))
	}
}
