package security

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/sirosfoundation/go-peppol/pkg/transport"
)

// RevocationState is the outcome of a revocation check. The zero value is
// RevocationUnknown; a certificate is never Good by default.
type RevocationState int

const (
	RevocationUnknown RevocationState = iota
	RevocationGood
	RevocationRevoked
)

func (s RevocationState) String() string {
	switch s {
	case RevocationGood:
		return "good"
	case RevocationRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// RevocationProtocol names the source of a revocation status
type RevocationProtocol string

const (
	ProtocolNone RevocationProtocol = "none"
	ProtocolOCSP RevocationProtocol = "ocsp"
	ProtocolCRL  RevocationProtocol = "crl"
)

// RevocationStatus is the revocation state of one certificate
type RevocationStatus struct {
	State     RevocationState
	Protocol  RevocationProtocol
	CheckedAt time.Time
	// ExpiresAt is when the status stops being usable from cache
	ExpiresAt time.Time
	// RevokedAt and ReasonCode are set when State is RevocationRevoked
	RevokedAt  time.Time
	ReasonCode int
	// Detail explains an Unknown state
	Detail string
}

// RevocationChecker defines the interface for certificate revocation checking
type RevocationChecker interface {
	// CheckRevocation reports the revocation state of cert, issued by issuer.
	// An error is returned only when the check cannot be started.
	CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) (RevocationStatus, error)
}

// RevocationTransport is the HTTP surface the checker needs. It is satisfied
// by *transport.Client.
type RevocationTransport interface {
	Get(ctx context.Context, rawURL string, opts ...transport.RequestOption) (*transport.Response, error)
	Post(ctx context.Context, rawURL, contentType string, body []byte, opts ...transport.RequestOption) (*transport.Response, error)
}

// OCSPConfig configures OCSP and CRL checking behavior
type OCSPConfig struct {
	// AttemptTimeout bounds each protocol attempt
	AttemptTimeout time.Duration
	// Budget bounds the whole check of one certificate
	Budget time.Duration
	// CacheTimeout caps how long an OCSP result is reused
	CacheTimeout time.Duration
	// CRLMaxAge is used when a CRL carries no nextUpdate
	CRLMaxAge time.Duration
	// MaxClockSkew tolerates responder clocks running ahead
	MaxClockSkew time.Duration
	// CRLFallback enables CRL checking if OCSP fails
	CRLFallback bool
	// DisableOCSP skips OCSP and uses CRLs only
	DisableOCSP bool
	// RequireDistributionPoint rejects certificates without a CRL distribution point
	RequireDistributionPoint bool
}

// DefaultOCSPConfig returns default configuration
func DefaultOCSPConfig() *OCSPConfig {
	return &OCSPConfig{
		AttemptTimeout: 5 * time.Second,
		Budget:         10 * time.Second,
		CacheTimeout:   5 * time.Minute,
		CRLMaxAge:      24 * time.Hour,
		MaxClockSkew:   5 * time.Minute,
		CRLFallback:    true,
	}
}

// OCSPRevocationChecker implements RevocationChecker using OCSP with CRL fallback
type OCSPRevocationChecker struct {
	config    *OCSPConfig
	transport RevocationTransport
	cache     *RevocationCache
	logger    *slog.Logger
	now       func() time.Time
}

// NewOCSPRevocationChecker creates a new OCSP-based revocation checker. A nil
// cache disables caching.
func NewOCSPRevocationChecker(config *OCSPConfig, t RevocationTransport, cache *RevocationCache, opts ...Option) *OCSPRevocationChecker {
	if config == nil {
		config = DefaultOCSPConfig()
	}
	o := newOptions(opts)
	return &OCSPRevocationChecker{
		config:    config,
		transport: t,
		cache:     cache,
		logger:    o.logger,
		now:       o.now,
	}
}

var (
	errNoResponder   = errors.New("no OCSP server URL in certificate")
	errNoUsableCRLDP = errors.New("no http CRL distribution point in certificate")
	errOCSPUnknown   = errors.New("OCSP status unknown")
)

// CheckRevocation checks certificate revocation status. OCSP is tried first;
// an OCSP revoked answer is final. Any other OCSP failure falls back to the
// CRL. When neither source answers the status is Unknown.
func (c *OCSPRevocationChecker) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) (RevocationStatus, error) {
	if cert == nil {
		return RevocationStatus{}, &RevocationCheckError{Reason: "certificate is nil"}
	}
	if issuer == nil {
		return RevocationStatus{}, &RevocationCheckError{Reason: "issuer certificate is nil"}
	}
	if c.config.RequireDistributionPoint && len(cert.CRLDistributionPoints) == 0 {
		return RevocationStatus{}, &RevocationCheckError{Reason: subjectOf(cert), Err: ErrNoDistributionPoint}
	}

	if c.config.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Budget)
		defer cancel()
	}

	var ocspErr error = errors.New("OCSP disabled")
	if !c.config.DisableOCSP {
		status, err := c.checkOCSP(ctx, cert, issuer)
		if err == nil {
			return status, nil
		}
		ocspErr = err
		c.logger.Debug("OCSP check failed", "subject", subjectOf(cert), "error", err)
	}

	crlErr := errors.New("CRL fallback disabled")
	if c.config.CRLFallback || c.config.DisableOCSP {
		status, err := c.checkCRL(ctx, cert, issuer)
		if err == nil {
			return status, nil
		}
		crlErr = err
		c.logger.Debug("CRL check failed", "subject", subjectOf(cert), "error", err)
	}

	return RevocationStatus{
		State:     RevocationUnknown,
		Protocol:  ProtocolNone,
		CheckedAt: c.now(),
		Detail:    fmt.Sprintf("OCSP: %v; CRL: %v", ocspErr, crlErr),
	}, nil
}

// checkOCSP returns a Good or Revoked status, or an error for anything else
func (c *OCSPRevocationChecker) checkOCSP(ctx context.Context, cert, issuer *x509.Certificate) (RevocationStatus, error) {
	key := ocspCacheKey(issuer, cert.SerialNumber)
	if c.cache != nil {
		if cached, ok := c.cache.OCSPStatus(key); ok {
			return cached, nil
		}
	}

	if len(cert.OCSPServer) == 0 {
		return RevocationStatus{}, errNoResponder
	}
	ocspURL := cert.OCSPServer[0]

	ocspRequest, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{
		Hash: crypto.SHA256,
	})
	if err != nil {
		return RevocationStatus{}, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	attemptCtx, cancel := c.attempt(ctx)
	defer cancel()

	body, err := c.doOCSPRequest(attemptCtx, ocspURL, ocspRequest)
	if err != nil {
		return RevocationStatus{}, fmt.Errorf("OCSP request failed: %w", err)
	}

	resp, err := ocsp.ParseResponseForCert(body, cert, issuer)
	if err != nil {
		return RevocationStatus{}, fmt.Errorf("failed to parse OCSP response: %w", err)
	}
	if resp.Certificate != nil && !bytes.Equal(resp.Certificate.Raw, issuer.Raw) && !hasOCSPSigning(resp.Certificate) {
		return RevocationStatus{}, errors.New("OCSP responder certificate lacks OCSPSigning usage")
	}

	now := c.now()
	if resp.ThisUpdate.After(now.Add(c.config.MaxClockSkew)) {
		return RevocationStatus{}, fmt.Errorf("OCSP response thisUpdate %s is in the future", resp.ThisUpdate.Format(time.RFC3339))
	}
	if !resp.NextUpdate.IsZero() && now.After(resp.NextUpdate) {
		return RevocationStatus{}, fmt.Errorf("OCSP response is stale, nextUpdate %s", resp.NextUpdate.Format(time.RFC3339))
	}

	status := RevocationStatus{
		Protocol:  ProtocolOCSP,
		CheckedAt: now,
		ExpiresAt: now.Add(c.config.CacheTimeout),
	}
	if !resp.NextUpdate.IsZero() && resp.NextUpdate.Before(status.ExpiresAt) {
		status.ExpiresAt = resp.NextUpdate
	}

	switch resp.Status {
	case ocsp.Good:
		status.State = RevocationGood
	case ocsp.Revoked:
		status.State = RevocationRevoked
		status.RevokedAt = resp.RevokedAt
		status.ReasonCode = resp.RevocationReason
	case ocsp.Unknown:
		return RevocationStatus{}, errOCSPUnknown
	default:
		return RevocationStatus{}, fmt.Errorf("unexpected OCSP status: %d", resp.Status)
	}

	if c.cache != nil {
		c.cache.StoreOCSP(key, status)
	}
	return status, nil
}

// doOCSPRequest performs the HTTP request to the OCSP server, POST first, then GET
func (c *OCSPRevocationChecker) doOCSPRequest(ctx context.Context, ocspURL string, request []byte) ([]byte, error) {
	resp, err := c.transport.Post(ctx, ocspURL, "application/ocsp-request", request,
		transport.AllowPlainHTTP(),
		transport.WithHeader("Accept", "application/ocsp-response"))
	if err == nil && resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return c.doOCSPGET(ctx, ocspURL, request)
}

// doOCSPGET performs OCSP request via HTTP GET
func (c *OCSPRevocationChecker) doOCSPGET(ctx context.Context, ocspURL string, request []byte) ([]byte, error) {
	encoded := base64.StdEncoding.EncodeToString(request)
	reqURL := strings.TrimSuffix(ocspURL, "/") + "/" + url.PathEscape(encoded)

	resp, err := c.transport.Get(ctx, reqURL,
		transport.AllowPlainHTTP(),
		transport.WithHeader("Accept", "application/ocsp-response"))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OCSP server returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// checkCRL tries each http distribution point in order
func (c *OCSPRevocationChecker) checkCRL(ctx context.Context, cert, issuer *x509.Certificate) (RevocationStatus, error) {
	var lastErr error = errNoUsableCRLDP
	for _, dp := range cert.CRLDistributionPoints {
		u, err := url.Parse(dp)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			continue
		}

		crl, err := c.crl(ctx, dp, issuer)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if !bytes.Equal(crl.RawIssuer, cert.RawIssuer) {
			lastErr = fmt.Errorf("CRL from %s is not issued by the certificate issuer", dp)
			continue
		}

		now := c.now()
		status := RevocationStatus{
			State:     RevocationGood,
			Protocol:  ProtocolCRL,
			CheckedAt: now,
			ExpiresAt: crl.NextUpdate,
		}
		if status.ExpiresAt.IsZero() {
			status.ExpiresAt = crl.ThisUpdate.Add(c.config.CRLMaxAge)
		}
		for _, revoked := range crl.RevokedCertificateEntries {
			if revoked.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				status.State = RevocationRevoked
				status.RevokedAt = revoked.RevocationTime
				status.ReasonCode = revoked.ReasonCode
				break
			}
		}
		return status, nil
	}
	return RevocationStatus{}, fmt.Errorf("failed to check CRL: %w", lastErr)
}

// crl retrieves a verified CRL through the cache
func (c *OCSPRevocationChecker) crl(ctx context.Context, dp string, issuer *x509.Certificate) (*x509.RevocationList, error) {
	if c.cache == nil {
		crl, _, err := c.fetchCRL(ctx, dp, issuer)
		return crl, err
	}
	return c.cache.CRL(ctx, crlCacheKey(issuer, dp), func(fetchCtx context.Context) (*x509.RevocationList, time.Time, error) {
		return c.fetchCRL(fetchCtx, dp, issuer)
	})
}

// fetchCRL downloads, parses and verifies a CRL and reports until when it may be used
func (c *OCSPRevocationChecker) fetchCRL(ctx context.Context, dp string, issuer *x509.Certificate) (*x509.RevocationList, time.Time, error) {
	attemptCtx, cancel := c.attempt(ctx)
	defer cancel()

	resp, err := c.transport.Get(attemptCtx, dp, transport.AllowPlainHTTP())
	if err != nil {
		return nil, time.Time{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, time.Time{}, fmt.Errorf("CRL server returned status %d", resp.StatusCode)
	}

	crl, err := x509.ParseRevocationList(resp.Body)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to parse CRL: %w", err)
	}
	if err := crl.CheckSignatureFrom(issuer); err != nil {
		return nil, time.Time{}, fmt.Errorf("CRL signature: %w", err)
	}

	now := c.now()
	if crl.ThisUpdate.After(now.Add(c.config.MaxClockSkew)) {
		return nil, time.Time{}, fmt.Errorf("CRL thisUpdate %s is in the future", crl.ThisUpdate.Format(time.RFC3339))
	}
	expires := crl.NextUpdate
	if expires.IsZero() {
		expires = crl.ThisUpdate.Add(c.config.CRLMaxAge)
	}
	if !now.Before(expires) {
		return nil, time.Time{}, fmt.Errorf("CRL from %s is stale", dp)
	}
	return crl, expires, nil
}

func (c *OCSPRevocationChecker) attempt(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.AttemptTimeout > 0 {
		return context.WithTimeout(ctx, c.config.AttemptTimeout)
	}
	return context.WithCancel(ctx)
}

func hasOCSPSigning(cert *x509.Certificate) bool {
	for _, usage := range cert.ExtKeyUsage {
		if usage == x509.ExtKeyUsageOCSPSigning {
			return true
		}
	}
	return false
}
