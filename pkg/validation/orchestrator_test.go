package validation

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-peppol/internal/testpki"
	"github.com/sirosfoundation/go-peppol/pkg/discovery"
	"github.com/sirosfoundation/go-peppol/pkg/identifier"
	"github.com/sirosfoundation/go-peppol/pkg/security"
	"github.com/sirosfoundation/go-peppol/pkg/transport"
	"github.com/sirosfoundation/go-peppol/pkg/xmlsafe"
)

const endpointURL = "https://ap.example.com/as4"

// stubChecker answers Revoked for the listed serials and Good otherwise
type stubChecker struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func (s *stubChecker) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) (security.RevocationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked[cert.SerialNumber.String()] {
		return security.RevocationStatus{State: security.RevocationRevoked, Protocol: security.ProtocolOCSP, RevokedAt: time.Now()}, nil
	}
	return security.RevocationStatus{State: security.RevocationGood, Protocol: security.ProtocolOCSP}, nil
}

type fakeProber struct {
	status int
	err    error
	calls  int
}

func (p *fakeProber) Probe(ctx context.Context, rawURL string, opts ...transport.RequestOption) (*transport.Response, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &transport.Response{StatusCode: p.status, URL: rawURL}, nil
}

type fixture struct {
	root    *testpki.Authority
	ap      *testpki.Authority
	smp     *testpki.Authority
	store   *security.TrustStore
	checker *stubChecker
	policy  security.RevocationPolicy

	apCert  *x509.Certificate
	smpCert *x509.Certificate
	smpKey  crypto.Signer
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{root: testpki.NewRoot(t, "Peppol Test Root CA")}
	f.ap = f.root.NewCA(t, "Peppol Test AP CA")
	f.smp = f.root.NewCA(t, "Peppol Test SMP CA")

	store, err := security.NewTrustStore(map[identifier.Environment]security.TrustAnchors{
		identifier.EnvTest: {
			Roots:      []*x509.Certificate{f.root.Certificate},
			APIssuers:  []*x509.Certificate{f.ap.Certificate},
			SMPIssuers: []*x509.Certificate{f.smp.Certificate},
		},
	})
	require.NoError(t, err)
	f.store = store
	f.checker = &stubChecker{revoked: map[string]bool{}}

	f.apCert, _ = f.ap.NewLeaf(t, "POP000001", testpki.LeafOptions{})
	f.smpCert, f.smpKey = f.smp.NewLeaf(t, "SMP000001", testpki.LeafOptions{RSA: true})
	return f
}

func (f *fixture) checks(endpoint *EndpointConfig, prober Prober) []Check {
	certs := security.NewCertificateValidator(f.store, f.checker, f.policy)
	return []Check{
		NewCertificateCheck(certs),
		NewSignatureCheck(security.NewSignatureValidator(certs, xmlsafe.DefaultLimits())),
		NewEndpointCheck(endpoint, prober),
	}
}

func (f *fixture) document(t *testing.T, endpointCert *x509.Certificate) []byte {
	xml := `<SignedServiceMetadata xmlns="http://busdox.org/serviceMetadata/publishing/1.0/" xmlns:wsa="http://www.w3.org/2005/08/addressing">` +
		`<ServiceMetadata><ServiceInformation><ProcessList><Process><ServiceEndpointList>` +
		`<Endpoint transportProfile="peppol-transport-as4-v2_0">` +
		`<wsa:EndpointReference><wsa:Address>` + endpointURL + `</wsa:Address></wsa:EndpointReference>` +
		`<Certificate>` + testpki.Base64(endpointCert) + `</Certificate>` +
		`</Endpoint></ServiceEndpointList></Process></ProcessList></ServiceInformation></ServiceMetadata>` +
		`</SignedServiceMetadata>`
	return testpki.Sign(t, []byte(xml), f.smpKey, f.smpCert, testpki.SignOptions{})
}

func (f *fixture) input(t *testing.T, endpointCert *x509.Certificate) *Input {
	return &Input{
		Environment: identifier.EnvTest,
		Publisher:   &discovery.PublisherAddress{BaseURL: "https://smp.example.com"},
		Metadata:    &discovery.MetadataDocument{Raw: f.document(t, endpointCert), URL: "https://smp.example.com/x", Signed: true},
		Endpoint: &discovery.Endpoint{
			TransportProfile: discovery.TransportPeppolAS4,
			URL:              endpointURL,
			CertificateDER:   endpointCert.Raw,
			Certificate:      endpointCert,
		},
	}
}

func signal(t *testing.T, res *ValidationResults, name string) Signal {
	t.Helper()
	s, ok := res.Signal(name)
	require.True(t, ok, "signal %s missing", name)
	return s
}

func TestValidateCompliantEndpoint(t *testing.T) {
	f := newFixture(t)
	orch := NewOrchestrator(DefaultPolicy(), f.checks(nil, nil))

	res := orch.Validate(context.Background(), f.input(t, f.apCert))

	assert.True(t, res.OverallCompliant, "failed: %v", res.Failed())
	assert.Equal(t, []string{SignalEndpointReachable}, res.Failed())
	assert.Len(t, res.Signals, len(AllSignals))
	assert.Equal(t, []Stage{StageStart, StageCertificateCheck, StageSignatureCheck, StageEndpointCheck, StageAggregate, StageDone}, res.Trace)
	assert.Empty(t, res.SignatureFailedStep)
	assert.Empty(t, res.Errors)
	assert.NotEmpty(t, res.Revocation)

	assert.True(t, res.DNSResolved)
	assert.True(t, res.SMPAccessible)
	assert.True(t, res.CertificateValid)
	assert.True(t, res.SignatureValid)
	assert.True(t, res.SignerAuthorized)
	assert.True(t, res.TransportSupported)
	assert.True(t, res.EndpointSecure)
	assert.True(t, res.EndpointActive)
	assert.False(t, res.EndpointReachable)
	assert.False(t, signal(t, res, SignalEndpointReachable).Attempted)
}

func TestValidateExpiredEndpointCertificate(t *testing.T) {
	f := newFixture(t)
	expired, _ := f.ap.NewLeaf(t, "POP000002", testpki.LeafOptions{
		NotBefore: time.Now().Add(-72 * time.Hour),
		NotAfter:  time.Now().Add(-time.Hour),
	})

	res := NewOrchestrator(DefaultPolicy(), f.checks(nil, nil)).Validate(context.Background(), f.input(t, expired))

	assert.False(t, res.OverallCompliant)
	assert.False(t, res.CertificateNotExpired)
	assert.False(t, res.CertificateValid)
	assert.True(t, res.ChainValid)
	assert.True(t, res.IssuerTrusted)
	assert.True(t, res.SignatureValid, "the SMP signature is unaffected")
	assert.ElementsMatch(t, []string{SignalCertificateNotExpired, SignalCertificateValid, SignalEndpointReachable}, res.Failed())
}

func TestValidateDigestMismatchKeepsOtherChecks(t *testing.T) {
	f := newFixture(t)
	in := f.input(t, f.apCert)
	in.Metadata.Raw = []byte(strings.Replace(string(in.Metadata.Raw), endpointURL, "https://evil.example.com/as4", 1))

	res := NewOrchestrator(DefaultPolicy(), f.checks(nil, nil)).Validate(context.Background(), in)

	assert.False(t, res.OverallCompliant)
	assert.True(t, res.SignaturePresent)
	assert.False(t, res.DigestValid)
	assert.False(t, res.SignatureValid)
	assert.Equal(t, security.StepDigestMismatch, res.SignatureFailedStep)
	assert.Contains(t, signal(t, res, SignalSignatureValid).Detail, string(security.StepDigestMismatch))

	assert.True(t, res.CertificateValid, "certificate check still runs")
	assert.True(t, res.CertificateNotRevoked)
	assert.True(t, res.TransportSupported, "endpoint check still runs")
	assert.True(t, res.EndpointSecure)
	assert.True(t, res.EndpointActive)
	assert.False(t, res.Aborted)
}

func TestValidateRevokedEndpointCertificate(t *testing.T) {
	f := newFixture(t)
	f.checker.revoked[f.apCert.SerialNumber.String()] = true
	f.policy = security.RevocationPolicy{SoftFail: true}

	res := NewOrchestrator(DefaultPolicy(), f.checks(nil, nil)).Validate(context.Background(), f.input(t, f.apCert))

	assert.False(t, res.OverallCompliant)
	assert.False(t, res.CertificateNotRevoked)
	assert.True(t, signal(t, res, SignalCertificateNotRevoked).Attempted)
	assert.Contains(t, signal(t, res, SignalCertificateNotRevoked).Detail, "revoked")
}

func TestValidateRevocationDisabled(t *testing.T) {
	f := newFixture(t)
	f.policy = security.RevocationPolicy{Disabled: true}
	policy := DefaultPolicy().Waive(SignalCertificateNotRevoked)

	res := NewOrchestrator(policy, f.checks(nil, nil)).Validate(context.Background(), f.input(t, f.apCert))

	assert.True(t, res.OverallCompliant, "failed: %v", res.Failed())
	assert.False(t, res.CertificateNotRevoked)
	assert.False(t, signal(t, res, SignalCertificateNotRevoked).Attempted)
	assert.True(t, res.CertificateValid)
}

func TestValidatePreflightAbort(t *testing.T) {
	f := newFixture(t)

	t.Run("unparseable endpoint certificate", func(t *testing.T) {
		in := f.input(t, f.apCert)
		in.Endpoint.Certificate = nil
		in.Endpoint.CertificateError = errors.New("asn1: syntax error")

		res := NewOrchestrator(DefaultPolicy(), f.checks(nil, nil)).Validate(context.Background(), in)

		assert.True(t, res.Aborted)
		assert.False(t, res.OverallCompliant)
		assert.Equal(t, []Stage{StageStart, StageAggregate, StageDone}, res.Trace)
		require.Len(t, res.Errors, 1)
		var cpe *security.CertificateParsingError
		assert.ErrorAs(t, res.Errors[0], &cpe)

		for _, name := range []string{SignalCertificateValid, SignalSignatureValid, SignalTransportSupported} {
			s := signal(t, res, name)
			assert.False(t, s.Passed, name)
			assert.False(t, s.Attempted, name)
			assert.Contains(t, s.Detail, "aborted", name)
		}
		assert.True(t, res.DNSResolved, "discovery signals are kept")
	})

	t.Run("unusable document", func(t *testing.T) {
		in := f.input(t, f.apCert)
		in.Metadata.Raw = []byte("not xml at all")

		res := NewOrchestrator(DefaultPolicy(), f.checks(nil, nil)).Validate(context.Background(), in)

		assert.True(t, res.Aborted)
		require.NotEmpty(t, res.Errors)
		assert.ErrorIs(t, res.Errors[0], security.ErrDocumentUnusable)
		assert.False(t, res.CertificateValid, "no signal passes after an abort")
	})
}

func TestValidateSequentialMatchesParallel(t *testing.T) {
	f := newFixture(t)
	in := f.input(t, f.apCert)

	parallel := NewOrchestrator(DefaultPolicy(), f.checks(nil, nil)).Validate(context.Background(), in)
	sequential := NewOrchestrator(DefaultPolicy(), f.checks(nil, nil), WithSequential()).Validate(context.Background(), in)

	assert.Equal(t, parallel.Signals, sequential.Signals)
	assert.Equal(t, parallel.Trace, sequential.Trace)
	assert.Equal(t, parallel.OverallCompliant, sequential.OverallCompliant)
}

type customCheck struct {
	report *Report
	panics bool
}

func (c *customCheck) Name() Stage       { return "CUSTOM_CHECK" }
func (c *customCheck) Signals() []string { return []string{"customA", "customB"} }
func (c *customCheck) Run(ctx context.Context, in *Input) (*Report, error) {
	if c.panics {
		panic("boom")
	}
	return c.report, nil
}

func TestValidateCustomChecks(t *testing.T) {
	f := newFixture(t)

	t.Run("panic becomes failed signals", func(t *testing.T) {
		checks := append(f.checks(nil, nil), &customCheck{panics: true})
		res := NewOrchestrator(DefaultPolicy().Require("customA"), checks).Validate(context.Background(), f.input(t, f.apCert))

		assert.False(t, res.OverallCompliant)
		assert.Contains(t, signal(t, res, "customA").Detail, "panicked")
		assert.False(t, signal(t, res, "customB").Passed)
		assert.True(t, res.CertificateValid, "other checks are unaffected")
		assert.Contains(t, res.Trace, Stage("CUSTOM_CHECK"))
		require.Len(t, res.Errors, 1)
	})

	t.Run("unreported signal fails", func(t *testing.T) {
		custom := &customCheck{report: &Report{Signals: []Signal{{Name: "customA", Passed: true, Attempted: true}}}}
		checks := append(f.checks(nil, nil), custom)
		res := NewOrchestrator(DefaultPolicy().Require("customA", "customB"), checks).Validate(context.Background(), f.input(t, f.apCert))

		assert.True(t, signal(t, res, "customA").Passed)
		assert.Equal(t, "not reported", signal(t, res, "customB").Detail)
		assert.False(t, res.OverallCompliant)
	})
}

func TestValidateCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewOrchestrator(DefaultPolicy(), f.checks(nil, nil)).Validate(ctx, f.input(t, f.apCert))
	assert.False(t, res.OverallCompliant)
	assert.False(t, res.CertificateValid)
	assert.ErrorIs(t, res.Errors[0], context.Canceled)
}

func TestPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.NotContains(t, p.Required, SignalEndpointReachable)
	assert.Contains(t, p.Required, SignalSignerAuthorized)

	strict := p.Require(SignalEndpointReachable, SignalEndpointReachable)
	assert.Len(t, strict.Required, len(p.Required)+1)
	assert.NotContains(t, p.Required, SignalEndpointReachable, "Require does not modify the receiver")

	relaxed := strict.Waive(SignalEndpointReachable, SignalCertificateNotRevoked)
	assert.Len(t, relaxed.Required, len(p.Required)-1)

	empty := NewOrchestrator(Policy{}, nil).Validate(context.Background(), &Input{})
	assert.False(t, empty.OverallCompliant, "an empty policy never makes a result compliant")
}

func TestValidateRequiredReachability(t *testing.T) {
	f := newFixture(t)
	policy := DefaultPolicy().Require(SignalEndpointReachable)

	disabled := NewOrchestrator(policy, f.checks(nil, nil)).Validate(context.Background(), f.input(t, f.apCert))
	assert.False(t, disabled.OverallCompliant, "a required probe that never ran fails")

	cfg := DefaultEndpointConfig()
	cfg.Probe = true
	enabled := NewOrchestrator(policy, f.checks(cfg, &fakeProber{status: 405})).Validate(context.Background(), f.input(t, f.apCert))
	assert.True(t, enabled.OverallCompliant, "failed: %v", enabled.Failed())
}

func TestNotAttempted(t *testing.T) {
	res := NotAttempted(&Input{Publisher: &discovery.PublisherAddress{BaseURL: "https://smp.example.com"}}, "metadata query failed")

	assert.True(t, res.DNSResolved)
	assert.False(t, res.SMPAccessible)
	assert.False(t, res.OverallCompliant)
	assert.Len(t, res.Signals, len(AllSignals))
	s := signal(t, res, SignalCertificateValid)
	assert.False(t, s.Attempted)
	assert.Equal(t, "metadata query failed", s.Detail)
}
