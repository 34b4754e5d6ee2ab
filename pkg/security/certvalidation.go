package security

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sirosfoundation/go-peppol/pkg/identifier"
)

// RevocationPolicy controls how revocation results count
type RevocationPolicy struct {
	// SoftFail lets an Unknown status pass. Revoked always fails.
	SoftFail bool
	// Disabled skips revocation checking; the finding is then not attempted
	Disabled bool
}

// CertificateOutcome holds the independently reported results of one
// certificate validation
type CertificateOutcome struct {
	Certificate   *x509.Certificate
	NotExpired    Finding
	ChainValid    Finding
	IssuerTrusted Finding
	NotRevoked    Finding
	// Chain is the verified path from the certificate to a root, if any
	Chain []*x509.Certificate
	// Revocation holds one status per checked non-root chain element
	Revocation []RevocationStatus
	// RevocationErr is set when a revocation check could not be started
	RevocationErr error
	// RevocationWaived is set when revocation checking is disabled by policy
	RevocationWaived bool
}

// Valid reports whether every finding passed. A revocation check waived by
// policy does not count against the certificate.
func (o *CertificateOutcome) Valid() bool {
	return o.NotExpired.Passed && o.ChainValid.Passed && o.IssuerTrusted.Passed &&
		(o.NotRevoked.Passed || o.RevocationWaived)
}

// CertificateValidator validates Peppol certificates against the trust
// anchors of one environment
type CertificateValidator struct {
	trust   *TrustStore
	checker RevocationChecker
	policy  RevocationPolicy
	logger  *slog.Logger
	now     func() time.Time
}

// NewCertificateValidator creates a validator. With a nil checker the
// revocation finding is never attempted and so never passes.
func NewCertificateValidator(trust *TrustStore, checker RevocationChecker, policy RevocationPolicy, opts ...Option) *CertificateValidator {
	o := newOptions(opts)
	return &CertificateValidator{
		trust:   trust,
		checker: checker,
		policy:  policy,
		logger:  o.logger,
		now:     o.now,
	}
}

// ValidateRaw parses DER bytes and validates the certificate. Malformed bytes
// yield a *CertificateParsingError before any check runs.
func (v *CertificateValidator) ValidateRaw(ctx context.Context, der []byte, extra []*x509.Certificate, env identifier.Environment, role Role) (*CertificateOutcome, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &CertificateParsingError{Err: err}
	}
	return v.Validate(ctx, cert, extra, env, role), nil
}

// Validate runs the expiry, chain, issuer and revocation checks. extra holds
// any intermediate certificates supplied alongside cert.
func (v *CertificateValidator) Validate(ctx context.Context, cert *x509.Certificate, extra []*x509.Certificate, env identifier.Environment, role Role) *CertificateOutcome {
	out := &CertificateOutcome{Certificate: cert}
	now := v.now()

	switch {
	case now.Before(cert.NotBefore):
		out.NotExpired = failed(fmt.Sprintf("%v: valid from %s", ErrCertificateNotYetValid, cert.NotBefore.Format(time.RFC3339)))
	case now.After(cert.NotAfter):
		out.NotExpired = failed(fmt.Sprintf("%v: expired %s", ErrCertificateExpired, cert.NotAfter.Format(time.RFC3339)))
	default:
		out.NotExpired = passed("valid until " + cert.NotAfter.Format(time.RFC3339))
	}

	out.ChainValid = v.verifyChain(out, cert, extra, env, now)
	issuer := v.findIssuer(cert, env, role)
	if issuer != nil {
		out.IssuerTrusted = passed(fmt.Sprintf("issued by %s (%s)", subjectOf(issuer), role))
	} else {
		out.IssuerTrusted = failed(fmt.Sprintf("%v: issuer %s is not a %s CA in %s", ErrCertificateUntrusted, cert.Issuer.String(), role, env))
	}

	out.NotRevoked = v.checkRevocation(ctx, out, cert, issuer)
	return out
}

// verifyChain builds a path to a root of env. The verification time is
// clamped into the leaf's validity window so that expiry is reported only by
// the NotExpired finding.
func (v *CertificateValidator) verifyChain(out *CertificateOutcome, cert *x509.Certificate, extra []*x509.Certificate, env identifier.Environment, now time.Time) Finding {
	roots := v.trust.Roots(env)
	if roots == nil {
		return failed(fmt.Sprintf("no trust anchors configured for %s", env))
	}

	verifyAt := now
	if verifyAt.Before(cert.NotBefore) {
		verifyAt = cert.NotBefore
	}
	if verifyAt.After(cert.NotAfter) {
		verifyAt = cert.NotAfter
	}

	intermediates := x509.NewCertPool()
	for _, issuer := range append(v.trust.Issuers(env, RoleAccessPoint), v.trust.Issuers(env, RoleSMP)...) {
		intermediates.AddCert(issuer)
	}
	for _, c := range extra {
		intermediates.AddCert(c)
	}

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   verifyAt,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return failed(fmt.Sprintf("%v: %v", ErrCertificateUntrusted, err))
	}
	out.Chain = chains[0]
	return passed(fmt.Sprintf("chains to %s", subjectOf(chains[0][len(chains[0])-1])))
}

// findIssuer returns the recognized CA of role that signed cert
func (v *CertificateValidator) findIssuer(cert *x509.Certificate, env identifier.Environment, role Role) *x509.Certificate {
	for _, issuer := range v.trust.Issuers(env, role) {
		if !bytes.Equal(cert.RawIssuer, issuer.RawSubject) {
			continue
		}
		if cert.CheckSignatureFrom(issuer) == nil {
			return issuer
		}
	}
	return nil
}

// checkRevocation checks every non-root element of the verified chain. When
// no chain was built only the leaf is checked, against its recognized issuer.
func (v *CertificateValidator) checkRevocation(ctx context.Context, out *CertificateOutcome, cert, issuer *x509.Certificate) Finding {
	if v.policy.Disabled {
		out.RevocationWaived = true
		return skipped("revocation checking disabled")
	}
	if v.checker == nil {
		return skipped("no revocation checker configured")
	}

	type pair struct{ cert, issuer *x509.Certificate }
	var pairs []pair
	if len(out.Chain) > 1 {
		for i := 0; i < len(out.Chain)-1; i++ {
			pairs = append(pairs, pair{out.Chain[i], out.Chain[i+1]})
		}
	} else if issuer != nil {
		pairs = append(pairs, pair{cert, issuer})
	}
	if len(pairs) == 0 {
		return skipped("no verified issuer to check revocation against")
	}

	result := Finding{Passed: true, Attempted: true}
	var details []string
	for _, p := range pairs {
		status, err := v.checker.CheckRevocation(ctx, p.cert, p.issuer)
		if err != nil {
			out.RevocationErr = errors.Join(out.RevocationErr, err)
			result.Passed = false
			details = append(details, fmt.Sprintf("%s: %v", subjectOf(p.cert), err))
			continue
		}
		out.Revocation = append(out.Revocation, status)

		switch status.State {
		case RevocationGood:
			details = append(details, fmt.Sprintf("%s: good (%s)", subjectOf(p.cert), status.Protocol))
		case RevocationRevoked:
			result.Passed = false
			details = append(details, fmt.Sprintf("%s: %v at %s (%s)", subjectOf(p.cert), ErrCertificateRevoked, status.RevokedAt.Format(time.RFC3339), status.Protocol))
			v.logger.Warn("revoked certificate", "subject", subjectOf(p.cert), "serial", p.cert.SerialNumber.String(), "protocol", status.Protocol)
		default:
			if !v.policy.SoftFail {
				result.Passed = false
			}
			details = append(details, fmt.Sprintf("%s: unknown (%s)", subjectOf(p.cert), status.Detail))
		}
	}
	result.Detail = joinDetails(details)
	return result
}
