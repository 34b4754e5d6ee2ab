package security

import (
	"errors"
	"fmt"
)

var (
	// ErrCertificateExpired is returned when a certificate has expired
	ErrCertificateExpired = errors.New("certificate has expired")
	// ErrCertificateNotYetValid is returned when a certificate is not yet valid
	ErrCertificateNotYetValid = errors.New("certificate is not yet valid")
	// ErrCertificateUntrusted is returned when a certificate is not trusted
	ErrCertificateUntrusted = errors.New("certificate is not trusted")
	// ErrCertificateRevoked is returned when a certificate has been revoked
	ErrCertificateRevoked = errors.New("certificate has been revoked")
	// ErrInvalidCertificate is returned for certificate bytes that cannot be parsed
	ErrInvalidCertificate = errors.New("certificate validation failed")
	// ErrNoDistributionPoint is returned when a CRL distribution point is required but absent
	ErrNoDistributionPoint = errors.New("certificate has no CRL distribution point")
	// ErrOverlappingTrust is returned when environments share a trust anchor
	ErrOverlappingTrust = errors.New("trust anchors shared between environments")
	// ErrDocumentUnusable is returned when a signed document cannot be parsed at all
	ErrDocumentUnusable = errors.New("document cannot be parsed")
)

// CertificateParsingError reports certificate bytes that are not a valid
// DER encoded X.509 certificate.
type CertificateParsingError struct {
	Err error
}

func (e *CertificateParsingError) Error() string {
	return fmt.Sprintf("malformed certificate: %v", e.Err)
}

// Unwrap returns ErrInvalidCertificate and the parser error
func (e *CertificateParsingError) Unwrap() []error {
	return []error{ErrInvalidCertificate, e.Err}
}

// RevocationCheckError reports a revocation check that could not be started.
// Network and responder failures are not errors; they yield an Unknown status.
type RevocationCheckError struct {
	Reason string
	Err    error
}

func (e *RevocationCheckError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("revocation check: %s: %v", e.Reason, e.Err)
	}
	return "revocation check: " + e.Reason
}

func (e *RevocationCheckError) Unwrap() error {
	return e.Err
}

// SignatureStructureError reports a Signature element that does not have the
// shape required for verification.
type SignatureStructureError struct {
	Detail string
}

func (e *SignatureStructureError) Error() string {
	return "signature structure: " + e.Detail
}
