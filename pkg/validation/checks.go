package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirosfoundation/go-peppol/pkg/security"
)

// ErrMissingInput is returned when a check receives no endpoint or metadata
var ErrMissingInput = errors.New("validation input incomplete")

// CertificateCheck validates the endpoint certificate as an access point
// certificate of the lookup environment
type CertificateCheck struct {
	validator *security.CertificateValidator
}

// NewCertificateCheck creates a certificate check
func NewCertificateCheck(validator *security.CertificateValidator) *CertificateCheck {
	return &CertificateCheck{validator: validator}
}

// Name returns the stage this check runs in
func (c *CertificateCheck) Name() Stage { return StageCertificateCheck }

// Signals returns the signals this check reports
func (c *CertificateCheck) Signals() []string {
	return []string{
		SignalCertificateValid,
		SignalCertificateNotExpired,
		SignalChainValid,
		SignalIssuerTrusted,
		SignalCertificateNotRevoked,
	}
}

// Preflight rejects an endpoint whose certificate could not be parsed
func (c *CertificateCheck) Preflight(in *Input) error {
	if in.Endpoint == nil {
		return fmt.Errorf("%w: no endpoint", ErrMissingInput)
	}
	if in.Endpoint.CertificateError != nil {
		return &security.CertificateParsingError{Err: in.Endpoint.CertificateError}
	}
	if in.Endpoint.Certificate == nil {
		return &security.CertificateParsingError{Err: errors.New("endpoint carries no certificate")}
	}
	return nil
}

// Run validates the certificate
func (c *CertificateCheck) Run(ctx context.Context, in *Input) (*Report, error) {
	if err := c.Preflight(in); err != nil {
		return nil, err
	}
	out := c.validator.Validate(ctx, in.Endpoint.Certificate, nil, in.Environment, security.RoleAccessPoint)

	valid := Signal{Name: SignalCertificateValid, Passed: out.Valid(), Attempted: true}
	if !valid.Passed {
		valid.Detail = "one or more certificate checks failed"
	}
	report := &Report{
		Signals: []Signal{
			valid,
			signalFrom(SignalCertificateNotExpired, out.NotExpired),
			signalFrom(SignalChainValid, out.ChainValid),
			signalFrom(SignalIssuerTrusted, out.IssuerTrusted),
			signalFrom(SignalCertificateNotRevoked, out.NotRevoked),
		},
		Revocation: out.Revocation,
	}
	report.Err = out.RevocationErr
	return report, nil
}

// SignatureCheck verifies the SMP response signature
type SignatureCheck struct {
	validator *security.SignatureValidator
}

// NewSignatureCheck creates a signature check
func NewSignatureCheck(validator *security.SignatureValidator) *SignatureCheck {
	return &SignatureCheck{validator: validator}
}

// Name returns the stage this check runs in
func (c *SignatureCheck) Name() Stage { return StageSignatureCheck }

// Signals returns the signals this check reports
func (c *SignatureCheck) Signals() []string {
	return []string{
		SignalSignaturePresent,
		SignalSignatureValid,
		SignalCanonicalizationValid,
		SignalAlgorithmValid,
		SignalDigestValid,
		SignalSignerAuthorized,
	}
}

// Preflight rejects a metadata document that cannot be parsed
func (c *SignatureCheck) Preflight(in *Input) error {
	if in.Metadata == nil {
		return fmt.Errorf("%w: no metadata", ErrMissingInput)
	}
	return c.validator.CheckDocument(in.Metadata.Raw)
}

// Run verifies the signature and binds its signer to the endpoint certificate
func (c *SignatureCheck) Run(ctx context.Context, in *Input) (*Report, error) {
	if in.Metadata == nil {
		return nil, fmt.Errorf("%w: no metadata", ErrMissingInput)
	}
	var binding security.SignerBinding
	if in.Endpoint != nil {
		binding.EndpointCertificate = in.Endpoint.Certificate
	}

	out, err := c.validator.Verify(ctx, in.Metadata.Raw, in.Environment, binding)
	if err != nil {
		return nil, err
	}

	valid := Signal{Name: SignalSignatureValid, Passed: out.Valid(), Attempted: true}
	if !valid.Passed {
		valid.Detail = fmt.Sprintf("%s: %s", out.FailedStep, out.Detail())
	}
	report := &Report{
		Signals: []Signal{
			signalFrom(SignalSignaturePresent, out.Present),
			valid,
			signalFrom(SignalCanonicalizationValid, out.CanonicalizationValid),
			signalFrom(SignalAlgorithmValid, out.AlgorithmValid),
			signalFrom(SignalDigestValid, out.DigestValid),
			signalFrom(SignalSignerAuthorized, out.SignerAuthorized),
		},
		SignatureStep: out.FailedStep,
	}
	report.Err = out.Err
	if out.SignerOutcome != nil {
		report.Revocation = out.SignerOutcome.Revocation
		if out.SignerOutcome.RevocationErr != nil {
			report.Err = errors.Join(report.Err, out.SignerOutcome.RevocationErr)
		}
	}
	return report, nil
}
