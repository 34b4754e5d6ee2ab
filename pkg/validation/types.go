package validation

import (
	"github.com/sirosfoundation/go-peppol/pkg/discovery"
	"github.com/sirosfoundation/go-peppol/pkg/identifier"
	"github.com/sirosfoundation/go-peppol/pkg/security"
)

// Signal names
const (
	SignalCertificateValid      = "certificateValid"
	SignalCertificateNotExpired = "certificateNotExpired"
	SignalCertificateNotRevoked = "certificateNotRevoked"
	SignalChainValid            = "chainValid"
	SignalIssuerTrusted         = "issuerTrusted"
	SignalSignaturePresent      = "signaturePresent"
	SignalSignatureValid        = "signatureValid"
	SignalCanonicalizationValid = "canonicalizationValid"
	SignalAlgorithmValid        = "algorithmValid"
	SignalDigestValid           = "digestValid"
	SignalSignerAuthorized      = "signerAuthorized"
	SignalEndpointReachable     = "endpointReachable"
	SignalTransportSupported    = "transportSupported"
	SignalEndpointSecure        = "endpointSecure"
	SignalEndpointActive        = "endpointActive"
	SignalDNSResolved           = "dnsResolved"
	SignalSMPAccessible         = "smpAccessible"
)

// AllSignals lists every signal in reporting order
var AllSignals = []string{
	SignalDNSResolved,
	SignalSMPAccessible,
	SignalCertificateValid,
	SignalCertificateNotExpired,
	SignalChainValid,
	SignalIssuerTrusted,
	SignalCertificateNotRevoked,
	SignalSignaturePresent,
	SignalSignatureValid,
	SignalCanonicalizationValid,
	SignalAlgorithmValid,
	SignalDigestValid,
	SignalSignerAuthorized,
	SignalTransportSupported,
	SignalEndpointSecure,
	SignalEndpointActive,
	SignalEndpointReachable,
}

// Signal is one named finding
type Signal struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	// Attempted is false when the check could not run
	Attempted bool   `json:"attempted"`
	Detail    string `json:"detail,omitempty"`
}

func signalFrom(name string, f security.Finding) Signal {
	return Signal{Name: name, Passed: f.Passed, Attempted: f.Attempted, Detail: f.Detail}
}

// Stage is a state of the orchestrator
type Stage string

// Orchestrator stages
const (
	StageStart            Stage = "START"
	StageCertificateCheck Stage = "CERTIFICATE_CHECK"
	StageSignatureCheck   Stage = "SIGNATURE_CHECK"
	StageEndpointCheck    Stage = "ENDPOINT_CHECK"
	StageAggregate        Stage = "AGGREGATE"
	StageDone             Stage = "DONE"
)

// Input is one discovery result to validate. It is read, never modified.
type Input struct {
	Environment identifier.Environment
	Publisher   *discovery.PublisherAddress
	Metadata    *discovery.MetadataDocument
	Endpoint    *discovery.Endpoint
}

// Report is what a check hands back to the orchestrator
type Report struct {
	Signals []Signal
	// Revocation holds the statuses gathered for the checked chain
	Revocation []security.RevocationStatus
	// SignatureStep is the first failing signature step, if any
	SignatureStep security.SignatureStep
	// Err carries a non-fatal error the check wants surfaced, such as a
	// revocation check that could not be started
	Err error
}

// ValidationResults is the aggregated outcome of one orchestration
type ValidationResults struct {
	CertificateValid      bool `json:"certificateValid"`
	CertificateNotExpired bool `json:"certificateNotExpired"`
	CertificateNotRevoked bool `json:"certificateNotRevoked"`
	ChainValid            bool `json:"chainValid"`
	IssuerTrusted         bool `json:"issuerTrusted"`
	SignaturePresent      bool `json:"signaturePresent"`
	SignatureValid        bool `json:"signatureValid"`
	CanonicalizationValid bool `json:"canonicalizationValid"`
	AlgorithmValid        bool `json:"algorithmValid"`
	DigestValid           bool `json:"digestValid"`
	SignerAuthorized      bool `json:"signerAuthorized"`
	EndpointReachable     bool `json:"endpointReachable"`
	TransportSupported    bool `json:"transportSupported"`
	EndpointSecure        bool `json:"endpointSecure"`
	EndpointActive        bool `json:"endpointActive"`
	DNSResolved           bool `json:"dnsResolved"`
	SMPAccessible         bool `json:"smpAccessible"`
	OverallCompliant      bool `json:"overallCompliant"`

	// Signals holds every signal with its detail, in reporting order
	Signals []Signal `json:"signals"`
	// SignatureFailedStep is empty when the signature verified
	SignatureFailedStep security.SignatureStep `json:"signatureFailedStep,omitempty"`
	// Revocation holds one status per checked chain element
	Revocation []security.RevocationStatus `json:"-"`
	// Trace records the stages the orchestrator passed through
	Trace []Stage `json:"trace"`
	// Errors holds the errors raised by checks, in stage order
	Errors []error `json:"-"`
	// Aborted is set when preflight found malformed input
	Aborted bool `json:"aborted,omitempty"`
}

// Signal returns the named signal
func (r *ValidationResults) Signal(name string) (Signal, bool) {
	for _, s := range r.Signals {
		if s.Name == name {
			return s, true
		}
	}
	return Signal{}, false
}

// Failed returns the names of the signals that did not pass
func (r *ValidationResults) Failed() []string {
	var names []string
	for _, s := range r.Signals {
		if !s.Passed {
			names = append(names, s.Name)
		}
	}
	return names
}

// setFlag copies a signal into its flat field
func (r *ValidationResults) setFlag(s Signal) {
	switch s.Name {
	case SignalCertificateValid:
		r.CertificateValid = s.Passed
	case SignalCertificateNotExpired:
		r.CertificateNotExpired = s.Passed
	case SignalCertificateNotRevoked:
		r.CertificateNotRevoked = s.Passed
	case SignalChainValid:
		r.ChainValid = s.Passed
	case SignalIssuerTrusted:
		r.IssuerTrusted = s.Passed
	case SignalSignaturePresent:
		r.SignaturePresent = s.Passed
	case SignalSignatureValid:
		r.SignatureValid = s.Passed
	case SignalCanonicalizationValid:
		r.CanonicalizationValid = s.Passed
	case SignalAlgorithmValid:
		r.AlgorithmValid = s.Passed
	case SignalDigestValid:
		r.DigestValid = s.Passed
	case SignalSignerAuthorized:
		r.SignerAuthorized = s.Passed
	case SignalEndpointReachable:
		r.EndpointReachable = s.Passed
	case SignalTransportSupported:
		r.TransportSupported = s.Passed
	case SignalEndpointSecure:
		r.EndpointSecure = s.Passed
	case SignalEndpointActive:
		r.EndpointActive = s.Passed
	case SignalDNSResolved:
		r.DNSResolved = s.Passed
	case SignalSMPAccessible:
		r.SMPAccessible = s.Passed
	}
}

// NotAttempted builds the results of a lookup that stopped before
// validation. The discovery signals are taken from in; every other signal is
// reported as not attempted.
func NotAttempted(in *Input, reason string) *ValidationResults {
	signals := make(map[string]Signal)
	discoverySignals(signals, in)

	res := &ValidationResults{}
	for _, name := range AllSignals {
		s, ok := signals[name]
		if !ok {
			s = Signal{Name: name, Detail: reason}
		}
		res.Signals = append(res.Signals, s)
		res.setFlag(s)
	}
	return res
}
