package discovery

import (
	"crypto/x509"
	"strings"
	"time"
)

// Transport profile constants
const (
	// TransportPeppolAS4 is the Peppol AS4 transport profile
	TransportPeppolAS4 = "peppol-transport-as4-v2_0"
	// TransportAS4V2 is the eDelivery AS4 2.0 transport profile
	TransportAS4V2 = "bdxr-transport-ebms3-as4-v2p0"
	// TransportAS4V1 is the legacy AS4 transport profile
	TransportAS4V1 = "busdox-transport-ebms3-as4-v1p0"
)

// ServiceGroup lists the document types registered for a participant
type ServiceGroup struct {
	ParticipantID     string
	ServiceReferences []string
}

// MetadataDocument is a parsed SMP ServiceMetadata response. It is not
// modified after Query returns.
type MetadataDocument struct {
	// ParticipantID and DocumentTypeID are the "scheme::value" forms found in the document
	ParticipantID  string
	DocumentTypeID string
	Processes      []ProcessMetadata

	// Raw holds the response bytes exactly as received, for signature verification
	Raw []byte
	// URL is the address the document was fetched from
	URL string
	// Signed is true when the root element is SignedServiceMetadata
	Signed bool
	// Redirected is true when the document was reached through an SMP redirect
	Redirected bool
	Elapsed    time.Duration
}

// ProcessMetadata represents a process within ServiceMetadata
type ProcessMetadata struct {
	ProcessID string
	Endpoints []Endpoint
}

// Endpoint represents a service endpoint
type Endpoint struct {
	TransportProfile string
	URL              string

	// CertificateDER is the decoded certificate, nil when it could not be decoded
	CertificateDER []byte
	// Certificate is the parsed certificate, nil when CertificateError is set
	Certificate      *x509.Certificate
	CertificateError error

	ServiceActivationDate *time.Time
	ServiceExpirationDate *time.Time
	// DateError is set when a date is present but cannot be parsed
	DateError error

	RequireBusinessLevelSignature bool
	MinimumAuthenticationLevel    string
	ServiceDescription            string
	TechnicalContactURL           string
}

// ActiveAt reports whether t lies within the activation window. Unparseable
// dates make the endpoint inactive.
func (e Endpoint) ActiveAt(t time.Time) bool {
	if e.DateError != nil {
		return false
	}
	if e.ServiceActivationDate != nil && e.ServiceActivationDate.After(t) {
		return false
	}
	if e.ServiceExpirationDate != nil && e.ServiceExpirationDate.Before(t) {
		return false
	}
	return true
}

// EndpointsFor returns the endpoints of the processes matching processID.
// Matching is case-insensitive on the value, as identifier values are.
// An empty processID matches every process.
func (d *MetadataDocument) EndpointsFor(processID string) []Endpoint {
	var endpoints []Endpoint
	for _, p := range d.Processes {
		if processID == "" || sameIdentifier(p.ProcessID, processID) {
			endpoints = append(endpoints, p.Endpoints...)
		}
	}
	return endpoints
}

// sameIdentifier compares "scheme::value" strings: scheme exactly, value ignoring case
func sameIdentifier(a, b string) bool {
	as, av, _ := strings.Cut(a, "::")
	bs, bv, _ := strings.Cut(b, "::")
	return as == bs && strings.EqualFold(av, bv)
}

// FilterEndpointsByTransport filters endpoints by transport profile.
func FilterEndpointsByTransport(endpoints []Endpoint, transportProfile string) []Endpoint {
	var result []Endpoint
	for _, ep := range endpoints {
		if ep.TransportProfile == transportProfile {
			result = append(result, ep)
		}
	}
	return result
}

// GetActiveEndpoints filters endpoints to those active at now.
func GetActiveEndpoints(endpoints []Endpoint, now time.Time) []Endpoint {
	var result []Endpoint
	for _, ep := range endpoints {
		if ep.ActiveAt(now) {
			result = append(result, ep)
		}
	}
	return result
}

// SelectEndpoint picks the first active endpoint by transport profile
// preference. When none of the preferred profiles is served, the first active
// endpoint is returned so that validation can report the unsupported profile.
// Without an active endpoint the first endpoint is returned, and nil only when
// the list is empty.
func SelectEndpoint(endpoints []Endpoint, preferred []string, now time.Time) *Endpoint {
	if len(endpoints) == 0 {
		return nil
	}
	for _, profile := range preferred {
		if active := GetActiveEndpoints(FilterEndpointsByTransport(endpoints, profile), now); len(active) > 0 {
			return &active[0]
		}
	}
	if active := GetActiveEndpoints(endpoints, now); len(active) > 0 {
		return &active[0]
	}
	return &endpoints[0]
}
