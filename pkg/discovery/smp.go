package discovery

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirosfoundation/go-peppol/pkg/identifier"
	"github.com/sirosfoundation/go-peppol/pkg/transport"
	"github.com/sirosfoundation/go-peppol/pkg/xmlsafe"
)

// Fetcher performs GET requests. *transport.Client satisfies it.
type Fetcher interface {
	Get(ctx context.Context, rawURL string, opts ...transport.RequestOption) (*transport.Response, error)
}

// SMPClientConfig contains configuration for the SMP client
type SMPClientConfig struct {
	// Limits bounds every XML response before it is parsed
	Limits xmlsafe.Limits

	// AcceptHeader specifies the Accept header
	// Defaults to "application/xml"
	AcceptHeader string

	// DisableRedirects turns SMP redirects into errors
	DisableRedirects bool
}

// SMPClient queries Service Metadata Publishers
type SMPClient struct {
	config  SMPClientConfig
	fetcher Fetcher
}

// NewSMPClient creates a new SMP client
func NewSMPClient(fetcher Fetcher, config SMPClientConfig) *SMPClient {
	if config.Limits == (xmlsafe.Limits{}) {
		config.Limits = xmlsafe.DefaultLimits()
	}
	if config.AcceptHeader == "" {
		config.AcceptHeader = "application/xml"
	}
	return &SMPClient{config: config, fetcher: fetcher}
}

// ServiceGroupURL constructs the URL for ServiceGroup lookup.
func ServiceGroupURL(baseURL string, pid identifier.ParticipantID) string {
	return strings.TrimSuffix(baseURL, "/") + "/" + escapeSegment(pid)
}

// ServiceMetadataURL constructs the URL for ServiceMetadata lookup. Exactly
// one trailing slash is trimmed from baseURL.
func ServiceMetadataURL(baseURL string, pid identifier.ParticipantID, docID identifier.DocumentTypeID) string {
	return ServiceGroupURL(baseURL, pid) + "/services/" + escapeSegment(docID)
}

// escapeSegment encodes "scheme::value" as SMPs expect: ':' '@' '#' '/' are
// percent-encoded and space becomes '+'.
func escapeSegment(id identifier.Identifier) string {
	return url.QueryEscape(id.String())
}

// Query fetches ServiceMetadata for a participant and document type. The
// process is not used to filter the document; callers select endpoints with
// MetadataDocument.EndpointsFor.
func (c *SMPClient) Query(ctx context.Context, baseURL string, pid identifier.ParticipantID, docID identifier.DocumentTypeID, procID identifier.ProcessID) (*MetadataDocument, error) {
	start := time.Now()
	reqURL := ServiceMetadataURL(baseURL, pid, docID)

	body, err := c.fetch(ctx, reqURL)
	if err != nil {
		return nil, err
	}
	doc, redirect, err := c.parseServiceMetadata(reqURL, body)
	if err != nil {
		return nil, err
	}

	if redirect != "" {
		if c.config.DisableRedirects {
			return nil, &MetadataQueryError{URL: reqURL, Reason: QueryRedirect, Err: errors.New("redirects disabled")}
		}
		target, err := url.Parse(redirect)
		if err != nil || target.Scheme != "https" || target.Host == "" {
			return nil, &MetadataQueryError{URL: reqURL, Reason: QueryRedirect, Err: fmt.Errorf("redirect target must be an https URL: %q", redirect)}
		}

		body, err = c.fetch(ctx, redirect)
		if err != nil {
			return nil, err
		}
		var again string
		doc, again, err = c.parseServiceMetadata(redirect, body)
		if err != nil {
			return nil, err
		}
		if again != "" {
			return nil, &MetadataQueryError{URL: redirect, Reason: QueryRedirect, Err: errors.New("more than one redirect")}
		}
		doc.Redirected = true
	}

	doc.Elapsed = time.Since(start)
	return doc, nil
}

// GetServiceGroup retrieves the ServiceGroup for a participant from an SMP.
func (c *SMPClient) GetServiceGroup(ctx context.Context, baseURL string, pid identifier.ParticipantID) (*ServiceGroup, error) {
	reqURL := ServiceGroupURL(baseURL, pid)

	body, err := c.fetch(ctx, reqURL)
	if err != nil {
		return nil, err
	}
	if err := c.screen(reqURL, body); err != nil {
		return nil, err
	}

	var sg smp10ServiceGroup
	if err := xml.Unmarshal(body, &sg); err != nil {
		return nil, &MetadataQueryError{URL: reqURL, Reason: QueryXMLMalformed, Err: err}
	}
	if sg.XMLName.Local != "ServiceGroup" {
		return nil, &MetadataQueryError{URL: reqURL, Reason: QueryXMLMalformed, Err: fmt.Errorf("unexpected root element %q", sg.XMLName.Local)}
	}

	result := &ServiceGroup{ParticipantID: sg.ParticipantIdentifier.String()}
	for _, ref := range sg.ServiceMetadataReferenceCollection.ServiceMetadataReferences {
		result.ServiceReferences = append(result.ServiceReferences, ref.Href)
	}
	return result, nil
}

// fetch performs the GET and classifies transport and status failures
func (c *SMPClient) fetch(ctx context.Context, reqURL string) ([]byte, error) {
	resp, err := c.fetcher.Get(ctx, reqURL, transport.WithHeader("Accept", c.config.AcceptHeader))
	if err != nil {
		if errors.Is(err, transport.ErrBodyTooLarge) {
			return nil, &MetadataQueryError{URL: reqURL, Reason: QueryXMLSecurityRejected, Err: err}
		}
		return nil, &MetadataQueryError{URL: reqURL, Reason: QueryUnreachable, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &MetadataQueryError{URL: reqURL, Reason: QueryHTTPStatus, StatusCode: resp.StatusCode}
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil, &MetadataQueryError{URL: reqURL, Reason: QueryEmptyBody, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

func (c *SMPClient) screen(reqURL string, body []byte) error {
	if err := xmlsafe.Check(body, c.config.Limits); err != nil {
		if errors.Is(err, xmlsafe.ErrRejected) {
			return &MetadataQueryError{URL: reqURL, Reason: QueryXMLSecurityRejected, Err: err}
		}
		return &MetadataQueryError{URL: reqURL, Reason: QueryXMLMalformed, Err: err}
	}
	return nil
}

// SMP 1.0 XML structures
type smpIdentifier struct {
	Value  string `xml:",chardata"`
	Scheme string `xml:"scheme,attr"`
}

func (i smpIdentifier) String() string {
	return strings.TrimSpace(i.Scheme) + "::" + strings.TrimSpace(i.Value)
}

type smp10ServiceGroup struct {
	XMLName                            xml.Name
	ParticipantIdentifier              smpIdentifier `xml:"ParticipantIdentifier"`
	ServiceMetadataReferenceCollection struct {
		ServiceMetadataReferences []struct {
			Href string `xml:"href,attr"`
		} `xml:"ServiceMetadataReference"`
	} `xml:"ServiceMetadataReferenceCollection"`
}

type smp10Endpoint struct {
	TransportProfile string `xml:"transportProfile,attr"`
	EndpointURI      string `xml:"EndpointURI"`
	// EndpointReference/Address is the WS-Addressing form used by SMP 1.0
	EndpointReference struct {
		Address string `xml:"Address"`
	} `xml:"EndpointReference"`
	RequireBusinessLevelSignature string `xml:"RequireBusinessLevelSignature"`
	MinimumAuthenticationLevel    string `xml:"MinimumAuthenticationLevel"`
	ServiceActivationDate         string `xml:"ServiceActivationDate"`
	ServiceExpirationDate         string `xml:"ServiceExpirationDate"`
	Certificate                   string `xml:"Certificate"`
	ServiceDescription            string `xml:"ServiceDescription"`
	TechnicalContactURL           string `xml:"TechnicalContactUrl"`
}

type smp10ServiceInformation struct {
	ParticipantIdentifier smpIdentifier `xml:"ParticipantIdentifier"`
	DocumentIdentifier    smpIdentifier `xml:"DocumentIdentifier"`
	ProcessList           struct {
		Processes []struct {
			ProcessIdentifier   smpIdentifier `xml:"ProcessIdentifier"`
			ServiceEndpointList struct {
				Endpoints []smp10Endpoint `xml:"Endpoint"`
			} `xml:"ServiceEndpointList"`
		} `xml:"Process"`
	} `xml:"ProcessList"`
}

type smp10Redirect struct {
	Href string `xml:"href,attr"`
}

type smp10ServiceMetadata struct {
	ServiceInformation *smp10ServiceInformation `xml:"ServiceInformation"`
	Redirect           *smp10Redirect           `xml:"Redirect"`
}

// smp10Document matches both SignedServiceMetadata and a bare ServiceMetadata root
type smp10Document struct {
	XMLName         xml.Name
	ServiceMetadata smp10ServiceMetadata `xml:"ServiceMetadata"`
	smp10ServiceMetadata
}

// parseServiceMetadata screens and decodes a response. A non-empty redirect
// href is returned instead of a document when the publisher redirects.
func (c *SMPClient) parseServiceMetadata(reqURL string, data []byte) (*MetadataDocument, string, error) {
	if err := c.screen(reqURL, data); err != nil {
		return nil, "", err
	}

	var raw smp10Document
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, "", &MetadataQueryError{URL: reqURL, Reason: QueryXMLMalformed, Err: err}
	}

	var sm smp10ServiceMetadata
	signed := false
	switch raw.XMLName.Local {
	case "SignedServiceMetadata":
		sm = raw.ServiceMetadata
		signed = true
	case "ServiceMetadata":
		sm = raw.smp10ServiceMetadata
	default:
		return nil, "", &MetadataQueryError{URL: reqURL, Reason: QueryXMLMalformed, Err: fmt.Errorf("unexpected root element %q", raw.XMLName.Local)}
	}

	if sm.Redirect != nil {
		href := strings.TrimSpace(sm.Redirect.Href)
		if href == "" {
			return nil, "", &MetadataQueryError{URL: reqURL, Reason: QueryRedirect, Err: errors.New("redirect without href")}
		}
		return nil, href, nil
	}
	if sm.ServiceInformation == nil {
		return nil, "", &MetadataQueryError{URL: reqURL, Reason: QueryXMLMalformed, Err: errors.New("missing ServiceInformation")}
	}

	si := sm.ServiceInformation
	doc := &MetadataDocument{
		ParticipantID:  si.ParticipantIdentifier.String(),
		DocumentTypeID: si.DocumentIdentifier.String(),
		Raw:            data,
		URL:            reqURL,
		Signed:         signed,
	}
	for _, p := range si.ProcessList.Processes {
		pm := ProcessMetadata{ProcessID: p.ProcessIdentifier.String()}
		for _, ep := range p.ServiceEndpointList.Endpoints {
			pm.Endpoints = append(pm.Endpoints, convertEndpoint(ep))
		}
		doc.Processes = append(doc.Processes, pm)
	}
	return doc, "", nil
}

func convertEndpoint(ep smp10Endpoint) Endpoint {
	endpoint := Endpoint{
		TransportProfile:              strings.TrimSpace(ep.TransportProfile),
		URL:                           strings.TrimSpace(ep.EndpointURI),
		RequireBusinessLevelSignature: parseBool(ep.RequireBusinessLevelSignature),
		MinimumAuthenticationLevel:    strings.TrimSpace(ep.MinimumAuthenticationLevel),
		ServiceDescription:            strings.TrimSpace(ep.ServiceDescription),
		TechnicalContactURL:           strings.TrimSpace(ep.TechnicalContactURL),
	}
	if endpoint.URL == "" {
		endpoint.URL = strings.TrimSpace(ep.EndpointReference.Address)
	}

	endpoint.CertificateDER, endpoint.Certificate, endpoint.CertificateError = decodeCertificate(ep.Certificate)

	var err error
	if endpoint.ServiceActivationDate, err = parseDate(ep.ServiceActivationDate); err != nil {
		endpoint.DateError = err
	}
	if endpoint.ServiceExpirationDate, err = parseDate(ep.ServiceExpirationDate); err != nil {
		endpoint.DateError = err
	}
	return endpoint
}

// decodeCertificate accepts base64 DER, optionally PEM armored or wrapped in whitespace
func decodeCertificate(text string) ([]byte, *x509.Certificate, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil, fmt.Errorf("%w: missing", ErrMalformedCertificate)
	}

	var der []byte
	if block, _ := pem.Decode([]byte(text)); block != nil {
		der = block.Bytes
	} else {
		compact := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\t', '\r', '\n':
				return -1
			}
			return r
		}, text)
		decoded, err := base64.StdEncoding.DecodeString(compact)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformedCertificate, err)
		}
		der = decoded
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return der, nil, fmt.Errorf("%w: %v", ErrMalformedCertificate, err)
	}
	return der, cert, nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02Z07:00",
	"2006-01-02",
}

// parseDate parses an xs:dateTime or xs:date. Values without a zone are UTC.
func parseDate(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrMalformedDate, value)
}

func parseBool(value string) bool {
	switch strings.TrimSpace(value) {
	case "true", "1":
		return true
	}
	return false
}
