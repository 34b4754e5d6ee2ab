package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common errors
var (
	// ErrServiceNotFound is returned when no U-NAPTR record carries a usable SMP service
	ErrServiceNotFound = errors.New("no matching service found in NAPTR records")
	// ErrInvalidNAPTRRecord is returned when a NAPTR record has invalid format
	ErrInvalidNAPTRRecord = errors.New("invalid NAPTR record format")
	// ErrProcessNotFound is returned when no endpoint serves the requested process
	ErrProcessNotFound = errors.New("process not found")
	// ErrMalformedCertificate is set on endpoints whose certificate cannot be decoded
	ErrMalformedCertificate = errors.New("malformed endpoint certificate")
	// ErrMalformedDate is set on endpoints whose activation or expiration date cannot be parsed
	ErrMalformedDate = errors.New("malformed endpoint date")
)

// ResolutionReason classifies a directory resolution failure
type ResolutionReason string

const (
	// ResolutionNotFound means the participant is not registered
	ResolutionNotFound ResolutionReason = "not-found"
	// ResolutionTimeout means the DNS server did not answer in time
	ResolutionTimeout ResolutionReason = "timeout"
	// ResolutionMalformed means the answer could not be used
	ResolutionMalformed ResolutionReason = "malformed"
)

// DirectoryResolutionError is returned by Resolver.Resolve
type DirectoryResolutionError struct {
	Name   string
	Reason ResolutionReason
	Detail string
	Err    error
}

func (e *DirectoryResolutionError) Error() string {
	msg := fmt.Sprintf("directory resolution %s for %s", e.Reason, e.Name)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DirectoryResolutionError) Unwrap() error { return e.Err }

// IsNotRegistered reports whether err means the participant has no directory entry
func IsNotRegistered(err error) bool {
	var dre *DirectoryResolutionError
	return errors.As(err, &dre) && dre.Reason == ResolutionNotFound
}

// QueryReason classifies a metadata query failure
type QueryReason string

const (
	QueryHTTPStatus          QueryReason = "http-status"
	QueryEmptyBody           QueryReason = "empty-body"
	QueryXMLSecurityRejected QueryReason = "xml-security-rejected"
	QueryXMLMalformed        QueryReason = "xml-malformed"
	QueryUnreachable         QueryReason = "unreachable"
	QueryRedirect            QueryReason = "redirect"
)

// MetadataQueryError is returned by SMPClient queries
type MetadataQueryError struct {
	URL        string
	Reason     QueryReason
	StatusCode int
	Err        error
}

func (e *MetadataQueryError) Error() string {
	var msg string
	switch e.Reason {
	case QueryHTTPStatus:
		msg = fmt.Sprintf("metadata query failed: HTTP status %d", e.StatusCode)
	case QueryEmptyBody:
		msg = "metadata query failed: empty response body"
	case QueryXMLSecurityRejected:
		msg = "metadata query failed: xml rejected by security policy"
	case QueryXMLMalformed:
		msg = "metadata query failed: malformed xml"
	case QueryUnreachable:
		msg = "metadata query failed: publisher unreachable"
	case QueryRedirect:
		msg = "metadata query failed: invalid redirect"
	default:
		msg = "metadata query failed: " + string(e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MetadataQueryError) Unwrap() error { return e.Err }

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
