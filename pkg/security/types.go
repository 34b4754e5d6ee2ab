package security

import (
	"crypto/x509"
	"fmt"
	"strings"
)

// Algorithm URIs for XML signature verification
const (
	// Signature algorithms
	AlgorithmRSASHA256      = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgorithmRSASHA384      = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"
	AlgorithmRSASHA512      = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"
	AlgorithmRSAPSSSHA256   = "http://www.w3.org/2007/05/xmldsig-more#sha256-rsa-MGF1"
	AlgorithmRSAPSSSHA384   = "http://www.w3.org/2007/05/xmldsig-more#sha384-rsa-MGF1"
	AlgorithmRSAPSSSHA512   = "http://www.w3.org/2007/05/xmldsig-more#sha512-rsa-MGF1"
	AlgorithmECDSASHA256    = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
	AlgorithmECDSASHA384    = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha384"
	AlgorithmECDSASHA512    = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha512"
	AlgorithmRSASHA1        = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	AlgorithmDSASHA1        = "http://www.w3.org/2000/09/xmldsig#dsa-sha1"
	AlgorithmHMACSHA1       = "http://www.w3.org/2000/09/xmldsig#hmac-sha1"
	AlgorithmRSAMD5         = "http://www.w3.org/2001/04/xmldsig-more#rsa-md5"
	AlgorithmECDSASHA1      = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha1"
	AlgorithmHMACSHA256     = "http://www.w3.org/2001/04/xmldsig-more#hmac-sha256"
	AlgorithmEnvelopedSig   = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
	AlgorithmC14N10         = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	AlgorithmC14N10Comments = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315#WithComments"

	// Digest algorithms
	AlgorithmSHA1   = "http://www.w3.org/2000/09/xmldsig#sha1"
	AlgorithmSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
	AlgorithmSHA384 = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	AlgorithmSHA512 = "http://www.w3.org/2001/04/xmlenc#sha512"

	// Canonicalization algorithms
	AlgorithmC14N             = "http://www.w3.org/2001/10/xml-exc-c14n#"
	AlgorithmC14NWithComments = "http://www.w3.org/2001/10/xml-exc-c14n#WithComments"
)

// NSXMLDSig is the XML Signature namespace
const NSXMLDSig = "http://www.w3.org/2000/09/xmldsig#"

// Role is the capacity a certificate is validated for. Each role has its own
// set of recognized issuing CAs.
type Role int

const (
	// RoleAccessPoint validates endpoint (access point) certificates
	RoleAccessPoint Role = iota
	// RoleSMP validates metadata publisher signing certificates
	RoleSMP
)

func (r Role) String() string {
	switch r {
	case RoleAccessPoint:
		return "access-point"
	case RoleSMP:
		return "smp"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Finding is the result of one independently reported check. A check that
// could not run has Attempted false and Passed false.
type Finding struct {
	Passed    bool
	Attempted bool
	Detail    string
}

func passed(detail string) Finding {
	return Finding{Passed: true, Attempted: true, Detail: detail}
}

func failed(detail string) Finding {
	return Finding{Attempted: true, Detail: detail}
}

func skipped(detail string) Finding {
	return Finding{Detail: detail}
}

func subjectOf(cert *x509.Certificate) string {
	if cert == nil {
		return "<nil>"
	}
	if cn := cert.Subject.CommonName; cn != "" {
		return cn
	}
	return cert.Subject.String()
}

func joinDetails(details []string) string {
	return strings.Join(details, "; ")
}
