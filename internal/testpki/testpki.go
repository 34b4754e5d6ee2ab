// Package testpki builds throwaway certificate hierarchies, revocation data
// and signed SMP metadata for tests.
package testpki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"

	"golang.org/x/crypto/ocsp"
)

// Authority is a certificate authority usable for issuing
type Authority struct {
	Certificate *x509.Certificate
	Key         crypto.Signer
}

// LeafOptions controls issued end-entity certificates
type LeafOptions struct {
	NotBefore            time.Time
	NotAfter             time.Time
	OCSPServer           string
	CRLDistributionPoint string
	// RSA issues a 2048-bit RSA key instead of P-256
	RSA bool
}

func serial(t testing.TB) *big.Int {
	t.Helper()
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	return n.Add(n, big.NewInt(1))
}

func ecKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func create(t testing.TB, template, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) *x509.Certificate {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

func caTemplate(t testing.TB, cn string) *x509.Certificate {
	return &x509.Certificate{
		SerialNumber:          serial(t),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"OpenPeppol AISBL"}},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
}

// NewRoot creates a self-signed root CA
func NewRoot(t testing.TB, cn string) *Authority {
	t.Helper()
	key := ecKey(t)
	tmpl := caTemplate(t, cn)
	return &Authority{Certificate: create(t, tmpl, tmpl, key.Public(), key), Key: key}
}

// NewCA issues an intermediate CA
func (a *Authority) NewCA(t testing.TB, cn string) *Authority {
	t.Helper()
	key := ecKey(t)
	return &Authority{Certificate: create(t, caTemplate(t, cn), a.Certificate, key.Public(), a.Key), Key: key}
}

// NewLeaf issues an end-entity certificate
func (a *Authority) NewLeaf(t testing.TB, cn string, opts LeafOptions) (*x509.Certificate, crypto.Signer) {
	t.Helper()
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = time.Now().Add(365 * 24 * time.Hour)
	}

	var key crypto.Signer = ecKey(t)
	if opts.RSA {
		rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate RSA key: %v", err)
		}
		key = rsaKey
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial(t),
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"Test Participant"}},
		NotBefore:    opts.NotBefore,
		NotAfter:     opts.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	if opts.OCSPServer != "" {
		tmpl.OCSPServer = []string{opts.OCSPServer}
	}
	if opts.CRLDistributionPoint != "" {
		tmpl.CRLDistributionPoints = []string{opts.CRLDistributionPoint}
	}
	return create(t, tmpl, a.Certificate, key.Public(), a.Key), key
}

// CRL issues a DER CRL listing the revoked serial numbers
func (a *Authority) CRL(t testing.TB, thisUpdate, nextUpdate time.Time, revoked ...*big.Int) []byte {
	t.Helper()
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, sn := range revoked {
		entries = append(entries, x509.RevocationListEntry{SerialNumber: sn, RevocationTime: thisUpdate.Add(-time.Hour)})
	}
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    serial(t),
		ThisUpdate:                thisUpdate,
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: entries,
	}, a.Certificate, a.Key)
	if err != nil {
		t.Fatalf("create CRL: %v", err)
	}
	return der
}

// OCSPResponse issues a response for cert signed directly by the authority.
// status is ocsp.Good, ocsp.Revoked or ocsp.Unknown.
func (a *Authority) OCSPResponse(t testing.TB, cert *x509.Certificate, status int, thisUpdate, nextUpdate time.Time) []byte {
	t.Helper()
	tmpl := ocsp.Response{
		Status:       status,
		SerialNumber: cert.SerialNumber,
		ThisUpdate:   thisUpdate,
		NextUpdate:   nextUpdate,
	}
	if status == ocsp.Revoked {
		tmpl.RevokedAt = thisUpdate.Add(-time.Hour)
		tmpl.RevocationReason = ocsp.KeyCompromise
	}
	der, err := ocsp.CreateResponse(a.Certificate, a.Certificate, tmpl, a.Key)
	if err != nil {
		t.Fatalf("create OCSP response: %v", err)
	}
	return der
}

// EncodePEM encodes certificates as concatenated PEM blocks
func EncodePEM(certs ...*x509.Certificate) []byte {
	var out []byte
	for _, c := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}

// Base64 returns the standard base64 encoding of the DER certificate
func Base64(cert *x509.Certificate) string {
	return base64.StdEncoding.EncodeToString(cert.Raw)
}

type ecdsaSignature struct {
	R, S *big.Int
}

// rawECDSA converts an ASN.1 ECDSA signature to the r||s form used by XML-DSig
func rawECDSA(t testing.TB, der []byte, pub *ecdsa.PublicKey) []byte {
	t.Helper()
	var sig ecdsaSignature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		t.Fatalf("ECDSA signature: %v", err)
	}
	size := (pub.Curve.Params().BitSize + 7) / 8
	out := make([]byte, 2*size)
	sig.R.FillBytes(out[:size])
	sig.S.FillBytes(out[size:])
	return out
}
