package security

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/sirosfoundation/go-peppol/pkg/identifier"
)

// TrustAnchors are the certificates trusted in one environment
type TrustAnchors struct {
	// Roots are the Peppol root CAs
	Roots []*x509.Certificate
	// APIssuers are the CAs that issue access point certificates
	APIssuers []*x509.Certificate
	// SMPIssuers are the CAs that issue SMP signing certificates
	SMPIssuers []*x509.Certificate
}

type envTrust struct {
	roots         *x509.CertPool
	intermediates *x509.CertPool
	rootCerts     []*x509.Certificate
	issuers       map[Role][]*x509.Certificate
}

// TrustStore holds the trust anchors of each environment. A certificate is
// never trusted across environments.
type TrustStore struct {
	envs map[identifier.Environment]*envTrust
}

// NewTrustStore builds a trust store. Environments must not share any
// certificate; ErrOverlappingTrust is returned otherwise.
func NewTrustStore(anchors map[identifier.Environment]TrustAnchors) (*TrustStore, error) {
	owner := make(map[string]identifier.Environment)
	store := &TrustStore{envs: make(map[identifier.Environment]*envTrust, len(anchors))}

	for env, set := range anchors {
		if len(set.Roots) == 0 {
			return nil, fmt.Errorf("trust store: no root certificates for %s", env)
		}
		t := &envTrust{
			roots:         x509.NewCertPool(),
			intermediates: x509.NewCertPool(),
			rootCerts:     set.Roots,
			issuers: map[Role][]*x509.Certificate{
				RoleAccessPoint: set.APIssuers,
				RoleSMP:         set.SMPIssuers,
			},
		}

		all := append(append(append([]*x509.Certificate{}, set.Roots...), set.APIssuers...), set.SMPIssuers...)
		for _, cert := range all {
			fp := Fingerprint(cert)
			if other, ok := owner[fp]; ok && other != env {
				return nil, fmt.Errorf("%w: %s is trusted in %s and %s", ErrOverlappingTrust, subjectOf(cert), other, env)
			}
			owner[fp] = env
		}

		for _, root := range set.Roots {
			t.roots.AddCert(root)
		}
		for _, issuer := range append(append([]*x509.Certificate{}, set.APIssuers...), set.SMPIssuers...) {
			t.intermediates.AddCert(issuer)
		}
		store.envs[env] = t
	}
	return store, nil
}

// Roots returns the root pool of env, or nil when env has no anchors
func (s *TrustStore) Roots(env identifier.Environment) *x509.CertPool {
	if t, ok := s.envs[env]; ok {
		return t.roots
	}
	return nil
}

// Intermediates returns the issuing CAs of env as a pool
func (s *TrustStore) Intermediates(env identifier.Environment) *x509.CertPool {
	if t, ok := s.envs[env]; ok {
		return t.intermediates
	}
	return nil
}

// Issuers returns the recognized issuing CAs for role in env
func (s *TrustStore) Issuers(env identifier.Environment, role Role) []*x509.Certificate {
	if t, ok := s.envs[env]; ok {
		return t.issuers[role]
	}
	return nil
}

// IsRoot reports whether cert is a root anchor of env
func (s *TrustStore) IsRoot(env identifier.Environment, cert *x509.Certificate) bool {
	t, ok := s.envs[env]
	if !ok {
		return false
	}
	for _, root := range t.rootCerts {
		if root.Equal(cert) {
			return true
		}
	}
	return false
}

// Fingerprint returns the hex SHA-256 of the DER certificate
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// ParseCertificatesPEM parses every CERTIFICATE block in data
func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, &CertificateParsingError{Err: err}
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no PEM certificates found", ErrInvalidCertificate)
	}
	return certs, nil
}

// LoadCertificatesFile reads PEM certificates from path
func LoadCertificatesFile(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificates: %w", err)
	}
	certs, err := ParseCertificatesPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return certs, nil
}
