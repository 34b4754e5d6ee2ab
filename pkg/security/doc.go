// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package security implements the trust checks applied to Peppol service
metadata: certificate validation against per-environment trust anchors,
revocation checking via OCSP and CRL, and verification of the enveloped XML
signature over SMP responses.

# Trust Anchors

Each environment (production, test) has its own roots and its own issuing CAs
for access points and SMPs. A certificate trusted in one environment is never
trusted in the other; NewTrustStore refuses overlapping configuration.

	store, err := security.NewTrustStore(map[identifier.Environment]security.TrustAnchors{
	    identifier.EnvTest: {Roots: roots, APIssuers: apCAs, SMPIssuers: smpCAs},
	})

# Certificate Validation

CertificateValidator reports four independent findings: the certificate is
within its validity period, it chains to a root of the environment, it was
issued by a recognized CA for its role, and no element of its chain is
revoked. Expiry is reported only by the first finding; the chain is built at
a time clamped into the certificate's validity window.

# Revocation

OCSPRevocationChecker asks the OCSP responder first (POST, then GET) and falls
back to the CRL distribution points. An OCSP revoked answer is final. When no
source yields a verified answer within the budget the status is
RevocationUnknown, which only passes under RevocationPolicy.SoftFail.

	cache := security.NewRevocationCache(10 * time.Minute)
	checker := security.NewOCSPRevocationChecker(nil, httpClient, cache)
	validator := security.NewCertificateValidator(store, checker, security.RevocationPolicy{})

# XML Signatures

SignatureValidator verifies an enveloped signature covering the whole
document. Canonicalization (C14N 1.0 and exclusive C14N, with or without
comments), digest (SHA-256/384/512) and signature algorithms (RSA PKCS#1 v1.5,
RSA-PSS, ECDSA) are restricted to allow-lists; SHA-1, MD5, DSA and HMAC are
rejected. The signer must be the endpoint certificate or a certificate that
validates as an SMP signer. The first failing step is recorded in
SignatureOutcome.FailedStep.

Canonicalization is delegated to the signedxml package.
*/
package security
