// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package gopeppol locates Peppol participants and decides whether their
advertised endpoints can be trusted.

# Overview

go-peppol implements participant lookup for the Peppol eDelivery network.
Given a participant identifier, a document type, an optional process and an
environment it finds the participant's Service Metadata Publisher through the
SML, fetches the signed service metadata, selects an endpoint and validates
the certificates, the metadata signature and the endpoint itself before the
endpoint is handed back.

# Specifications Implemented

  - Peppol Policy for use of Identifiers 4.x
  - Peppol Transport Infrastructure Agreement, SML and SMP specifications
  - OASIS Service Metadata Publishing 1.0: https://docs.oasis-open.org/bdxr/bdx-smp/v1.0/
  - OASIS BDXL 1.0 (U-NAPTR discovery): https://docs.oasis-open.org/bdxr/BDX-Location/v1.0/
  - XML Signature Syntax and Processing: https://www.w3.org/TR/xmldsig-core1/
  - RFC 6960 (OCSP) and RFC 5280 (certificate paths and CRLs)

# Package Structure

	github.com/sirosfoundation/go-peppol/pkg/identifier - identifier parsing and SML name hashing
	github.com/sirosfoundation/go-peppol/pkg/discovery  - SML resolution and SMP queries
	github.com/sirosfoundation/go-peppol/pkg/xmlsafe    - pre-parse screening of untrusted XML
	github.com/sirosfoundation/go-peppol/pkg/transport  - HTTPS client with TLS 1.2/1.3 and circuit breakers
	github.com/sirosfoundation/go-peppol/pkg/security   - trust store, revocation, certificate and signature validation
	github.com/sirosfoundation/go-peppol/pkg/validation - endpoint checks and the validation orchestrator
	github.com/sirosfoundation/go-peppol/pkg/lookup     - the lookup service

# Quick Start

	cfg, err := config.Load("peppol.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	a, err := app.Build(cfg, app.NewLogger(cfg, os.Stderr))
	if err != nil {
	    log.Fatal(err)
	}
	res := a.Lookup.Lookup(ctx, lookup.Request{
	    ParticipantID:  "iso6523-actorid-upis::0088:1234567890",
	    DocumentTypeID: "busdox-docid-qns::urn:oasis:names:specification:ubl:schema:xsd:Invoice-2::Invoice##urn:cen.eu:en16931:2017::2.1",
	    Environment:    "production",
	})

The internal packages are importable from this module's own commands; library
users compose the pkg packages directly in the same way.

# Validation

Every check reports its own signals; a failing signal never hides another.

## Certificates

  - Validity window, chain to an environment's Peppol root, issuing CA policy
  - Revocation through OCSP with CRL fallback, hard-fail by default
  - Trust anchors of production and test never overlap

## Metadata Signatures

  - Enveloped XML-DSig with Reference URI=""
  - RSA PKCS#1 v1.5, RSA-PSS and ECDSA over SHA-256/384/512; SHA-1 is rejected
  - Inclusive and exclusive canonicalization
  - Signer certificate must be an SMP certificate of the same environment

## Endpoints

  - Transport profile allow-list, https only, activation window
  - Optional liveness probe

# References

  - Peppol: https://peppol.org/
  - eDelivery: https://ec.europa.eu/digital-building-blocks/sites/spaces/DIGITAL/

# License

BSD-2-Clause License
*/
package gopeppol
