// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport implements the outbound HTTPS client used for metadata,
OCSP and CRL fetches.

One Client is shared by every component of a process. It pools connections,
enforces TLS 1.2 or newer, rejects non-https URLs unless a request opts in with
AllowPlainHTTP, caps response bodies and guards each remote host with its own
circuit breaker.

# TLS

DefaultConfig negotiates TLS 1.2 or 1.3 and, on TLS 1.2, only the ECDHE AEAD
suites in RecommendedTLS12CipherSuites. NewClient raises any lower
MinTLSVersion to TLS 1.2.

# Circuit Breakers

Each host gets a breaker on first use. Transport failures and 5xx responses
count against it; once it opens, requests to that host fail fast with
ErrCircuitOpen until the breaker's timeout lets a trial request through.

# Client Usage

	client := transport.NewClient(config, transport.WithLogger(logger))

	resp, err := client.Get(ctx, "https://smp.example.com/iso6523-actorid-upis%3A%3A0088%3A1",
	    transport.WithHeader("Accept", "application/xml"))

Revocation fetches use plain HTTP as published in certificates:

	resp, err := client.Post(ctx, ocspURL, "application/ocsp-request", req,
	    transport.AllowPlainHTTP(), transport.WithTimeout(5*time.Second))

Redirects are never followed by the client; callers see the 3xx response.

Probe issues a HEAD request for liveness checks. A 5xx answer is still
returned as a response so the caller can report the status.
*/
package transport
