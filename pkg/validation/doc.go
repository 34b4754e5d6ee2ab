/*
Package validation decides whether a discovered endpoint is trustworthy.

The Orchestrator runs a fixed set of checks over one discovery result and
aggregates their signals into a ValidationResults record:

  - CertificateCheck validates the endpoint certificate as an access point
    certificate of the lookup environment.
  - SignatureCheck verifies the enveloped signature over the SMP response and
    binds its signer to the endpoint or a recognized SMP.
  - EndpointCheck judges the transport profile, URL, activation window and,
    optionally, reachability of the endpoint.

Every check runs even when an earlier one fails, so a caller always sees the
full set of findings. Only malformed input (an endpoint certificate or SMP
document that cannot be parsed at all) stops orchestration early, in which
case every signal of the skipped checks is reported as failed.

	orch := validation.NewOrchestrator(validation.DefaultPolicy(), []validation.Check{
	    validation.NewCertificateCheck(certValidator),
	    validation.NewSignatureCheck(sigValidator),
	    validation.NewEndpointCheck(nil, httpClient),
	})
	results := orch.Validate(ctx, &validation.Input{...})

OverallCompliant is the conjunction of the signals named in Policy.Required.
No signal is ever assumed to have passed.
*/
package validation
