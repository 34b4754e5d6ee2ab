/*
Package lookup resolves a Peppol participant to a verified endpoint.

A Service drives one lookup end to end: the request identifiers are parsed
and canonicalized, the participant's SMP is located through the SML, its
service metadata is fetched, an endpoint is selected for the requested
process and the result is validated.

	svc := lookup.NewService(codec, resolver, smpClient, orchestrator, nil,
	    lookup.WithLogger(logger),
	    lookup.WithRecorder(metrics),
	)
	res := svc.Lookup(ctx, lookup.Request{
	    ParticipantID:  "iso6523-actorid-upis::0088:1234567890",
	    DocumentTypeID: "busdox-docid-qns::urn:oasis:names:specification:ubl:schema:xsd:Invoice-2::Invoice##urn:cen.eu:en16931:2017::2.1",
	    Environment:    "test",
	})
	if res.Compliant() {
	    // res.Endpoint is safe to send to
	}

Errors from parsing, the SML and the SMP stop the lookup and are listed in
Result.Errors with a stage and an ErrorCode. Validation failures never stop a
lookup; they are reported through Result.Validation and leave Result.Endpoint
unset. A lookup whose deadline passes reports timeout-exceeded and never an
endpoint.
*/
package lookup
