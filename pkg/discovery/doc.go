// Package discovery implements Peppol dynamic discovery: locating a
// participant's Service Metadata Publisher (SMP) through the Service Metadata
// Locator (SML) and fetching its service metadata.
//
// # Discovery Process
//
// The discovery process works as follows:
//
//  1. Directory Name: the participant identifier value is lowercased and hashed
//     into a DNS name under the SML zone of the chosen environment
//     (see identifier.HashForDirectory).
//
//  2. SML Lookup: in CNAME mode (classic Peppol SML) an A query is sent and the
//     alias target names the SMP host. In NAPTR mode (eDelivery BDXL) a U-NAPTR
//     record carries the SMP URL in its regexp field.
//
//  3. SMP Query: the SMP is queried at
//     {base}/{participant}/services/{document type}, every identifier in its
//     "scheme::value" form and percent-encoded as one path segment.
//
//  4. Parsing: the response is screened by package xmlsafe before it is decoded,
//     and kept verbatim in MetadataDocument.Raw for signature verification.
//
// # Usage
//
//	resolver := discovery.NewResolver(discovery.ResolverConfig{
//	    Zones: identifier.DefaultZones(),
//	}, nil)
//	addr, err := resolver.Resolve(ctx, participant, identifier.EnvTest)
//	if discovery.IsNotRegistered(err) {
//	    // participant unknown to the SML
//	}
//
//	smp := discovery.NewSMPClient(httpClient, discovery.SMPClientConfig{})
//	doc, err := smp.Query(ctx, addr.BaseURL, participant, documentType, process)
//	endpoint := discovery.SelectEndpoint(doc.EndpointsFor(process.String()),
//	    discovery.DefaultPreferredTransports, time.Now())
//
// # Service Types
//
// U-NAPTR records may announce either service type:
//   - "Meta:SMP" - OASIS SMP 1.0
//   - "oasis-bdxr-smp-2" - OASIS SMP 2.0
//
// # References
//
//   - Peppol SML specification 1.2.0
//   - Peppol SMP specification 1.4.0
//   - eDelivery BDXL 2.0: https://ec.europa.eu/digital-building-blocks/sites/spaces/DIGITAL/pages/843612547/eDelivery+BDXL+-+2.0
//   - OASIS BDX-Location 1.0: http://docs.oasis-open.org/bdxr/BDX-Location/v1.0/
//   - RFC 4848: https://www.rfc-editor.org/rfc/rfc4848.html
package discovery
