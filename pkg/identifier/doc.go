// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package identifier implements parsing, validation and directory hashing of
// Peppol identifiers.
//
// Peppol uses three kinds of scheme-qualified identifiers:
//
//   - Participant identifiers, e.g. iso6523-actorid-upis::0088:4035811991021
//   - Document type identifiers, e.g.
//     busdox-docid-qns::urn:oasis:names:specification:ubl:schema:xsd:Invoice-2::Invoice##...::2.1
//   - Process identifiers, e.g. cenbii-procid-ubl::urn:fdc:peppol.eu:2017:poacc:billing:01:1.0
//
// The string form is always "<scheme>::<value>". The scheme must be a member of
// a recognized set for the identifier kind. Scheme matching is case-sensitive:
// "ISO6523-ACTORID-UPIS" is rejected rather than guessed.
//
// # Directory names
//
// A participant is located in the SML (Service Metadata Locator) by a DNS
// name derived from a one-way hash of its lowercased identifier value. Two
// hashing modes exist:
//
//   - CNAME mode (classic SML): "B-" + hex(MD5(value)) + "." + scheme + "." + zone
//   - NAPTR mode (BDXL): BASE32(SHA256(value)) + "." + scheme + "." + zone
//
// The zone depends on the environment, so production and test names never collide:
//
//	id, _ := codec.New(identifier.KindParticipant, "iso6523-actorid-upis", "0088:1234567890")
//	name, _ := identifier.HashForDirectory(id, identifier.EnvTest, identifier.DefaultZones(), identifier.ModeCNAME)
//	// B-8d445c8aa1f398f6f5f4a147fe63f120.iso6523-actorid-upis.acc.edelivery.tech.ec.europa.eu
//
// # References
//
//   - Peppol Policy for use of Identifiers 4.x
//   - Peppol SML specification 1.x
//   - eDelivery BDXL 2.0 (DNS U-NAPTR records)
package identifier
