// Package x509util provides helpers for reading X.509 certificates:
// OID definitions, Authority Information Access decoding and certificate loading.
package x509util

import (
	"encoding/asn1"
)

// Standard X.509 extension OIDs.
var (
	// Authority Information Access extension
	OIDExtAuthorityInfoAccess = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 1}
)

// Access method OIDs (RFC 5280 §4.2.2.1).
var (
	// id-ad-ocsp
	OIDAccessMethodOCSP = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1}

	// id-ad-caIssuers
	OIDAccessMethodCAIssuers = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 2}
)
