package x509util

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"net/url"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	// ErrExtensionAbsent is returned when the certificate carries no
	// Authority Information Access extension.
	ErrExtensionAbsent = errors.New("authority information access extension absent")

	// ErrMalformedExtension is returned when the extension payload is not a
	// valid AuthorityInfoAccessSyntax.
	ErrMalformedExtension = errors.New("malformed authority information access extension")
)

// uniformResourceIdentifier [6] IA5String
var tagURI = cbasn1.Tag(6).ContextSpecific()

// AccessDescription is one (accessMethod, accessLocation) pair.
// Only URI locations are kept; other GeneralName forms are skipped.
type AccessDescription struct {
	Method asn1.ObjectIdentifier
	URI    string
}

// ParseAuthorityInfoAccess decodes an AuthorityInfoAccessSyntax payload.
//
//	AuthorityInfoAccessSyntax ::= SEQUENCE SIZE (1..MAX) OF AccessDescription
//	AccessDescription ::= SEQUENCE {
//	        accessMethod          OBJECT IDENTIFIER,
//	        accessLocation        GeneralName }
func ParseAuthorityInfoAccess(der []byte) ([]AccessDescription, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("%w: outer sequence", ErrMalformedExtension)
	}

	var out []AccessDescription
	for !seq.Empty() {
		var desc cryptobyte.String
		if !seq.ReadASN1(&desc, cbasn1.SEQUENCE) {
			return nil, fmt.Errorf("%w: access description", ErrMalformedExtension)
		}

		var method asn1.ObjectIdentifier
		if !desc.ReadASN1ObjectIdentifier(&method) {
			return nil, fmt.Errorf("%w: access method", ErrMalformedExtension)
		}

		var location cryptobyte.String
		var tag cbasn1.Tag
		if !desc.ReadAnyASN1(&location, &tag) || !desc.Empty() {
			return nil, fmt.Errorf("%w: access location", ErrMalformedExtension)
		}
		if tag != tagURI {
			continue
		}

		out = append(out, AccessDescription{Method: method, URI: string(location)})
	}

	return out, nil
}

// MarshalAuthorityInfoAccess encodes access descriptions as a non-critical
// AIA extension. Every location is written as a uniformResourceIdentifier.
func MarshalAuthorityInfoAccess(descs []AccessDescription) (pkix.Extension, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(seq *cryptobyte.Builder) {
		for _, d := range descs {
			seq.AddASN1(cbasn1.SEQUENCE, func(desc *cryptobyte.Builder) {
				desc.AddASN1ObjectIdentifier(d.Method)
				desc.AddASN1(tagURI, func(loc *cryptobyte.Builder) {
					loc.AddBytes([]byte(d.URI))
				})
			})
		}
	})

	value, err := b.Bytes()
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("failed to encode AIA extension: %w", err)
	}

	return pkix.Extension{
		Id:       OIDExtAuthorityInfoAccess,
		Critical: false,
		Value:    value,
	}, nil
}

// FindExtension returns the extension with the given OID, or nil.
func FindExtension(extensions []pkix.Extension, oid asn1.ObjectIdentifier) *pkix.Extension {
	for i := range extensions {
		if extensions[i].Id.Equal(oid) {
			return &extensions[i]
		}
	}
	return nil
}

// ExtractAccessURIs returns the URIs listed under the given access method, in
// the order they appear in the certificate. A certificate with an AIA
// extension but no matching entries yields an empty slice and no error.
func ExtractAccessURIs(cert *x509.Certificate, method asn1.ObjectIdentifier) ([]string, error) {
	if cert == nil {
		return nil, fmt.Errorf("certificate is nil")
	}

	ext := FindExtension(cert.Extensions, OIDExtAuthorityInfoAccess)
	if ext == nil {
		return nil, ErrExtensionAbsent
	}

	descs, err := ParseAuthorityInfoAccess(ext.Value)
	if err != nil {
		return nil, err
	}

	uris := []string{}
	for _, d := range descs {
		if d.Method.Equal(method) {
			uris = append(uris, d.URI)
		}
	}
	return uris, nil
}

// OCSPURIs returns the OCSP responder URIs of a certificate.
func OCSPURIs(cert *x509.Certificate) ([]string, error) {
	return ExtractAccessURIs(cert, OIDAccessMethodOCSP)
}

// CAIssuerURIs returns the caIssuers URIs of a certificate.
func CAIssuerURIs(cert *x509.Certificate) ([]string, error) {
	return ExtractAccessURIs(cert, OIDAccessMethodCAIssuers)
}

// FirstAbsoluteURI returns the first entry that parses as an absolute URI
// with a host.
func FirstAbsoluteURI(uris []string) (string, bool) {
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if u.IsAbs() && u.Host != "" {
			return raw, true
		}
	}
	return "", false
}
