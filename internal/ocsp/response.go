package ocsp

import (
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"time"
)

// ResponseStatus represents the status of an OCSP response.
type ResponseStatus int

const (
	StatusSuccessful       ResponseStatus = 0
	StatusMalformedRequest ResponseStatus = 1
	StatusInternalError    ResponseStatus = 2
	StatusTryLater         ResponseStatus = 3
	// 4 is not used
	StatusSigRequired  ResponseStatus = 5
	StatusUnauthorized ResponseStatus = 6
)

// String returns a human-readable status string.
func (s ResponseStatus) String() string {
	switch s {
	case StatusSuccessful:
		return "successful"
	case StatusMalformedRequest:
		return "malformedRequest"
	case StatusInternalError:
		return "internalError"
	case StatusTryLater:
		return "tryLater"
	case StatusSigRequired:
		return "sigRequired"
	case StatusUnauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// CertStatus represents the revocation status of a certificate.
type CertStatus int

const (
	CertStatusGood    CertStatus = 0
	CertStatusRevoked CertStatus = 1
	CertStatusUnknown CertStatus = 2
)

// String returns a human-readable status string.
func (s CertStatus) String() string {
	switch s {
	case CertStatusGood:
		return "good"
	case CertStatusRevoked:
		return "revoked"
	case CertStatusUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ParseCertStatus parses "good", "revoked" or "unknown".
func ParseCertStatus(s string) (CertStatus, error) {
	switch s {
	case "good":
		return CertStatusGood, nil
	case "revoked":
		return CertStatusRevoked, nil
	case "unknown":
		return CertStatusUnknown, nil
	default:
		return 0, fmt.Errorf("invalid certificate status: %q", s)
	}
}

// RevocationReason per RFC 5280 §5.3.1
type RevocationReason int

const (
	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonCertificateHold      RevocationReason = 6
	// 7 is not used
	ReasonRemoveFromCRL      RevocationReason = 8
	ReasonPrivilegeWithdrawn RevocationReason = 9
	ReasonAACompromise       RevocationReason = 10
)

var reasonNames = map[RevocationReason]string{
	ReasonUnspecified:          "unspecified",
	ReasonKeyCompromise:        "keyCompromise",
	ReasonCACompromise:         "cACompromise",
	ReasonAffiliationChanged:   "affiliationChanged",
	ReasonSuperseded:           "superseded",
	ReasonCessationOfOperation: "cessationOfOperation",
	ReasonCertificateHold:      "certificateHold",
	ReasonRemoveFromCRL:        "removeFromCRL",
	ReasonPrivilegeWithdrawn:   "privilegeWithdrawn",
	ReasonAACompromise:         "aACompromise",
}

// String returns the RFC 5280 name of the reason.
func (r RevocationReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// ParseRevocationReason parses an RFC 5280 reason name.
func ParseRevocationReason(s string) (RevocationReason, error) {
	if s == "" {
		return ReasonUnspecified, nil
	}
	for r, name := range reasonNames {
		if name == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("invalid revocation reason: %q", s)
}

// OCSPResponse represents an OCSP response (RFC 6960 §4.2.1).
// OCSPResponse ::= SEQUENCE {
//
//	responseStatus         OCSPResponseStatus,
//	responseBytes          [0] EXPLICIT ResponseBytes OPTIONAL }
type OCSPResponse struct {
	Status        asn1.Enumerated
	ResponseBytes responseBytes `asn1:"optional,explicit,tag:0"`
}

// responseBytes holds the actual response data.
// ResponseBytes ::= SEQUENCE {
//
//	responseType   OBJECT IDENTIFIER,
//	response       OCTET STRING }
type responseBytes struct {
	ResponseType asn1.ObjectIdentifier
	Response     []byte
}

// BasicOCSPResponse is the standard response type (RFC 6960 §4.2.1).
// BasicOCSPResponse ::= SEQUENCE {
//
//	tbsResponseData      ResponseData,
//	signatureAlgorithm   AlgorithmIdentifier,
//	signature            BIT STRING,
//	certs            [0] EXPLICIT SEQUENCE OF Certificate OPTIONAL }
type BasicOCSPResponse struct {
	TBSResponseData    ResponseData
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          asn1.BitString
	Certs              []asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// ResponseData contains the response information to be signed.
// Raw keeps the received encoding so the signature is checked over the
// exact bytes the responder signed.
// ResponseData ::= SEQUENCE {
//
//	version              [0] EXPLICIT Version DEFAULT v1,
//	responderID              ResponderID,
//	producedAt               GeneralizedTime,
//	responses                SEQUENCE OF SingleResponse,
//	responseExtensions   [1] EXPLICIT Extensions OPTIONAL }
type ResponseData struct {
	Raw                asn1.RawContent
	Version            int              `asn1:"optional,explicit,tag:0,default:0"`
	ResponderID        asn1.RawValue    // CHOICE: byName [1] or byKey [2]
	ProducedAt         time.Time        `asn1:"generalized"`
	Responses          []SingleResponse `asn1:"sequence"`
	ResponseExtensions []pkix.Extension `asn1:"optional,explicit,tag:1"`
}

// SingleResponse contains status for a single certificate.
// SingleResponse ::= SEQUENCE {
//
//	certID                       CertID,
//	certStatus                   CertStatus,
//	thisUpdate                   GeneralizedTime,
//	nextUpdate           [0]     EXPLICIT GeneralizedTime OPTIONAL,
//	singleExtensions     [1]     EXPLICIT Extensions OPTIONAL }
type SingleResponse struct {
	CertID           CertID
	CertStatus       asn1.RawValue
	ThisUpdate       time.Time        `asn1:"generalized"`
	NextUpdate       time.Time        `asn1:"optional,explicit,tag:0,generalized"`
	SingleExtensions []pkix.Extension `asn1:"optional,explicit,tag:1"`
}

// RevokedInfo contains revocation details.
// RevokedInfo ::= SEQUENCE {
//
//	revocationTime              GeneralizedTime,
//	revocationReason    [0]     EXPLICIT CRLReason OPTIONAL }
type RevokedInfo struct {
	RevocationTime   time.Time       `asn1:"generalized"`
	RevocationReason asn1.Enumerated `asn1:"optional,explicit,tag:0"`
}

// ResponseBuilder helps construct OCSP responses.
type ResponseBuilder struct {
	responderCert *x509.Certificate
	signer        crypto.Signer
	producedAt    time.Time
	responses     []SingleResponse
	extensions    []pkix.Extension
	includeCerts  bool
	byName        bool
}

// NewResponseBuilder creates a new response builder.
func NewResponseBuilder(responderCert *x509.Certificate, signer crypto.Signer) *ResponseBuilder {
	return &ResponseBuilder{
		responderCert: responderCert,
		signer:        signer,
		producedAt:    time.Now().UTC(),
		includeCerts:  true,
	}
}

// SetProducedAt sets the producedAt time.
func (b *ResponseBuilder) SetProducedAt(t time.Time) *ResponseBuilder {
	b.producedAt = t.UTC()
	return b
}

// IncludeCerts sets whether to include the responder certificate.
func (b *ResponseBuilder) IncludeCerts(include bool) *ResponseBuilder {
	b.includeCerts = include
	return b
}

// ResponderIDByName identifies the responder by subject name instead of key hash.
func (b *ResponseBuilder) ResponderIDByName(byName bool) *ResponseBuilder {
	b.byName = byName
	return b
}

// AddGood adds a "good" status for a certificate.
// A zero nextUpdate leaves the field out.
func (b *ResponseBuilder) AddGood(certID *CertID, thisUpdate, nextUpdate time.Time) *ResponseBuilder {
	// good [0] IMPLICIT NULL
	return b.add(certID, asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0}, thisUpdate, nextUpdate)
}

// AddRevoked adds a "revoked" status for a certificate.
func (b *ResponseBuilder) AddRevoked(certID *CertID, thisUpdate, nextUpdate, revocationTime time.Time, reason RevocationReason) *ResponseBuilder {
	// revoked [1] IMPLICIT RevokedInfo
	info := RevokedInfo{
		RevocationTime:   revocationTime.UTC(),
		RevocationReason: asn1.Enumerated(reason),
	}
	// RevokedInfo holds only a time and an enum, marshaling cannot fail.
	full, _ := asn1.Marshal(info)
	var seq asn1.RawValue
	_, _ = asn1.Unmarshal(full, &seq)

	status := asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        1,
		IsCompound: true,
		Bytes:      seq.Bytes,
	}
	return b.add(certID, status, thisUpdate, nextUpdate)
}

// AddUnknown adds an "unknown" status for a certificate.
func (b *ResponseBuilder) AddUnknown(certID *CertID, thisUpdate, nextUpdate time.Time) *ResponseBuilder {
	// unknown [2] IMPLICIT NULL
	return b.add(certID, asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 2}, thisUpdate, nextUpdate)
}

func (b *ResponseBuilder) add(certID *CertID, status asn1.RawValue, thisUpdate, nextUpdate time.Time) *ResponseBuilder {
	sr := SingleResponse{
		CertID:     *certID,
		CertStatus: status,
		ThisUpdate: thisUpdate.UTC(),
	}
	if !nextUpdate.IsZero() {
		sr.NextUpdate = nextUpdate.UTC()
	}
	b.responses = append(b.responses, sr)
	return b
}

// AddNonce adds a nonce extension to the response.
func (b *ResponseBuilder) AddNonce(nonce []byte) *ResponseBuilder {
	if len(nonce) > 0 {
		if ext, err := nonceExtension(nonce); err == nil {
			b.extensions = append(b.extensions, ext)
		}
	}
	return b
}

// Build creates and signs the OCSP response.
func (b *ResponseBuilder) Build() ([]byte, error) {
	if len(b.responses) == 0 {
		return nil, fmt.Errorf("no responses added")
	}
	if b.responderCert == nil || b.signer == nil {
		return nil, fmt.Errorf("responder certificate and signer are required")
	}

	responderID, err := b.responderID()
	if err != nil {
		return nil, err
	}

	responseData := ResponseData{
		Version:            0,
		ResponderID:        responderID,
		ProducedAt:         b.producedAt,
		Responses:          b.responses,
		ResponseExtensions: b.extensions,
	}

	tbsData, err := asn1.Marshal(responseData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response data: %w", err)
	}

	signature, sigAlg, err := signData(b.signer, tbsData)
	if err != nil {
		return nil, fmt.Errorf("failed to sign response: %w", err)
	}

	basicResp := BasicOCSPResponse{
		TBSResponseData:    ResponseData{Raw: tbsData},
		SignatureAlgorithm: sigAlg,
		Signature:          asn1.BitString{Bytes: signature, BitLength: len(signature) * 8},
	}
	if b.includeCerts {
		basicResp.Certs = []asn1.RawValue{{FullBytes: b.responderCert.Raw}}
	}

	basicRespBytes, err := asn1.Marshal(basicResp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal basic response: %w", err)
	}

	return asn1.Marshal(OCSPResponse{
		Status: asn1.Enumerated(StatusSuccessful),
		ResponseBytes: responseBytes{
			ResponseType: OIDOcspBasic,
			Response:     basicRespBytes,
		},
	})
}

// responderID encodes the ResponderID CHOICE.
//
//	ResponderID ::= CHOICE {
//	   byName   [1] Name,
//	   byKey    [2] KeyHash }
//
// Both alternatives are EXPLICIT, so the tag wraps a complete encoding.
func (b *ResponseBuilder) responderID() (asn1.RawValue, error) {
	if b.byName {
		return asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        1,
			IsCompound: true,
			Bytes:      b.responderCert.RawSubject,
		}, nil
	}

	keyHash, err := responderKeyHash(b.responderCert)
	if err != nil {
		return asn1.RawValue{}, err
	}
	octetString, err := asn1.Marshal(keyHash)
	if err != nil {
		return asn1.RawValue{}, fmt.Errorf("failed to marshal key hash: %w", err)
	}

	return asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        2,
		IsCompound: true,
		Bytes:      octetString,
	}, nil
}

// responderKeyHash is the SHA-1 of the subjectPublicKey BIT STRING value.
func responderKeyHash(cert *x509.Certificate) ([]byte, error) {
	pub, err := subjectPublicKeyBytes(cert)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SubjectPublicKeyInfo: %w", err)
	}
	sum := sha1.Sum(pub)
	return sum[:], nil
}

// NewErrorResponse creates an error OCSP response (no signature).
func NewErrorResponse(status ResponseStatus) ([]byte, error) {
	if status == StatusSuccessful {
		return nil, fmt.Errorf("cannot create error response with successful status")
	}
	return asn1.Marshal(OCSPResponse{Status: asn1.Enumerated(status)})
}

// NewMalformedResponse creates a malformedRequest response.
func NewMalformedResponse() ([]byte, error) {
	return NewErrorResponse(StatusMalformedRequest)
}

// NewInternalErrorResponse creates an internalError response.
func NewInternalErrorResponse() ([]byte, error) {
	return NewErrorResponse(StatusInternalError)
}

// NewUnauthorizedResponse creates an unauthorized response.
func NewUnauthorizedResponse() ([]byte, error) {
	return NewErrorResponse(StatusUnauthorized)
}
