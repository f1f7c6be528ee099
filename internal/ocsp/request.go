package ocsp

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	// Register the CertID digests with crypto.Hash.
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
)

// Nonce length bounds, in bytes. RFC 8954 caps the nonce at 32 octets.
const (
	DefaultNonceLength = 16
	MinNonceLength     = 16
	MaxNonceLength     = 32
)

// DefaultHash is the CertID digest used unless configured otherwise.
// SHA-1 is what deployed responders index on.
const DefaultHash = crypto.SHA1

// maxRequestSize bounds request bodies read by ParseRequestFromHTTP.
const maxRequestSize = 64 << 10

// OCSPRequest represents an OCSP request (RFC 6960 §4.1.1).
// OCSPRequest ::= SEQUENCE {
//
//	tbsRequest                  TBSRequest,
//	optionalSignature   [0]     EXPLICIT Signature OPTIONAL }
type OCSPRequest struct {
	TBSRequest        TBSRequest
	OptionalSignature Signature `asn1:"optional,explicit,tag:0"`
}

// TBSRequest is the to-be-signed part of an OCSP request.
// TBSRequest ::= SEQUENCE {
//
//	version             [0]     EXPLICIT Version DEFAULT v1,
//	requestorName       [1]     EXPLICIT GeneralName OPTIONAL,
//	requestList                 SEQUENCE OF Request,
//	requestExtensions   [2]     EXPLICIT Extensions OPTIONAL }
type TBSRequest struct {
	Version           int              `asn1:"optional,explicit,tag:0,default:0"`
	RequestorName     asn1.RawValue    `asn1:"optional,explicit,tag:1"`
	RequestList       []Request        `asn1:"sequence"`
	RequestExtensions []pkix.Extension `asn1:"optional,explicit,tag:2"`
}

// Request represents a single certificate status request.
// Request ::= SEQUENCE {
//
//	reqCert                     CertID,
//	singleRequestExtensions     [0] EXPLICIT Extensions OPTIONAL }
type Request struct {
	ReqCert                 CertID
	SingleRequestExtensions []pkix.Extension `asn1:"optional,explicit,tag:0"`
}

// CertID identifies a certificate for which status is requested.
// CertID ::= SEQUENCE {
//
//	hashAlgorithm       AlgorithmIdentifier,
//	issuerNameHash      OCTET STRING,
//	issuerKeyHash       OCTET STRING,
//	serialNumber        CertificateSerialNumber }
type CertID struct {
	HashAlgorithm  pkix.AlgorithmIdentifier
	IssuerNameHash []byte
	IssuerKeyHash  []byte
	SerialNumber   *big.Int
}

// Signature represents an optional signature on the request.
// Signature ::= SEQUENCE {
//
//	signatureAlgorithm      AlgorithmIdentifier,
//	signature               BIT STRING,
//	certs               [0] EXPLICIT SEQUENCE OF Certificate OPTIONAL }
type Signature struct {
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          asn1.BitString
	Certs              []asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// NewCertID creates a CertID for a certificate issued by the given issuer.
func NewCertID(hashAlg crypto.Hash, issuer, cert *x509.Certificate) (*CertID, error) {
	if cert == nil {
		return nil, fmt.Errorf("certificate is nil")
	}
	return NewCertIDFromSerial(hashAlg, issuer, cert.SerialNumber)
}

// NewCertIDFromSerial creates a CertID for a serial number from the given issuer.
func NewCertIDFromSerial(hashAlg crypto.Hash, issuer *x509.Certificate, serial *big.Int) (*CertID, error) {
	if issuer == nil {
		return nil, fmt.Errorf("issuer certificate is nil")
	}
	if serial == nil {
		return nil, fmt.Errorf("serial number is nil")
	}

	hashOID, ok := HashToOID(hashAlg)
	if !ok || !hashAlg.Available() {
		return nil, fmt.Errorf("unsupported hash algorithm: %v", hashAlg)
	}

	// RFC 6960: issuerKeyHash is computed over the value (excluding tag and
	// length) of the subject public key BIT STRING of the issuer.
	pubKeyBytes, err := subjectPublicKeyBytes(issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer SubjectPublicKeyInfo: %w", err)
	}

	return &CertID{
		HashAlgorithm: pkix.AlgorithmIdentifier{
			Algorithm:  hashOID,
			Parameters: asn1.NullRawValue,
		},
		IssuerNameHash: digest(hashAlg, issuer.RawSubject),
		IssuerKeyHash:  digest(hashAlg, pubKeyBytes),
		SerialNumber:   new(big.Int).Set(serial),
	}, nil
}

// Hash returns the digest algorithm of the CertID.
func (id *CertID) Hash() (crypto.Hash, bool) {
	return HashFromOID(id.HashAlgorithm.Algorithm)
}

// Equal reports whether two CertIDs designate the same certificate: same
// digest algorithm, issuer name hash, issuer key hash and serial number.
func (id *CertID) Equal(other *CertID) bool {
	if id == nil || other == nil {
		return id == other
	}
	if id.SerialNumber == nil || other.SerialNumber == nil {
		return false
	}
	return id.HashAlgorithm.Algorithm.Equal(other.HashAlgorithm.Algorithm) &&
		bytes.Equal(id.IssuerNameHash, other.IssuerNameHash) &&
		bytes.Equal(id.IssuerKeyHash, other.IssuerKeyHash) &&
		id.SerialNumber.Cmp(other.SerialNumber) == 0
}

// MatchesIssuer checks if the CertID's issuer hashes match the given issuer.
func (id *CertID) MatchesIssuer(issuer *x509.Certificate) bool {
	hashAlg, ok := id.Hash()
	if !ok {
		return false
	}

	expected, err := NewCertIDFromSerial(hashAlg, issuer, big.NewInt(0))
	if err != nil {
		return false
	}

	return bytes.Equal(id.IssuerNameHash, expected.IssuerNameHash) &&
		bytes.Equal(id.IssuerKeyHash, expected.IssuerKeyHash)
}

// GenerateNonce returns n cryptographically random bytes.
func GenerateNonce(n int) ([]byte, error) {
	if n < MinNonceLength || n > MaxNonceLength {
		return nil, fmt.Errorf("nonce length %d out of range [%d, %d]", n, MinNonceLength, MaxNonceLength)
	}
	nonce := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// BuildRequest creates a single-certificate OCSP request carrying a freshly
// generated nonce of nonceLen bytes (DefaultNonceLength when zero).
// Two calls with the same CertID differ only in the nonce.
func BuildRequest(certID *CertID, nonceLen int) (*OCSPRequest, error) {
	if certID == nil {
		return nil, fmt.Errorf("certID is nil")
	}
	if nonceLen == 0 {
		nonceLen = DefaultNonceLength
	}

	nonce, err := GenerateNonce(nonceLen)
	if err != nil {
		return nil, err
	}

	ext, err := nonceExtension(nonce)
	if err != nil {
		return nil, err
	}

	return &OCSPRequest{
		TBSRequest: TBSRequest{
			Version:           0,
			RequestList:       []Request{{ReqCert: *certID}},
			RequestExtensions: []pkix.Extension{ext},
		},
	}, nil
}

// nonceExtension wraps a nonce in the id-pkix-ocsp-nonce extension
// (extnValue is an OCTET STRING holding the nonce OCTET STRING).
func nonceExtension(nonce []byte) (pkix.Extension, error) {
	value, err := asn1.Marshal(nonce)
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("failed to marshal nonce: %w", err)
	}
	return pkix.Extension{
		Id:       OIDOcspNonce,
		Critical: false,
		Value:    value,
	}, nil
}

// nonceFromExtensions extracts the nonce, if any. Responders that put the
// raw nonce in extnValue without the inner OCTET STRING are tolerated.
func nonceFromExtensions(exts []pkix.Extension) []byte {
	for _, ext := range exts {
		if !ext.Id.Equal(OIDOcspNonce) {
			continue
		}
		var nonce []byte
		if rest, err := asn1.Unmarshal(ext.Value, &nonce); err == nil && len(rest) == 0 {
			return nonce
		}
		return ext.Value
	}
	return nil
}

// Nonce returns the request nonce, or nil when absent.
func (req *OCSPRequest) Nonce() []byte {
	return nonceFromExtensions(req.TBSRequest.RequestExtensions)
}

// CertID returns the CertID of the first single request.
func (req *OCSPRequest) CertID() *CertID {
	if len(req.TBSRequest.RequestList) == 0 {
		return nil
	}
	id := req.TBSRequest.RequestList[0].ReqCert
	return &id
}

// Marshal encodes the OCSP request to DER format.
func (req *OCSPRequest) Marshal() ([]byte, error) {
	return asn1.Marshal(*req)
}

// ParseRequest parses a DER-encoded OCSP request.
func ParseRequest(data []byte) (*OCSPRequest, error) {
	var req OCSPRequest
	rest, err := asn1.Unmarshal(data, &req)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OCSP request: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after OCSP request")
	}

	if req.TBSRequest.Version != 0 {
		return nil, fmt.Errorf("unsupported OCSP request version: %d", req.TBSRequest.Version)
	}
	if len(req.TBSRequest.RequestList) == 0 {
		return nil, fmt.Errorf("OCSP request contains no certificate requests")
	}

	return &req, nil
}

// ParseRequestFromHTTP parses an OCSP request from an HTTP request.
// GET carries the base64 request as the path (RFC 6960 §A.1), POST carries
// the DER in the body.
func ParseRequestFromHTTP(r *http.Request) (*OCSPRequest, error) {
	switch r.Method {
	case http.MethodGet:
		return parseRequestFromGET(r)
	case http.MethodPost:
		return parseRequestFromPOST(r)
	default:
		return nil, fmt.Errorf("unsupported HTTP method: %s", r.Method)
	}
}

func parseRequestFromGET(r *http.Request) (*OCSPRequest, error) {
	return ParseRequestBase64(strings.TrimPrefix(r.URL.EscapedPath(), "/"))
}

// ParseRequestBase64 parses a URL-escaped base64 OCSP request as found in
// the path of a GET request.
func ParseRequestBase64(encoded string) (*OCSPRequest, error) {
	if encoded == "" {
		return nil, fmt.Errorf("empty OCSP request in GET path")
	}

	decoded, err := url.PathUnescape(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to URL-decode OCSP request: %w", err)
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawURLEncoding, base64.RawStdEncoding} {
		if data, err := enc.DecodeString(decoded); err == nil {
			return ParseRequest(data)
		}
	}
	return nil, fmt.Errorf("failed to base64-decode OCSP request")
}

func parseRequestFromPOST(r *http.Request) (*OCSPRequest, error) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/") {
		return nil, fmt.Errorf("invalid content type: %s", contentType)
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty OCSP request body")
	}

	return ParseRequest(data)
}

// subjectPublicKeyBytes returns the subjectPublicKey BIT STRING contents.
func subjectPublicKeyBytes(cert *x509.Certificate) ([]byte, error) {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil, err
	}
	return spki.PublicKey.Bytes, nil
}

func digest(h crypto.Hash, data []byte) []byte {
	hh := h.New()
	hh.Write(data)
	return hh.Sum(nil)
}
