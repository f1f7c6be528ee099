package ocsp

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"
)

// DefaultClockSkew is the tolerance applied to thisUpdate/nextUpdate checks.
const DefaultClockSkew = 5 * time.Minute

// NoncePolicy controls how a response without a nonce is treated.
type NoncePolicy int

const (
	// NonceOptional accepts responses that omit the nonce extension.
	// A present nonce must still match.
	NonceOptional NoncePolicy = iota
	// NonceRequired rejects responses that omit the nonce extension.
	NonceRequired
)

// String returns the configuration name of the policy.
func (p NoncePolicy) String() string {
	switch p {
	case NonceOptional:
		return "optional"
	case NonceRequired:
		return "required"
	default:
		return fmt.Sprintf("NoncePolicy(%d)", int(p))
	}
}

// ParseNoncePolicy parses "optional" or "required". Empty means optional.
func ParseNoncePolicy(s string) (NoncePolicy, error) {
	switch s {
	case "", "optional":
		return NonceOptional, nil
	case "required":
		return NonceRequired, nil
	default:
		return 0, fmt.Errorf("invalid nonce policy: %q", s)
	}
}

// SingleResponseInfo is the decoded status of one certificate.
type SingleResponseInfo struct {
	CertID           CertID
	Status           CertStatus
	ThisUpdate       time.Time
	NextUpdate       time.Time
	RevocationTime   time.Time
	RevocationReason RevocationReason
}

// Response is a decoded OCSP response. Raw holds the exact bytes it was
// decoded from.
type Response struct {
	Raw    []byte
	Status ResponseStatus

	// The fields below are only set for successful responses.
	ProducedAt         time.Time
	ResponderName      []byte // DER Name when the responder is identified byName
	ResponderKeyHash   []byte // SHA-1 key hash when identified byKey
	SignatureAlgorithm asn1.ObjectIdentifier
	Nonce              []byte
	Certificates       []*x509.Certificate
	Responses          []SingleResponseInfo

	// Set by Validate.
	Signer  *x509.Certificate
	Matched *SingleResponseInfo
}

// FirstNextUpdate returns the nextUpdate of the first status entry, or the
// zero time when there is none.
func (r *Response) FirstNextUpdate() time.Time {
	if len(r.Responses) == 0 {
		return time.Time{}
	}
	return r.Responses[0].NextUpdate
}

// Find returns the status entry matching id, or nil.
func (r *Response) Find(id *CertID) *SingleResponseInfo {
	for i := range r.Responses {
		if r.Responses[i].CertID.Equal(id) {
			return &r.Responses[i]
		}
	}
	return nil
}

// ParseResponse decodes an OCSP response without verifying it.
// Non-successful responses decode to a Response carrying only the status.
func ParseResponse(raw []byte) (*Response, error) {
	resp, _, err := decode(raw)
	return resp, err
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}

func decode(raw []byte) (*Response, *BasicOCSPResponse, error) {
	var outer OCSPResponse
	rest, err := asn1.Unmarshal(raw, &outer)
	if err != nil {
		return nil, nil, malformed("%v", err)
	}
	if len(rest) > 0 {
		return nil, nil, malformed("trailing data after OCSP response")
	}

	resp := &Response{
		Raw:    raw,
		Status: ResponseStatus(outer.Status),
	}
	if resp.Status != StatusSuccessful {
		return resp, nil, nil
	}

	if !outer.ResponseBytes.ResponseType.Equal(OIDOcspBasic) {
		return nil, nil, malformed("unsupported response type: %v", outer.ResponseBytes.ResponseType)
	}

	var basic BasicOCSPResponse
	rest, err = asn1.Unmarshal(outer.ResponseBytes.Response, &basic)
	if err != nil {
		return nil, nil, malformed("BasicOCSPResponse: %v", err)
	}
	if len(rest) > 0 {
		return nil, nil, malformed("trailing data after BasicOCSPResponse")
	}

	data := &basic.TBSResponseData
	resp.ProducedAt = data.ProducedAt
	resp.SignatureAlgorithm = basic.SignatureAlgorithm.Algorithm
	resp.Nonce = nonceFromExtensions(data.ResponseExtensions)

	switch data.ResponderID.Tag {
	case 1:
		resp.ResponderName = data.ResponderID.Bytes
	case 2:
		var keyHash []byte
		if _, err := asn1.Unmarshal(data.ResponderID.Bytes, &keyHash); err != nil {
			return nil, nil, malformed("responder key hash: %v", err)
		}
		resp.ResponderKeyHash = keyHash
	default:
		return nil, nil, malformed("unknown responder ID tag: %d", data.ResponderID.Tag)
	}

	for _, rawCert := range basic.Certs {
		cert, err := x509.ParseCertificate(rawCert.FullBytes)
		if err != nil {
			return nil, nil, malformed("embedded certificate: %v", err)
		}
		resp.Certificates = append(resp.Certificates, cert)
	}

	for _, sr := range data.Responses {
		info := SingleResponseInfo{
			CertID:     sr.CertID,
			ThisUpdate: sr.ThisUpdate,
			NextUpdate: sr.NextUpdate,
		}
		info.Status, info.RevocationTime, info.RevocationReason, err = parseCertStatus(sr.CertStatus)
		if err != nil {
			return nil, nil, malformed("%v", err)
		}
		resp.Responses = append(resp.Responses, info)
	}

	return resp, &basic, nil
}

// parseCertStatus parses the certificate status from the ASN.1 CHOICE.
func parseCertStatus(raw asn1.RawValue) (CertStatus, time.Time, RevocationReason, error) {
	if raw.Class != asn1.ClassContextSpecific {
		return 0, time.Time{}, 0, fmt.Errorf("invalid cert status class: %d", raw.Class)
	}

	switch raw.Tag {
	case 0: // good [0] IMPLICIT NULL
		return CertStatusGood, time.Time{}, 0, nil

	case 1: // revoked [1] IMPLICIT RevokedInfo
		var info RevokedInfo
		if _, err := asn1.UnmarshalWithParams(raw.FullBytes, &info, "tag:1"); err != nil {
			return 0, time.Time{}, 0, fmt.Errorf("failed to parse RevokedInfo: %w", err)
		}
		return CertStatusRevoked, info.RevocationTime, RevocationReason(info.RevocationReason), nil

	case 2: // unknown [2] IMPLICIT NULL
		return CertStatusUnknown, time.Time{}, 0, nil

	default:
		return 0, time.Time{}, 0, fmt.Errorf("unknown cert status tag: %d", raw.Tag)
	}
}

// ValidateOptions carries the trust material and policy for Validate.
type ValidateOptions struct {
	// Issuer is the certificate that issued the certificate being checked.
	Issuer *x509.Certificate

	// Roots, when set, are the trust anchors the response signer must chain to.
	// When nil only issuer authorization (RFC 6960 §4.2.2.2) is enforced.
	Roots *x509.CertPool

	// Intermediates are extra untrusted certificates used to build chains,
	// typically the subject and issuer themselves.
	Intermediates []*x509.Certificate

	NoncePolicy NoncePolicy

	// ClockSkew is the tolerance applied to thisUpdate and nextUpdate.
	ClockSkew time.Duration

	// Now returns the validation time. Defaults to time.Now.
	Now func() time.Time
}

func (o *ValidateOptions) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Validate decodes and checks an OCSP response against the request it
// answers. Checks run in order and stop at the first failure:
//
//  1. decoding (ErrMalformedResponse)
//  2. response status must be successful
//  3. nonce echo
//  4. signature and responder authorization
//  5. a status entry matching the request CertID
//  6. a revoked entry yields *RevokedError regardless of its validity window
//  7. entry validity window
//  8. certificate status: unknown is rejected
//
// Validate has no side effects; the same inputs always give the same result.
func Validate(raw []byte, req *OCSPRequest, opts *ValidateOptions) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", ErrInvalidInput)
	}
	if opts == nil || opts.Issuer == nil {
		return nil, fmt.Errorf("%w: issuer certificate is required", ErrInvalidInput)
	}
	certID := req.CertID()
	if certID == nil {
		return nil, fmt.Errorf("%w: request carries no CertID", ErrInvalidInput)
	}

	resp, basic, err := decode(raw)
	if err != nil {
		return nil, err
	}

	if resp.Status != StatusSuccessful {
		return nil, &FetchFailedError{Reason: ReasonStatusNotSuccessful, Status: resp.Status}
	}

	if err := checkNonce(req.Nonce(), resp.Nonce, opts.NoncePolicy); err != nil {
		return nil, err
	}

	signer, err := verifyResponse(resp, basic, opts)
	if err != nil {
		return nil, NewFetchFailed(ReasonSignatureInvalid, err)
	}
	resp.Signer = signer

	entry := resp.Find(certID)
	if entry == nil {
		return nil, NewFetchFailed(ReasonNoMatchingEntry, nil)
	}
	resp.Matched = entry

	if entry.Status == CertStatusRevoked {
		return nil, &RevokedError{
			SerialNumber:     entry.CertID.SerialNumber,
			RevocationTime:   entry.RevocationTime,
			RevocationReason: entry.RevocationReason,
			Response:         resp,
		}
	}

	now := opts.now()
	if entry.ThisUpdate.After(now.Add(opts.ClockSkew)) {
		return nil, NewFetchFailed(ReasonNotYetValid, fmt.Errorf("thisUpdate %s", entry.ThisUpdate.Format(time.RFC3339)))
	}
	if !entry.NextUpdate.IsZero() && entry.NextUpdate.Before(now.Add(-opts.ClockSkew)) {
		return nil, NewFetchFailed(ReasonExpired, fmt.Errorf("nextUpdate %s", entry.NextUpdate.Format(time.RFC3339)))
	}

	if entry.Status != CertStatusGood {
		return nil, NewFetchFailed(ReasonStatusUnknown, nil)
	}
	return resp, nil
}

func checkNonce(reqNonce, respNonce []byte, policy NoncePolicy) error {
	if len(reqNonce) == 0 {
		return nil
	}
	if respNonce == nil {
		if policy == NonceRequired {
			return NewFetchFailed(ReasonNonceMissing, nil)
		}
		return nil
	}
	if !bytes.Equal(reqNonce, respNonce) {
		return NewFetchFailed(ReasonNonceMismatch, nil)
	}
	return nil
}

// verifyResponse locates the signer named by the ResponderID, verifies the
// signature over the received ResponseData and checks that the signer may
// speak for the issuer.
func verifyResponse(resp *Response, basic *BasicOCSPResponse, opts *ValidateOptions) (*x509.Certificate, error) {
	candidates := make([]*x509.Certificate, 0, len(resp.Certificates)+1+len(opts.Intermediates))
	candidates = append(candidates, resp.Certificates...)
	candidates = append(candidates, opts.Issuer)
	candidates = append(candidates, opts.Intermediates...)

	sig := basic.Signature.RightAlign()
	lastErr := errors.New("no certificate matches the responder ID")

	for _, cand := range candidates {
		if !matchesResponderID(resp, cand) {
			continue
		}
		if err := verifySignature(cand, resp.SignatureAlgorithm, basic.TBSResponseData.Raw, sig); err != nil {
			lastErr = err
			continue
		}
		if err := authorizeSigner(cand, resp, opts); err != nil {
			return nil, err
		}
		return cand, nil
	}

	return nil, lastErr
}

func matchesResponderID(resp *Response, cert *x509.Certificate) bool {
	if resp.ResponderName != nil {
		return bytes.Equal(resp.ResponderName, cert.RawSubject)
	}
	keyHash, err := responderKeyHash(cert)
	if err != nil {
		return false
	}
	return bytes.Equal(keyHash, resp.ResponderKeyHash)
}

// authorizeSigner applies RFC 6960 §4.2.2.2: the signer is the issuer itself,
// or a certificate issued directly by it with id-kp-OCSPSigning. With Roots
// set, the signer must also chain to a trust anchor.
func authorizeSigner(signer *x509.Certificate, resp *Response, opts *ValidateOptions) error {
	issuer := opts.Issuer
	now := opts.now()

	if isSameCertificate(signer, issuer) {
		if opts.Roots != nil {
			if err := verifyChain(issuer, resp, opts, x509.ExtKeyUsageAny, now); err != nil {
				return fmt.Errorf("issuer does not chain to a trust anchor: %w", err)
			}
		}
		return nil
	}

	if err := checkIssuedBy(signer, issuer); err != nil {
		return fmt.Errorf("delegated responder not issued by the certificate issuer: %w", err)
	}
	if !hasOCSPSigning(signer) {
		return fmt.Errorf("responder certificate does not have id-kp-OCSPSigning EKU")
	}
	if now.Before(signer.NotBefore) || now.After(signer.NotAfter) {
		return fmt.Errorf("responder certificate is outside its validity period")
	}

	if opts.Roots != nil {
		if err := verifyChain(signer, resp, opts, x509.ExtKeyUsageOCSPSigning, now); err != nil {
			return fmt.Errorf("responder does not chain to a trust anchor: %w", err)
		}
	}
	return nil
}

func verifyChain(cert *x509.Certificate, resp *Response, opts *ValidateOptions, usage x509.ExtKeyUsage, now time.Time) error {
	inter := x509.NewCertPool()
	inter.AddCert(opts.Issuer)
	for _, c := range opts.Intermediates {
		inter.AddCert(c)
	}
	for _, c := range resp.Certificates {
		inter.AddCert(c)
	}

	_, err := cert.Verify(x509.VerifyOptions{
		Roots:         opts.Roots,
		Intermediates: inter,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{usage},
	})
	return err
}

func isSameCertificate(a, b *x509.Certificate) bool {
	if bytes.Equal(a.Raw, b.Raw) {
		return true
	}
	return bytes.Equal(a.RawSubject, b.RawSubject) &&
		bytes.Equal(a.RawSubjectPublicKeyInfo, b.RawSubjectPublicKeyInfo)
}

// checkIssuedBy verifies cert was signed by issuer, including PQC issuers
// whose keys crypto/x509 cannot use.
func checkIssuedBy(cert, issuer *x509.Certificate) error {
	if !bytes.Equal(cert.RawIssuer, issuer.RawSubject) {
		return fmt.Errorf("issuer name mismatch")
	}
	if issuer.PublicKeyAlgorithm != x509.UnknownPublicKeyAlgorithm {
		return cert.CheckSignatureFrom(issuer)
	}

	var outer struct {
		TBS       asn1.RawValue
		Algorithm struct {
			Algorithm asn1.ObjectIdentifier
			Params    asn1.RawValue `asn1:"optional"`
		}
		Signature asn1.BitString
	}
	if _, err := asn1.Unmarshal(cert.Raw, &outer); err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}
	return verifyPQCSignature(issuer, outer.Algorithm.Algorithm, cert.RawTBSCertificate, outer.Signature.RightAlign())
}

func hasOCSPSigning(cert *x509.Certificate) bool {
	for _, eku := range cert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageOCSPSigning {
			return true
		}
	}
	// PQC certificates may leave the EKU unparsed
	for _, oid := range cert.UnknownExtKeyUsage {
		if oid.Equal(OIDExtKeyUsageOCSPSigning) {
			return true
		}
	}
	return false
}
