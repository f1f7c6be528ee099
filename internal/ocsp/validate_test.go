package ocsp

import (
	"bytes"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"math/big"
	"testing"
	"time"
)

// =============================================================================
// Outcome Tests
// =============================================================================

// TestU_Validate_GoodDelegated tests a good response from a delegated responder.
func TestU_Validate_GoodDelegated(t *testing.T) {
	p := newTestPKI(t)

	resp, err := Validate(p.goodResponse(t), p.Request, p.options())
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if resp.Matched == nil || resp.Matched.Status != CertStatusGood {
		t.Fatalf("Expected matched good entry, got %+v", resp.Matched)
	}
	if !isSameCertificate(resp.Signer, p.Responder) {
		t.Error("Signer should be the delegated responder")
	}
}

// TestU_Validate_GoodIssuerSigned tests a good response signed by the issuer.
func TestU_Validate_GoodIssuerSigned(t *testing.T) {
	p := newTestPKI(t)
	now := time.Now()

	data, err := NewResponseBuilder(p.CA, p.CAKey).
		IncludeCerts(false).
		AddGood(p.CertID, now, now.Add(time.Hour)).
		AddNonce(p.RequestNonce).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	resp, err := Validate(data, p.Request, p.options())
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !isSameCertificate(resp.Signer, p.CA) {
		t.Error("Signer should be the issuer")
	}
}

// TestU_Validate_Revoked tests that a revoked entry yields a RevokedError.
func TestU_Validate_Revoked(t *testing.T) {
	p := newTestPKI(t)
	now := time.Now().Truncate(time.Second)
	revokedAt := now.Add(-48 * time.Hour)

	data, err := NewResponseBuilder(p.Responder, p.ResponderKey).
		AddRevoked(p.CertID, now, now.Add(time.Hour), revokedAt, ReasonCACompromise).
		AddNonce(p.RequestNonce).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	_, err = Validate(data, p.Request, p.options())
	if !IsRevoked(err) {
		t.Fatalf("Expected revoked error, got %v", err)
	}

	var revErr *RevokedError
	if !errors.As(err, &revErr) {
		t.Fatalf("Expected *RevokedError, got %T", err)
	}
	if revErr.SerialNumber.Cmp(p.Leaf.SerialNumber) != 0 {
		t.Errorf("Serial mismatch: %v", revErr.SerialNumber)
	}
	if !revErr.RevocationTime.Equal(revokedAt) {
		t.Errorf("Expected revocation time %v, got %v", revokedAt, revErr.RevocationTime)
	}
	if revErr.RevocationReason != ReasonCACompromise {
		t.Errorf("Expected cACompromise, got %v", revErr.RevocationReason)
	}
	if revErr.Response == nil || revErr.Response.Signer == nil {
		t.Error("RevokedError should carry the validated response")
	}
	if IsFetchFailed(err) {
		t.Error("Revoked is not a fetch failure")
	}
}

// TestU_Validate_RevokedPastNextUpdate tests that revocation is reported even
// when the entry's validity window has closed.
func TestU_Validate_RevokedPastNextUpdate(t *testing.T) {
	p := newTestPKI(t)
	now := time.Now().Truncate(time.Second)

	data, err := NewResponseBuilder(p.Responder, p.ResponderKey).
		AddRevoked(p.CertID, now.Add(-48*time.Hour), now.Add(-24*time.Hour), now.Add(-72*time.Hour), ReasonKeyCompromise).
		AddNonce(p.RequestNonce).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	_, err = Validate(data, p.Request, p.options())
	if !IsRevoked(err) {
		t.Fatalf("Expected revoked error, got %v", err)
	}
	if IsFetchFailed(err) {
		t.Error("Revoked must not be reported as expired")
	}
}

// TestU_Validate_UnknownInvalid tests that an unknown entry is rejected.
func TestU_Validate_UnknownInvalid(t *testing.T) {
	p := newTestPKI(t)
	now := time.Now()

	data, err := NewResponseBuilder(p.Responder, p.ResponderKey).
		AddUnknown(p.CertID, now, now.Add(time.Hour)).
		AddNonce(p.RequestNonce).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	_, err = Validate(data, p.Request, p.options())
	if Reason(err) != ReasonStatusUnknown {
		t.Errorf("Expected %q, got %v", ReasonStatusUnknown, err)
	}
}

// TestU_Validate_ErrorStatusInvalid tests non-successful response statuses.
func TestU_Validate_ErrorStatusInvalid(t *testing.T) {
	p := newTestPKI(t)

	for _, status := range []ResponseStatus{StatusMalformedRequest, StatusInternalError, StatusTryLater, StatusSigRequired, StatusUnauthorized} {
		t.Run(status.String(), func(t *testing.T) {
			data, err := NewErrorResponse(status)
			if err != nil {
				t.Fatalf("NewErrorResponse failed: %v", err)
			}

			_, err = Validate(data, p.Request, p.options())
			var ff *FetchFailedError
			if !errors.As(err, &ff) {
				t.Fatalf("Expected *FetchFailedError, got %v", err)
			}
			if ff.Reason != ReasonStatusNotSuccessful {
				t.Errorf("Expected %q, got %q", ReasonStatusNotSuccessful, ff.Reason)
			}
			if ff.Status != status {
				t.Errorf("Expected status %v, got %v", status, ff.Status)
			}
		})
	}
}

// TestU_Validate_MalformedInvalid tests undecodable input.
func TestU_Validate_MalformedInvalid(t *testing.T) {
	p := newTestPKI(t)

	for _, data := range [][]byte{nil, {0x30, 0x00}, []byte("garbage")} {
		_, err := Validate(data, p.Request, p.options())
		if !IsMalformed(err) {
			t.Errorf("Expected malformed error for %x, got %v", data, err)
		}
		if IsFetchFailed(err) {
			t.Errorf("Malformed input should not be a fetch failure")
		}
	}
}

// TestU_Validate_MissingInputs tests argument checks.
func TestU_Validate_MissingInputs(t *testing.T) {
	p := newTestPKI(t)
	data := p.goodResponse(t)

	if _, err := Validate(data, nil, p.options()); !IsInvalidInput(err) {
		t.Errorf("Expected invalid input for nil request, got %v", err)
	}
	if _, err := Validate(data, p.Request, nil); !IsInvalidInput(err) {
		t.Errorf("Expected invalid input for nil options, got %v", err)
	}
	if _, err := Validate(data, p.Request, &ValidateOptions{}); !IsInvalidInput(err) {
		t.Errorf("Expected invalid input for missing issuer, got %v", err)
	}
	if _, err := Validate(data, &OCSPRequest{}, p.options()); !IsInvalidInput(err) {
		t.Errorf("Expected invalid input for request without CertID, got %v", err)
	}
}

// =============================================================================
// Nonce Tests
// =============================================================================

// TestU_Validate_NonceMismatchInvalid tests a response echoing another nonce.
func TestU_Validate_NonceMismatchInvalid(t *testing.T) {
	p := newTestPKI(t)
	now := time.Now()

	other, _ := GenerateNonce(DefaultNonceLength)
	data, err := NewResponseBuilder(p.Responder, p.ResponderKey).
		AddGood(p.CertID, now, now.Add(time.Hour)).
		AddNonce(other).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	_, err = Validate(data, p.Request, p.options())
	if Reason(err) != ReasonNonceMismatch {
		t.Errorf("Expected %q, got %v", ReasonNonceMismatch, err)
	}
}

// TestU_Validate_NonceAbsent tests both nonce policies on a response without nonce.
func TestU_Validate_NonceAbsent(t *testing.T) {
	p := newTestPKI(t)
	now := time.Now()

	data, err := NewResponseBuilder(p.Responder, p.ResponderKey).
		AddGood(p.CertID, now, now.Add(time.Hour)).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if _, err := Validate(data, p.Request, p.options()); err != nil {
		t.Errorf("Optional policy should accept a missing nonce: %v", err)
	}

	opts := p.options()
	opts.NoncePolicy = NonceRequired
	_, err = Validate(data, p.Request, opts)
	if Reason(err) != ReasonNonceMissing {
		t.Errorf("Expected %q, got %v", ReasonNonceMissing, err)
	}
}

// TestU_Validate_RequestWithoutNonce tests that the nonce check is skipped
// when the request carried none.
func TestU_Validate_RequestWithoutNonce(t *testing.T) {
	p := newTestPKI(t)
	p.Request.TBSRequest.RequestExtensions = nil

	opts := p.options()
	opts.NoncePolicy = NonceRequired
	if _, err := Validate(p.goodResponse(t), p.Request, opts); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

// TestU_ParseNoncePolicy tests nonce policy names.
func TestU_ParseNoncePolicy(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want NoncePolicy
	}{
		{"", NonceOptional},
		{"optional", NonceOptional},
		{"required", NonceRequired},
	} {
		got, err := ParseNoncePolicy(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("ParseNoncePolicy(%q) = %v, %v", tc.in, got, err)
		}
	}
	if _, err := ParseNoncePolicy("always"); err == nil {
		t.Error("Expected error for invalid policy")
	}
}

// =============================================================================
// Signature and Authorization Tests
// =============================================================================

// TestU_Validate_TamperedSignatureInvalid tests rejection of a bad signature.
func TestU_Validate_TamperedSignatureInvalid(t *testing.T) {
	p := newTestPKI(t)

	_, err := Validate(tamperSignature(t, p.goodResponse(t)), p.Request, p.options())
	if Reason(err) != ReasonSignatureInvalid {
		t.Errorf("Expected %q, got %v", ReasonSignatureInvalid, err)
	}
}

// TestU_Validate_TamperedDataInvalid tests that the signature covers the
// received ResponseData bytes.
func TestU_Validate_TamperedDataInvalid(t *testing.T) {
	p := newTestPKI(t)
	data := p.goodResponse(t)

	var outer OCSPResponse
	if _, err := asn1.Unmarshal(data, &outer); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	var basic BasicOCSPResponse
	if _, err := asn1.Unmarshal(outer.ResponseBytes.Response, &basic); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	// Flip the last byte of the serial number inside the signed data.
	serial := p.CertID.SerialNumber.Bytes()
	raw := append([]byte(nil), basic.TBSResponseData.Raw...)
	idx := bytes.LastIndex(raw, serial)
	if idx < 0 {
		t.Fatal("serial not found in ResponseData")
	}
	raw[idx+len(serial)-1] ^= 0x01
	basic.TBSResponseData = ResponseData{Raw: raw}

	outer.ResponseBytes.Response, _ = asn1.Marshal(basic)
	tampered, _ := asn1.Marshal(outer)

	_, err := Validate(tampered, p.Request, p.options())
	if Reason(err) != ReasonSignatureInvalid {
		t.Errorf("Expected %q, got %v", ReasonSignatureInvalid, err)
	}
}

// TestU_Validate_ResponderWithoutEKUInvalid tests a delegate lacking OCSPSigning.
func TestU_Validate_ResponderWithoutEKUInvalid(t *testing.T) {
	p := newTestPKI(t)
	kp := generateECDSAKeyPair(t, elliptic.P256())
	responder := issueResponderCert(t, p.CA, p.CAKey, kp, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth})
	now := time.Now()

	data, err := NewResponseBuilder(responder, kp.PrivateKey).
		AddGood(p.CertID, now, now.Add(time.Hour)).
		AddNonce(p.RequestNonce).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	_, err = Validate(data, p.Request, p.options())
	if Reason(err) != ReasonSignatureInvalid {
		t.Errorf("Expected %q, got %v", ReasonSignatureInvalid, err)
	}
}

// TestU_Validate_ResponderFromOtherCAInvalid tests a delegate issued by another CA.
func TestU_Validate_ResponderFromOtherCAInvalid(t *testing.T) {
	p := newTestPKI(t)
	otherCA, otherKey := generateTestCA(t)
	kp := generateECDSAKeyPair(t, elliptic.P256())
	responder := generateOCSPResponderCert(t, otherCA, otherKey, kp)
	now := time.Now()

	data, err := NewResponseBuilder(responder, kp.PrivateKey).
		AddGood(p.CertID, now, now.Add(time.Hour)).
		AddNonce(p.RequestNonce).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	_, err = Validate(data, p.Request, p.options())
	if Reason(err) != ReasonSignatureInvalid {
		t.Errorf("Expected %q, got %v", ReasonSignatureInvalid, err)
	}
}

// TestU_Validate_ResponderNotEmbedded tests locating the signer through
// Intermediates when the response carries no certificates.
func TestU_Validate_ResponderNotEmbedded(t *testing.T) {
	p := newTestPKI(t)
	now := time.Now()

	data, err := NewResponseBuilder(p.Responder, p.ResponderKey).
		IncludeCerts(false).
		AddGood(p.CertID, now, now.Add(time.Hour)).
		AddNonce(p.RequestNonce).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	_, err = Validate(data, p.Request, p.options())
	if Reason(err) != ReasonSignatureInvalid {
		t.Errorf("Expected %q without the responder certificate, got %v", ReasonSignatureInvalid, err)
	}

	opts := p.options()
	opts.Intermediates = []*x509.Certificate{p.Responder}
	if _, err := Validate(data, p.Request, opts); err != nil {
		t.Errorf("Validate with responder in Intermediates failed: %v", err)
	}
}

// TestU_Validate_ResponderIDByName tests the byName responder ID.
func TestU_Validate_ResponderIDByName(t *testing.T) {
	p := newTestPKI(t)
	now := time.Now()

	data, err := NewResponseBuilder(p.Responder, p.ResponderKey).
		ResponderIDByName(true).
		AddGood(p.CertID, now, now.Add(time.Hour)).
		AddNonce(p.RequestNonce).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if _, err := Validate(data, p.Request, p.options()); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

// TestU_Validate_Roots tests chain verification against trust anchors.
func TestU_Validate_Roots(t *testing.T) {
	p := newTestPKI(t)
	data := p.goodResponse(t)

	roots := x509.NewCertPool()
	roots.AddCert(p.CA)
	opts := p.options()
	opts.Roots = roots
	if _, err := Validate(data, p.Request, opts); err != nil {
		t.Errorf("Validate with matching roots failed: %v", err)
	}

	otherCA, _ := generateTestCA(t)
	wrong := x509.NewCertPool()
	wrong.AddCert(otherCA)
	opts.Roots = wrong
	_, err := Validate(data, p.Request, opts)
	if Reason(err) != ReasonSignatureInvalid {
		t.Errorf("Expected %q with foreign roots, got %v", ReasonSignatureInvalid, err)
	}
}

// =============================================================================
// Entry and Time Window Tests
// =============================================================================

// TestU_Validate_NoMatchingEntryInvalid tests a response about another certificate.
func TestU_Validate_NoMatchingEntryInvalid(t *testing.T) {
	p := newTestPKI(t)
	now := time.Now()

	other, _ := NewCertIDFromSerial(DefaultHash, p.CA, big.NewInt(99))
	data, err := NewResponseBuilder(p.Responder, p.ResponderKey).
		AddGood(other, now, now.Add(time.Hour)).
		AddNonce(p.RequestNonce).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	_, err = Validate(data, p.Request, p.options())
	if Reason(err) != ReasonNoMatchingEntry {
		t.Errorf("Expected %q, got %v", ReasonNoMatchingEntry, err)
	}
}

// TestU_Validate_TimeWindow tests thisUpdate/nextUpdate checks with clock skew.
func TestU_Validate_TimeWindow(t *testing.T) {
	now := time.Now().Truncate(time.Second)

	tests := []struct {
		name       string
		thisUpdate time.Time
		nextUpdate time.Time
		reason     string
	}{
		{"current", now.Add(-time.Hour), now.Add(time.Hour), ""},
		{"thisUpdate within skew", now.Add(2 * time.Minute), now.Add(time.Hour), ""},
		{"thisUpdate in future", now.Add(10 * time.Minute), now.Add(time.Hour), ReasonNotYetValid},
		{"nextUpdate within skew", now.Add(-time.Hour), now.Add(-2 * time.Minute), ""},
		{"nextUpdate passed", now.Add(-2 * time.Hour), now.Add(-10 * time.Minute), ReasonExpired},
		{"no nextUpdate", now.Add(-time.Hour), time.Time{}, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestPKI(t)
			data, err := NewResponseBuilder(p.Responder, p.ResponderKey).
				AddGood(p.CertID, tc.thisUpdate, tc.nextUpdate).
				AddNonce(p.RequestNonce).
				Build()
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}

			opts := p.options()
			opts.Now = func() time.Time { return now }
			_, err = Validate(data, p.Request, opts)

			if tc.reason == "" {
				if err != nil {
					t.Errorf("Validate failed: %v", err)
				}
				return
			}
			if Reason(err) != tc.reason {
				t.Errorf("Expected %q, got %v", tc.reason, err)
			}
		})
	}
}

// TestU_Validate_CheckOrder tests that the nonce is checked before the signature.
func TestU_Validate_CheckOrder(t *testing.T) {
	p := newTestPKI(t)
	now := time.Now()

	other, _ := GenerateNonce(DefaultNonceLength)
	data, err := NewResponseBuilder(p.Responder, p.ResponderKey).
		AddGood(p.CertID, now, now.Add(time.Hour)).
		AddNonce(other).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	_, err = Validate(tamperSignature(t, data), p.Request, p.options())
	if Reason(err) != ReasonNonceMismatch {
		t.Errorf("Expected %q, got %v", ReasonNonceMismatch, err)
	}
}

// TestU_Validate_Deterministic tests that repeated validation agrees.
func TestU_Validate_Deterministic(t *testing.T) {
	p := newTestPKI(t)
	data := p.goodResponse(t)

	for i := 0; i < 3; i++ {
		if _, err := Validate(data, p.Request, p.options()); err != nil {
			t.Fatalf("run %d: Validate failed: %v", i, err)
		}
	}
}

// =============================================================================
// PQC Tests
// =============================================================================

// TestU_Validate_MLDSA65IssuerSigned tests an ML-DSA-65 issuer signing its
// own responses.
func TestU_Validate_MLDSA65IssuerSigned(t *testing.T) {
	caCert, caKey := generateMLDSA65CA(t)

	certID, err := NewCertIDFromSerial(DefaultHash, caCert, big.NewInt(0x1234))
	if err != nil {
		t.Fatalf("NewCertIDFromSerial failed: %v", err)
	}
	req, err := BuildRequest(certID, 0)
	if err != nil {
		t.Fatalf("BuildRequest failed: %v", err)
	}

	now := time.Now()
	data, err := NewResponseBuilder(caCert, caKey).
		AddGood(certID, now, now.Add(time.Hour)).
		AddNonce(req.Nonce()).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	resp, err := Validate(data, req, &ValidateOptions{Issuer: caCert, ClockSkew: DefaultClockSkew})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !resp.SignatureAlgorithm.Equal(OIDMLDSA65) {
		t.Errorf("Expected ML-DSA-65, got %v", resp.SignatureAlgorithm)
	}

	_, err = Validate(tamperSignature(t, data), req, &ValidateOptions{Issuer: caCert})
	if Reason(err) != ReasonSignatureInvalid {
		t.Errorf("Expected %q for tampered ML-DSA signature, got %v", ReasonSignatureInvalid, err)
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// tamperSignature flips a bit in the signature of an OCSP response.
func tamperSignature(t *testing.T, data []byte) []byte {
	t.Helper()

	var resp OCSPResponse
	if _, err := asn1.Unmarshal(data, &resp); err != nil {
		t.Fatalf("Failed to parse OCSP response: %v", err)
	}

	var basicResp BasicOCSPResponse
	if _, err := asn1.Unmarshal(resp.ResponseBytes.Response, &basicResp); err != nil {
		t.Fatalf("Failed to parse BasicOCSPResponse: %v", err)
	}

	if len(basicResp.Signature.Bytes) > 0 {
		basicResp.Signature.Bytes[0] ^= 0xFF
	}

	basicRespBytes, err := asn1.Marshal(basicResp)
	if err != nil {
		t.Fatalf("Failed to marshal BasicOCSPResponse: %v", err)
	}
	resp.ResponseBytes.Response = basicRespBytes

	result, err := asn1.Marshal(resp)
	if err != nil {
		t.Fatalf("Failed to marshal OCSP response: %v", err)
	}
	return result
}
