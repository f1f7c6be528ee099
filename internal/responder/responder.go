// Package responder implements a small RFC 6960 OCSP responder backed by a
// YAML status table. It answers the requests the fetcher sends and is used
// both by `ocspfetch serve` and as the in-process peer of end-to-end tests.
package responder

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/remiblancher/ocsp-response-fetch/internal/ocsp"
)

// DefaultValidity is the nextUpdate - thisUpdate window of responses.
const DefaultValidity = time.Hour

// Config contains configuration for the OCSP responder.
type Config struct {
	// ResponderCert is the OCSP responder certificate (with EKU OCSPSigning).
	// If nil, the CA certificate is used directly (CA-signed mode).
	ResponderCert *x509.Certificate

	// Signer is the private key for signing OCSP responses.
	Signer crypto.Signer

	// CACert is the CA certificate that issued the certificates being checked.
	CACert *x509.Certificate

	Statuses *StatusTable

	// Validity is the duration for which responses are valid.
	// Default: the status table's validity, then 1 hour.
	Validity time.Duration

	// CopyNonce indicates whether to copy the request nonce to the response.
	CopyNonce bool

	// IncludeCerts indicates whether to include the responder certificate.
	IncludeCerts bool

	Now func() time.Time
}

// Responder signs OCSP responses for certificates of one CA.
type Responder struct {
	config Config
}

// New creates a new OCSP responder.
func New(config Config) (*Responder, error) {
	if config.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if config.CACert == nil {
		return nil, fmt.Errorf("CA certificate is required")
	}
	if config.Statuses == nil {
		return nil, fmt.Errorf("status table is required")
	}

	if config.ResponderCert == nil {
		config.ResponderCert = config.CACert
	} else if err := VerifyResponderCert(config.ResponderCert, config.CACert, time.Now()); err != nil {
		return nil, fmt.Errorf("invalid responder certificate: %w", err)
	}

	if config.Validity == 0 {
		config.Validity = config.Statuses.Validity()
	}
	if config.Validity == 0 {
		config.Validity = DefaultValidity
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Responder{config: config}, nil
}

// CACert returns the issuing CA certificate.
func (r *Responder) CACert() *x509.Certificate { return r.config.CACert }

// Statuses returns the table the responder answers from.
func (r *Responder) Statuses() *StatusTable { return r.config.Statuses }

// Respond answers every single request in req. A request without entries
// gets a malformedRequest response.
func (r *Responder) Respond(req *ocsp.OCSPRequest) ([]byte, []Served, error) {
	if req == nil || len(req.TBSRequest.RequestList) == 0 {
		der, err := ocsp.NewMalformedResponse()
		return der, nil, err
	}

	builder := ocsp.NewResponseBuilder(r.config.ResponderCert, r.config.Signer)
	builder.IncludeCerts(r.config.IncludeCerts)

	now := r.config.Now().UTC()
	builder.SetProducedAt(now)
	thisUpdate := now
	nextUpdate := now.Add(r.config.Validity)

	served := make([]Served, 0, len(req.TBSRequest.RequestList))
	for i := range req.TBSRequest.RequestList {
		certID := &req.TBSRequest.RequestList[i].ReqCert
		status := r.CheckStatus(certID)

		switch status.Status {
		case ocsp.CertStatusGood:
			builder.AddGood(certID, thisUpdate, nextUpdate)
		case ocsp.CertStatusRevoked:
			builder.AddRevoked(certID, thisUpdate, nextUpdate,
				status.RevocationTime, status.RevocationReason)
		default:
			builder.AddUnknown(certID, thisUpdate, nextUpdate)
		}
		served = append(served, Served{Serial: certID.SerialNumber, Status: status.Status})
	}

	if r.config.CopyNonce {
		if nonce := req.Nonce(); len(nonce) > 0 {
			builder.AddNonce(nonce)
		}
	}

	der, err := builder.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build OCSP response: %w", err)
	}
	return der, served, nil
}

// CheckStatus returns the status of the certificate named by certID.
// CertIDs for another issuer are answered unknown.
func (r *Responder) CheckStatus(certID *ocsp.CertID) StatusInfo {
	if !certID.MatchesIssuer(r.config.CACert) {
		return StatusInfo{Status: ocsp.CertStatusUnknown}
	}
	return r.config.Statuses.Lookup(certID.SerialNumber)
}

// VerifyResponderCert checks that cert may sign responses for issuer:
// either a CA certificate or an OCSPSigning delegate issued by issuer,
// valid at now.
func VerifyResponderCert(cert, issuer *x509.Certificate, now time.Time) error {
	hasOCSPSigning := false
	for _, eku := range cert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageOCSPSigning {
			hasOCSPSigning = true
			break
		}
	}
	if !cert.IsCA && !hasOCSPSigning {
		return fmt.Errorf("certificate does not have OCSP Signing extended key usage")
	}

	if issuer != nil && !bytes.Equal(cert.Raw, issuer.Raw) {
		if !bytes.Equal(cert.RawIssuer, issuer.RawSubject) {
			return fmt.Errorf("certificate was not issued by the specified CA")
		}
		if err := cert.CheckSignatureFrom(issuer); err != nil {
			return fmt.Errorf("certificate signature verification failed: %w", err)
		}
	}

	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate is not yet valid")
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("certificate has expired")
	}
	return nil
}
