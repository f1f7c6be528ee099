// Package fetcher obtains a validated OCSP response for one certificate.
//
// A Fetcher is built once per (subject, issuer) pair. Run consults the
// cache seam, otherwise builds a nonce-bound request, sends it to the
// responder named in the subject's AIA extension and validates the answer.
// A Fetcher holds no mutable state and Run may be called concurrently.
package fetcher

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/remiblancher/ocsp-response-fetch/internal/logging"
	"github.com/remiblancher/ocsp-response-fetch/internal/ocsp"
	"github.com/remiblancher/ocsp-response-fetch/internal/transport"
	"github.com/remiblancher/ocsp-response-fetch/internal/x509util"
)

// Fetcher fetches and validates the OCSP response for one certificate.
type Fetcher struct {
	subject *x509.Certificate

	// issuer and certID are nil when the issuer is fetched on each Run.
	issuer *x509.Certificate
	certID *ocsp.CertID

	ocspURL   string
	issuerURL string

	cfg       Config
	transport transport.Sender
	log       zerolog.Logger
	metrics   *metrics
}

// New prepares a Fetcher. issuer may be nil, in which case it is
// downloaded from the subject's caIssuers URL during Run. Every failure
// is a *SetupError.
func New(subject, issuer *x509.Certificate, cfg Config) (*Fetcher, error) {
	if subject == nil {
		return nil, setupError(ReasonNoSubject, nil)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, setupError(ReasonInvalidConfig, err)
	}

	ocspURL, err := firstURI(subject, x509util.OCSPURIs, ReasonNoOCSPURL)
	if err != nil {
		return nil, err
	}

	f := &Fetcher{
		subject: subject,
		ocspURL: ocspURL,
		cfg:     cfg,
	}

	if issuer == nil {
		f.issuerURL, err = firstURI(subject, x509util.CAIssuerURIs, ReasonNoIssuerURL)
		if err != nil {
			return nil, err
		}
	} else {
		f.certID, err = f.bindIssuer(issuer)
		if err != nil {
			return nil, err
		}
		f.issuer = issuer
	}

	f.transport = cfg.Transport
	if f.transport == nil {
		tc := transport.DefaultConfig()
		tc.Timeout = cfg.Timeout
		client, err := transport.New(tc)
		if err != nil {
			return nil, setupError(ReasonInvalidConfig, err)
		}
		f.transport = client
	}

	base := logging.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	f.log = base.With().
		Str("subject", subject.Subject.String()).
		Str("serial", serialHex(subject)).
		Str("url", ocspURL).
		Logger()

	f.metrics, err = newMetrics(cfg.Meter)
	if err != nil {
		return nil, setupError(ReasonInvalidConfig, err)
	}

	return f, nil
}

// firstURI returns the first absolute URI listed under one AIA access method.
func firstURI(cert *x509.Certificate, list func(*x509.Certificate) ([]string, error), missing string) (string, error) {
	uris, err := list(cert)
	switch {
	case errors.Is(err, x509util.ErrExtensionAbsent):
		return "", setupError(missing, err)
	case err != nil:
		return "", setupError(ReasonMalformedAIA, err)
	}

	uri, ok := x509util.FirstAbsoluteURI(uris)
	if !ok {
		return "", setupError(missing, nil)
	}
	return uri, nil
}

// bindIssuer derives the CertID and, in strict mode, verifies the chain.
func (f *Fetcher) bindIssuer(issuer *x509.Certificate) (*ocsp.CertID, error) {
	if f.cfg.Strict {
		if err := f.verifyChain(issuer); err != nil {
			return nil, err
		}
	}

	certID, err := ocsp.NewCertID(f.cfg.HashAlgorithm, issuer, f.subject)
	if err != nil {
		return nil, setupError(ReasonCertID, err)
	}
	return certID, nil
}

func (f *Fetcher) verifyChain(issuer *x509.Certificate) error {
	if err := f.subject.CheckSignatureFrom(issuer); err != nil {
		return setupError(ReasonIssuerMismatch, err)
	}

	inter := x509.NewCertPool()
	inter.AddCert(issuer)
	for _, c := range f.cfg.Intermediates {
		inter.AddCert(c)
	}

	_, err := f.subject.Verify(x509.VerifyOptions{
		Roots:         f.cfg.Roots,
		Intermediates: inter,
		CurrentTime:   f.cfg.Now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return setupError(ReasonChainInvalid, err)
	}
	return nil
}

// OCSPURL returns the responder URL taken from the subject's AIA extension.
func (f *Fetcher) OCSPURL() string { return f.ocspURL }

// IssuerURL returns the caIssuers URL used when no issuer was supplied.
func (f *Fetcher) IssuerURL() string { return f.issuerURL }

// Subject returns the certificate being checked.
func (f *Fetcher) Subject() *x509.Certificate { return f.subject }

// Issuer returns the issuer supplied to New, or nil.
func (f *Fetcher) Issuer() *x509.Certificate { return f.issuer }

// Run returns a fresh cached response or a newly fetched and validated one.
//
// Failures are one of: transport.ErrTimeout, transport.ErrTransport,
// ocsp.ErrMalformedResponse, ocsp.ErrFetchFailed, ocsp.ErrRevoked or
// ErrSetup. Cache hook failures never fail Run.
func (f *Fetcher) Run(ctx context.Context) (*ocsp.Response, error) {
	if resp := f.readCache(ctx); resp != nil {
		f.metrics.run(ctx, outcomeCacheHit)
		f.log.Debug().Str("status", statusOf(resp)).Msg("serving cached OCSP response")
		f.audited(f.cfg.Audit.OCSPCacheHit(f.subject, statusOf(resp), resp.FirstNextUpdate()))
		return resp, nil
	}

	resp, err := f.fetch(ctx)
	if err != nil {
		f.failed(ctx, err)
		return nil, err
	}

	f.writeCache(ctx, resp)

	f.metrics.run(ctx, outcomeGood)
	f.log.Debug().
		Time("next_update", resp.Matched.NextUpdate).
		Msg("OCSP response validated")
	f.audited(f.cfg.Audit.OCSPFetched(f.subject, f.ocspURL, statusOf(resp),
		ocsp.HashName(resp.Matched.CertID.HashAlgorithm.Algorithm), resp.Matched.NextUpdate))
	return resp, nil
}

func (f *Fetcher) fetch(ctx context.Context) (*ocsp.Response, error) {
	issuer, certID, err := f.resolveIssuer(ctx)
	if err != nil {
		return nil, err
	}

	req, err := ocsp.BuildRequest(certID, f.cfg.NonceLength)
	if err != nil {
		return nil, fmt.Errorf("failed to build OCSP request: %w", err)
	}
	der, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode OCSP request: %w", err)
	}

	f.log.Debug().Int("request_size", len(der)).Msg("sending OCSP request")
	raw, err := f.transport.Send(ctx, der, f.ocspURL, f.cfg.Timeout)
	if err != nil {
		return nil, err
	}

	intermediates := append([]*x509.Certificate{f.subject, issuer}, f.cfg.Intermediates...)
	return ocsp.Validate(raw, req, &ocsp.ValidateOptions{
		Issuer:        issuer,
		Roots:         f.cfg.Roots,
		Intermediates: intermediates,
		NoncePolicy:   f.cfg.NoncePolicy,
		ClockSkew:     f.cfg.ClockSkew,
		Now:           f.cfg.Now,
	})
}

// resolveIssuer returns the supplied issuer, or downloads it from the
// caIssuers URL. The download is the second network round trip of a run.
func (f *Fetcher) resolveIssuer(ctx context.Context) (*x509.Certificate, *ocsp.CertID, error) {
	if f.issuer != nil {
		return f.issuer, f.certID, nil
	}

	f.metrics.issuerFetch.Add(ctx, 1)
	f.log.Debug().Str("issuer_url", f.issuerURL).Msg("fetching issuer certificate")

	data, err := f.transport.FetchCertificate(ctx, f.issuerURL, f.cfg.Timeout)
	if err != nil {
		f.audited(f.cfg.Audit.IssuerFetched(nil, f.issuerURL, false, err.Error()))
		return nil, nil, err
	}

	issuer, err := x509util.ParseCertificate(data)
	if err != nil {
		f.audited(f.cfg.Audit.IssuerFetched(nil, f.issuerURL, false, err.Error()))
		return nil, nil, setupError(ReasonBadIssuer, err)
	}

	certID, err := f.bindIssuer(issuer)
	if err != nil {
		f.audited(f.cfg.Audit.IssuerFetched(issuer, f.issuerURL, false, err.Error()))
		return nil, nil, err
	}

	f.audited(f.cfg.Audit.IssuerFetched(issuer, f.issuerURL, true, ""))
	return issuer, certID, nil
}

func (f *Fetcher) readCache(ctx context.Context) *ocsp.Response {
	if f.cfg.ReadCache == nil {
		return nil
	}

	resp, err := f.cfg.ReadCache(ctx)
	if err != nil {
		f.metrics.cacheError(ctx, "read")
		f.log.Warn().Err(err).Msg("cache read failed, fetching from responder")
		return nil
	}
	if resp == nil {
		f.metrics.cacheMisses.Add(ctx, 1)
		f.log.Warn().Msg("cache miss")
		return nil
	}
	return resp
}

func (f *Fetcher) writeCache(ctx context.Context, resp *ocsp.Response) {
	if f.cfg.WriteCache == nil {
		return
	}
	if err := f.cfg.WriteCache(ctx, resp); err != nil {
		f.metrics.cacheError(ctx, "write")
		f.log.Warn().Err(err).Msg("cache write failed")
	}
}

func (f *Fetcher) failed(ctx context.Context, err error) {
	var revoked *ocsp.RevokedError
	if errors.As(err, &revoked) {
		f.metrics.run(ctx, outcomeRevoked)
		f.log.Error().
			Time("revoked_at", revoked.RevocationTime).
			Str("reason", revoked.RevocationReason.String()).
			Msg("certificate revoked")
		f.audited(f.cfg.Audit.RevokedDetected(f.subject, f.ocspURL,
			revoked.RevocationReason.String(), revoked.RevocationTime))
		return
	}

	f.metrics.run(ctx, outcomeFailed)
	f.log.Warn().Err(err).Msg("OCSP fetch failed")
	f.audited(f.cfg.Audit.OCSPFetchFailed(f.subject, f.ocspURL, failureReason(err)))
}

// audited downgrades an audit write failure to a log entry.
func (f *Fetcher) audited(err error) {
	if err != nil {
		f.log.Error().Err(err).Msg("audit write failed")
	}
}

// failureReason condenses err into a short audit reason.
func failureReason(err error) string {
	if r := ocsp.Reason(err); r != "" {
		return r
	}
	var setup *SetupError
	switch {
	case errors.As(err, &setup):
		return setup.Reason
	case transport.IsTimeout(err):
		return "timeout"
	case ocsp.IsMalformed(err):
		return "malformed response"
	case ocsp.IsInvalidInput(err):
		return "invalid input"
	}
	return err.Error()
}

func statusOf(resp *ocsp.Response) string {
	if resp.Matched != nil {
		return resp.Matched.Status.String()
	}
	if len(resp.Responses) > 0 {
		return resp.Responses[0].Status.String()
	}
	return resp.Status.String()
}

func serialHex(cert *x509.Certificate) string {
	if cert.SerialNumber == nil {
		return ""
	}
	return strings.ToUpper(cert.SerialNumber.Text(16))
}
