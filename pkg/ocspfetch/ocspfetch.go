// Package ocspfetch is the public API of the OCSP response fetcher.
//
// A Fetcher is bound to one subject certificate. Run discovers the
// responder from the subject's Authority Information Access extension,
// sends a nonce-bearing request and returns the validated response:
//
//	f, err := ocspfetch.New(leaf, issuer, ocspfetch.Config{})
//	if err != nil {
//		return err // setup failure
//	}
//	resp, err := f.Run(ctx)
//	switch {
//	case ocspfetch.IsRevoked(err):
//		// reject the certificate
//	case err != nil:
//		// soft failure: no usable response
//	}
//	staple(resp.Raw)
package ocspfetch

import (
	"context"
	"crypto/x509"

	"github.com/remiblancher/ocsp-response-fetch/internal/audit"
	"github.com/remiblancher/ocsp-response-fetch/internal/cache"
	"github.com/remiblancher/ocsp-response-fetch/internal/fetcher"
	"github.com/remiblancher/ocsp-response-fetch/internal/ocsp"
	"github.com/remiblancher/ocsp-response-fetch/internal/transport"
)

type (
	// Fetcher retrieves OCSP responses for one subject certificate.
	Fetcher = fetcher.Fetcher
	// Config tunes a Fetcher. The zero value is usable.
	Config = fetcher.Config
	// Response is a validated OCSP response.
	Response = ocsp.Response
	// NoncePolicy decides whether a response may omit the nonce.
	NoncePolicy = ocsp.NoncePolicy
	// CertStatus is good, revoked or unknown.
	CertStatus = ocsp.CertStatus

	// RevokedError carries the revocation time and reason.
	RevokedError = ocsp.RevokedError
	// FetchFailedError is a protocol-level rejection.
	FetchFailedError = ocsp.FetchFailedError
	// SetupError reports unusable input certificates or configuration.
	SetupError = fetcher.SetupError

	// Store is a cache backend.
	Store = cache.Store
	// CacheOptions tunes the freshness check of cached responses.
	CacheOptions = cache.Options
	// ReadCacheFunc and WriteCacheFunc are the cache hooks of Config.
	ReadCacheFunc  = cache.ReadFunc
	WriteCacheFunc = cache.WriteFunc

	// AuditRecorder writes fetch outcomes to a hash-chained log.
	AuditRecorder = audit.Recorder
)

const (
	NonceOptional = ocsp.NonceOptional
	NonceRequired = ocsp.NonceRequired

	CertStatusGood    = ocsp.CertStatusGood
	CertStatusRevoked = ocsp.CertStatusRevoked
	CertStatusUnknown = ocsp.CertStatusUnknown
)

// Error classes returned by New and Run. Match them with errors.Is.
var (
	ErrSetup             = fetcher.ErrSetup
	ErrRevoked           = ocsp.ErrRevoked
	ErrFetchFailed       = ocsp.ErrFetchFailed
	ErrMalformedResponse = ocsp.ErrMalformedResponse
	ErrTransport         = transport.ErrTransport
	ErrTimeout           = transport.ErrTimeout
)

// New validates the inputs and returns a Fetcher for subject. A nil issuer
// is downloaded from the subject's caIssuers URL on each uncached Run.
func New(subject, issuer *x509.Certificate, cfg Config) (*Fetcher, error) {
	return fetcher.New(subject, issuer, cfg)
}

// Fetch is New followed by a single Run.
func Fetch(ctx context.Context, subject, issuer *x509.Certificate, cfg Config) (*Response, error) {
	f, err := fetcher.New(subject, issuer, cfg)
	if err != nil {
		return nil, err
	}
	return f.Run(ctx)
}

// WithStore wires store into cfg as the cache of subject's responses.
func WithStore(cfg Config, store Store, subject *x509.Certificate, opts CacheOptions) Config {
	cfg.ReadCache, cfg.WriteCache = cache.Hooks(store, cache.Key(subject), opts)
	return cfg
}

// NewMemoryStore returns an in-process cache.
func NewMemoryStore() Store {
	return cache.NewMemoryStore()
}

// OpenAuditLog returns a recorder appending to the log at path, creating it
// if needed. An empty path gives a recorder that records nothing. The
// caller closes the recorder.
func OpenAuditLog(path string) (*AuditRecorder, error) {
	w, err := audit.Open(path)
	if err != nil {
		return nil, err
	}
	return audit.NewRecorder(w), nil
}

// VerifyAuditLog checks the hash chain of the log at path and returns the
// number of events verified.
func VerifyAuditLog(path string) (int, error) {
	return audit.VerifyChain(path)
}

// IsRevoked reports whether err carries a revoked status.
func IsRevoked(err error) bool { return ocsp.IsRevoked(err) }

// IsSetup reports whether err is a setup failure.
func IsSetup(err error) bool { return fetcher.IsSetup(err) }
