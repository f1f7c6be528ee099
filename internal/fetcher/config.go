package fetcher

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/remiblancher/ocsp-response-fetch/internal/audit"
	"github.com/remiblancher/ocsp-response-fetch/internal/cache"
	"github.com/remiblancher/ocsp-response-fetch/internal/ocsp"
	"github.com/remiblancher/ocsp-response-fetch/internal/transport"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultHashAlgorithm = ocsp.DefaultHash
	DefaultNonceLength   = ocsp.DefaultNonceLength
	DefaultTimeout       = transport.DefaultTimeout
	DefaultClockSkew     = ocsp.DefaultClockSkew
)

// Config carries everything a Fetcher needs besides the two certificates.
// The zero value is usable.
type Config struct {
	// HashAlgorithm is the CertID digest. Defaults to SHA-1.
	HashAlgorithm crypto.Hash

	// NonceLength is the request nonce size in bytes (16..32).
	NonceLength int

	// NoncePolicy decides whether a response without a nonce is accepted.
	NoncePolicy ocsp.NoncePolicy

	// Timeout bounds each network round trip. Defaults to 2s.
	Timeout time.Duration

	// ClockSkew is tolerated on thisUpdate/nextUpdate. Defaults to 5m;
	// a negative value disables the tolerance.
	ClockSkew time.Duration

	// Roots are the trust anchors. Nil limits response signer checks to
	// issuer authorization.
	Roots *x509.CertPool

	// Intermediates are extra certificates used to build chains.
	Intermediates []*x509.Certificate

	// Strict verifies the subject/issuer chain against Roots (or the
	// system pool when Roots is nil) before any request is sent.
	Strict bool

	// ReadCache and WriteCache are the optional cache seam.
	ReadCache  cache.ReadFunc
	WriteCache cache.WriteFunc

	// Transport defaults to a transport.Client built from DefaultConfig.
	Transport transport.Sender

	// Logger defaults to logging.Logger.
	Logger *zerolog.Logger

	// Audit records fetch outcomes. Nil records nothing.
	Audit *audit.Recorder

	// Meter defaults to the global otel meter provider.
	Meter metric.Meter

	// Now defaults to time.Now.
	Now func() time.Time
}

func (c *Config) applyDefaults() error {
	if c.HashAlgorithm == 0 {
		c.HashAlgorithm = DefaultHashAlgorithm
	}
	if _, ok := ocsp.HashToOID(c.HashAlgorithm); !ok {
		return fmt.Errorf("unsupported CertID hash algorithm: %v", c.HashAlgorithm)
	}
	if c.NonceLength == 0 {
		c.NonceLength = DefaultNonceLength
	}
	if c.NonceLength < ocsp.MinNonceLength || c.NonceLength > ocsp.MaxNonceLength {
		return fmt.Errorf("nonce length %d out of range [%d, %d]",
			c.NonceLength, ocsp.MinNonceLength, ocsp.MaxNonceLength)
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	switch {
	case c.ClockSkew == 0:
		c.ClockSkew = DefaultClockSkew
	case c.ClockSkew < 0:
		c.ClockSkew = 0
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}
