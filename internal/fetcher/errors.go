package fetcher

import (
	"errors"
	"fmt"
)

// ErrSetup is the sentinel matched by every *SetupError.
var ErrSetup = errors.New("OCSP fetch setup failed")

// Setup failure reasons.
const (
	ReasonNoSubject      = "no subject certificate"
	ReasonNoOCSPURL      = "no OCSP URL"
	ReasonNoIssuerURL    = "no issuer URL"
	ReasonBadIssuer      = "invalid issuer certificate"
	ReasonCertID         = "cannot derive certificate ID"
	ReasonChainInvalid   = "chain verification failed"
	ReasonInvalidConfig  = "invalid configuration"
	ReasonMalformedAIA   = "malformed authority information access"
	ReasonIssuerMismatch = "issuer did not sign subject"
)

// SetupError reports bad input certificates, an undiscoverable URL or a
// failed chain check. It is always fatal to the caller.
type SetupError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("setup: %s: %v", e.Reason, e.Err)
	}
	return "setup: " + e.Reason
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SetupError) Unwrap() error { return e.Err }

// Is reports whether target is ErrSetup.
func (e *SetupError) Is(target error) bool { return target == ErrSetup }

func setupError(reason string, err error) *SetupError {
	return &SetupError{Reason: reason, Err: err}
}

// IsSetup reports whether err is a setup failure.
func IsSetup(err error) bool {
	return errors.Is(err, ErrSetup)
}
