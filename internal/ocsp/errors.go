package ocsp

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Sentinel errors for the validation outcome classes.
var (
	// ErrMalformedResponse is returned when the response bytes cannot be decoded.
	ErrMalformedResponse = errors.New("malformed OCSP response")

	// ErrFetchFailed is returned for protocol-level rejections. The concrete
	// error is a *FetchFailedError carrying the reason.
	ErrFetchFailed = errors.New("OCSP fetch failed")

	// ErrRevoked is returned when the responder reports the certificate as
	// revoked. The concrete error is a *RevokedError.
	ErrRevoked = errors.New("certificate revoked")

	// ErrInvalidInput is returned when Validate is called without a request,
	// an issuer or a CertID. It reports a caller bug, not a responder answer.
	ErrInvalidInput = errors.New("invalid validation input")
)

// Rejection reasons carried by FetchFailedError.
const (
	ReasonStatusNotSuccessful = "response status not successful"
	ReasonNonceMismatch       = "nonce mismatch"
	ReasonNonceMissing        = "nonce missing"
	ReasonSignatureInvalid    = "signature invalid"
	ReasonNoMatchingEntry     = "no matching status entry"
	ReasonStatusUnknown       = "status unknown"
	ReasonNotYetValid         = "response not yet valid"
	ReasonExpired             = "response expired"
)

// FetchFailedError is a protocol-level rejection of an OCSP response.
type FetchFailedError struct {
	Reason string
	// Status is set when the rejection is a non-successful response status.
	Status ResponseStatus
	Err    error
}

// Error implements the error interface.
func (e *FetchFailedError) Error() string {
	msg := "OCSP fetch failed: " + e.Reason
	if e.Reason == ReasonStatusNotSuccessful {
		msg += fmt.Sprintf(" (%s)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *FetchFailedError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrFetchFailed.
func (e *FetchFailedError) Is(target error) bool {
	return target == ErrFetchFailed
}

// NewFetchFailed creates a FetchFailedError.
func NewFetchFailed(reason string, err error) *FetchFailedError {
	return &FetchFailedError{Reason: reason, Err: err}
}

// RevokedError reports a revoked certificate.
type RevokedError struct {
	SerialNumber     *big.Int
	RevocationTime   time.Time
	RevocationReason RevocationReason
	// Response is the validated response that carried the revocation.
	Response *Response
}

// Error implements the error interface.
func (e *RevokedError) Error() string {
	serial := "?"
	if e.SerialNumber != nil {
		serial = e.SerialNumber.Text(16)
	}
	return fmt.Sprintf("certificate %s revoked at %s (reason: %s)",
		serial, e.RevocationTime.UTC().Format(time.RFC3339), e.RevocationReason)
}

// Is reports whether target is ErrRevoked.
func (e *RevokedError) Is(target error) bool {
	return target == ErrRevoked
}

// IsRevoked checks if an error reports a revoked certificate.
func IsRevoked(err error) bool {
	return errors.Is(err, ErrRevoked)
}

// IsMalformed checks if an error reports undecodable response bytes.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedResponse)
}

// IsInvalidInput checks if an error reports missing Validate arguments.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsFetchFailed checks if an error is a protocol-level rejection.
func IsFetchFailed(err error) bool {
	return errors.Is(err, ErrFetchFailed)
}

// Reason returns the rejection reason of a FetchFailedError, or "".
func Reason(err error) string {
	var ff *FetchFailedError
	if errors.As(err, &ff) {
		return ff.Reason
	}
	return ""
}
