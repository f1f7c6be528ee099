package audit

import (
	"crypto/x509"
	"fmt"
	"strings"
	"time"
)

// Sources reported in event context.
const (
	SourceCache   = "cache"
	SourceNetwork = "network"
)

// Recorder writes OCSP domain events to a Writer. A nil *Recorder, or one
// built on a nil Writer, records nothing.
//
// If a Recorder method returns an error the calling operation decides
// whether to fail; the fetcher downgrades it to a warning.
type Recorder struct {
	w     Writer
	actor *Actor
}

// NewRecorder wraps w. A nil w disables recording.
func NewRecorder(w Writer) *Recorder {
	if w == nil {
		w = NopWriter{}
	}
	return &Recorder{w: w}
}

// WithActor returns a copy of r that stamps events with actor.
func (r *Recorder) WithActor(actor Actor) *Recorder {
	if r == nil {
		return nil
	}
	return &Recorder{w: r.w, actor: &actor}
}

// Enabled reports whether events reach a real writer.
func (r *Recorder) Enabled() bool {
	if r == nil {
		return false
	}
	_, nop := r.w.(NopWriter)
	return !nop
}

// Log writes event and wraps any failure.
func (r *Recorder) Log(event *Event) error {
	if r == nil {
		return nil
	}
	if r.actor != nil {
		event.WithActor(*r.actor)
	}
	if err := r.w.Write(event); err != nil {
		return fmt.Errorf("audit log failed: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.w.Close()
}

// CertificateObject describes cert for an event.
func CertificateObject(cert *x509.Certificate) Object {
	obj := Object{Type: "certificate"}
	if cert == nil {
		return obj
	}
	obj.Subject = cert.Subject.String()
	obj.Issuer = cert.Issuer.String()
	if cert.SerialNumber != nil {
		obj.Serial = strings.ToUpper(cert.SerialNumber.Text(16))
	}
	return obj
}

func formatNextUpdate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// OCSPFetched records a response obtained from a responder and validated.
func (r *Recorder) OCSPFetched(cert *x509.Certificate, url, status, hashAlg string, nextUpdate time.Time) error {
	return r.Log(NewEvent(EventOCSPFetched, ResultSuccess).
		WithObject(CertificateObject(cert)).
		WithContext(Context{
			URL:        url,
			Source:     SourceNetwork,
			Status:     status,
			NextUpdate: formatNextUpdate(nextUpdate),
			Algorithm:  hashAlg,
		}))
}

// OCSPCacheHit records a fresh response served from the cache.
func (r *Recorder) OCSPCacheHit(cert *x509.Certificate, status string, nextUpdate time.Time) error {
	return r.Log(NewEvent(EventOCSPCacheHit, ResultSuccess).
		WithObject(CertificateObject(cert)).
		WithContext(Context{
			Source:     SourceCache,
			Status:     status,
			NextUpdate: formatNextUpdate(nextUpdate),
		}))
}

// OCSPFetchFailed records a run that ended without a usable response.
func (r *Recorder) OCSPFetchFailed(cert *x509.Certificate, url, reason string) error {
	return r.Log(NewEvent(EventOCSPFetchFailed, ResultFailure).
		WithObject(CertificateObject(cert)).
		WithContext(Context{
			URL:    url,
			Source: SourceNetwork,
			Reason: reason,
		}))
}

// RevokedDetected records a responder asserting that cert is revoked.
func (r *Recorder) RevokedDetected(cert *x509.Certificate, url, reason string, revokedAt time.Time) error {
	return r.Log(NewEvent(EventCertRevokedDetected, ResultFailure).
		WithObject(CertificateObject(cert)).
		WithContext(Context{
			URL:    url,
			Status: "revoked",
			Reason: fmt.Sprintf("%s at %s", reason, revokedAt.UTC().Format(time.RFC3339)),
		}))
}

// IssuerFetched records an issuer certificate downloaded via caIssuers.
func (r *Recorder) IssuerFetched(issuer *x509.Certificate, url string, success bool, reason string) error {
	result := ResultSuccess
	if !success {
		result = ResultFailure
	}
	return r.Log(NewEvent(EventIssuerFetched, result).
		WithObject(CertificateObject(issuer)).
		WithContext(Context{
			URL:    url,
			Source: SourceNetwork,
			Reason: reason,
		}))
}

// ResponseServed records a response produced by the local responder.
func (r *Recorder) ResponseServed(serial, status, remote string) error {
	return r.Log(NewEvent(EventOCSPResponseServed, ResultSuccess).
		WithActor(Actor{Type: "service", ID: "ocspfetch-responder", Host: remote}).
		WithObject(Object{Type: "ocsp_response", Serial: serial}).
		WithContext(Context{Status: status}))
}
