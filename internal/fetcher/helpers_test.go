package fetcher

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/remiblancher/ocsp-response-fetch/internal/audit"
	"github.com/remiblancher/ocsp-response-fetch/internal/ocsp"
	"github.com/remiblancher/ocsp-response-fetch/internal/transport"
)

// =============================================================================
// Test PKI
// =============================================================================

type testPKI struct {
	ca    *x509.Certificate
	caKey crypto.Signer
	leaf  *x509.Certificate
}

// newTestPKI issues a CA and a leaf whose AIA extension lists ocspURL and
// issuerURL. Empty URLs are left out.
func newTestPKI(t *testing.T, ocspURL, issuerURL string) *testPKI {
	t.Helper()

	ca, caKey := newCA(t, "Fetcher Test CA")
	return &testPKI{
		ca:    ca,
		caKey: caKey,
		leaf:  issueLeaf(t, ca, caKey, ocspURL, issuerURL),
	}
}

func newCA(t *testing.T, cn string) (*x509.Certificate, crypto.Signer) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func issueLeaf(t *testing.T, ca *x509.Certificate, caKey crypto.Signer, ocspURL, issuerURL string) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(0x1234AB),
		Subject:      pkix.Name{CommonName: "leaf.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(12 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"leaf.example.com"},
	}
	if ocspURL != "" {
		template.OCSPServer = []string{ocspURL}
	}
	if issuerURL != "" {
		template.IssuingCertificateURL = []string{issuerURL}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func x509PoolOf(certs ...*x509.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool
}

// =============================================================================
// Fake responder
// =============================================================================

// fakeResponder answers OCSP requests in-process as the CA would.
type fakeResponder struct {
	pki *testPKI

	status     ocsp.CertStatus
	omitNonce  bool
	wrongNonce bool
	nextUpdate time.Duration // defaults to one hour
	raw        []byte        // returned verbatim when set
	sendErr    error
	issuerDER  []byte
	fetchErr   error

	sends   atomic.Int32
	fetches atomic.Int32

	mu      sync.Mutex
	lastURI string
}

var _ transport.Sender = (*fakeResponder)(nil)

func (r *fakeResponder) Send(_ context.Context, request []byte, uri string, _ time.Duration) ([]byte, error) {
	r.sends.Add(1)
	r.mu.Lock()
	r.lastURI = uri
	r.mu.Unlock()

	if r.sendErr != nil {
		return nil, r.sendErr
	}
	if r.raw != nil {
		return r.raw, nil
	}

	req, err := ocsp.ParseRequest(request)
	if err != nil {
		return nil, err
	}
	return r.respond(req)
}

func (r *fakeResponder) respond(req *ocsp.OCSPRequest) ([]byte, error) {
	now := time.Now()
	next := r.nextUpdate
	if next == 0 {
		next = time.Hour
	}

	b := ocsp.NewResponseBuilder(r.pki.ca, r.pki.caKey)
	switch r.status {
	case ocsp.CertStatusRevoked:
		b.AddRevoked(req.CertID(), now.Add(-time.Minute), now.Add(next), now.Add(-time.Hour), ocsp.ReasonKeyCompromise)
	case ocsp.CertStatusUnknown:
		b.AddUnknown(req.CertID(), now.Add(-time.Minute), now.Add(next))
	default:
		b.AddGood(req.CertID(), now.Add(-time.Minute), now.Add(next))
	}

	if !r.omitNonce {
		nonce := req.Nonce()
		if r.wrongNonce {
			nonce = bytes.Repeat([]byte{0x42}, len(nonce))
		}
		b.AddNonce(nonce)
	}
	return b.Build()
}

func (r *fakeResponder) FetchCertificate(context.Context, string, time.Duration) ([]byte, error) {
	r.fetches.Add(1)
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	if r.issuerDER != nil {
		return r.issuerDER, nil
	}
	return r.pki.ca.Raw, nil
}

func (r *fakeResponder) uri() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastURI
}

// handler serves the fake responder over HTTP, plus the CA certificate at
// /ca.der.
func (r *fakeResponder) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ca.der", func(w http.ResponseWriter, _ *http.Request) {
		r.fetches.Add(1)
		w.Header().Set("Content-Type", "application/pkix-cert")
		_, _ = w.Write(r.pki.ca.Raw)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		r.sends.Add(1)
		if req.Header.Get("Content-Type") != transport.ContentTypeRequest {
			t.Errorf("Content-Type = %q", req.Header.Get("Content-Type"))
		}
		parsed, err := ocsp.ParseRequestFromHTTP(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body, err := r.respond(parsed)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", transport.ContentTypeResponse)
		_, _ = w.Write(body)
	})
	return mux
}

// =============================================================================
// Cache and audit doubles
// =============================================================================

type cacheSpy struct {
	mu      sync.Mutex
	reads   int
	writes  int
	written []*ocsp.Response
	hit     *ocsp.Response
	readErr error
	putErr  error
}

func (c *cacheSpy) read(context.Context) (*ocsp.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	return c.hit, c.readErr
}

func (c *cacheSpy) write(_ context.Context, resp *ocsp.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	c.written = append(c.written, resp)
	return c.putErr
}

type auditSpy struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (a *auditSpy) Write(e *audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *auditSpy) Close() error { return nil }

func (a *auditSpy) LastHash() string { return audit.GenesisHash }

func (a *auditSpy) types() []audit.EventType {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]audit.EventType, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.EventType)
	}
	return out
}
