package ocsp

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// testKeyPair holds a key pair for testing.
type testKeyPair struct {
	PrivateKey crypto.Signer
	PublicKey  crypto.PublicKey
	Algorithm  string
}

// generateECDSAKeyPair generates an ECDSA key pair for testing.
func generateECDSAKeyPair(t *testing.T, curve elliptic.Curve) *testKeyPair {
	t.Helper()
	priv, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate ECDSA key: %v", err)
	}
	return &testKeyPair{
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
		Algorithm:  "ECDSA",
	}
}

// generateRSAKeyPair generates an RSA key pair for testing.
func generateRSAKeyPair(t *testing.T, bits int) *testKeyPair {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}
	return &testKeyPair{
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
		Algorithm:  "RSA",
	}
}

// generateEd25519KeyPair generates an Ed25519 key pair for testing.
func generateEd25519KeyPair(t *testing.T) *testKeyPair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate Ed25519 key: %v", err)
	}
	return &testKeyPair{
		PrivateKey: priv,
		PublicKey:  pub,
		Algorithm:  "Ed25519",
	}
}

func randomSerial(t *testing.T) *big.Int {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("Failed to generate serial number: %v", err)
	}
	return serialNumber
}

// generateTestCA creates a test CA certificate and key pair.
func generateTestCA(t *testing.T) (*x509.Certificate, crypto.Signer) {
	t.Helper()
	return generateTestCAWithKey(t, generateECDSAKeyPair(t, elliptic.P256()))
}

// generateTestCAWithKey creates a test CA with a specified key type.
func generateTestCAWithKey(t *testing.T, kp *testKeyPair) (*x509.Certificate, crypto.Signer) {
	t.Helper()

	template := &x509.Certificate{
		SerialNumber: randomSerial(t),
		Subject: pkix.Name{
			CommonName:   "Test CA",
			Organization: []string{"Test Org"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, kp.PublicKey, kp.PrivateKey)
	if err != nil {
		t.Fatalf("Failed to create CA certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("Failed to parse CA certificate: %v", err)
	}

	return cert, kp.PrivateKey
}

// issueTestCertificate issues a leaf certificate signed by a CA, with an
// OCSP responder URL in its AIA extension.
func issueTestCertificate(t *testing.T, caCert *x509.Certificate, caKey crypto.Signer, kp *testKeyPair) *x509.Certificate {
	t.Helper()

	template := &x509.Certificate{
		SerialNumber: randomSerial(t),
		Subject: pkix.Name{
			CommonName:   "Test End Entity",
			Organization: []string{"Test Org"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		OCSPServer:            []string{"http://localhost/ocsp"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, kp.PublicKey, caKey)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}

	return cert
}

// generateOCSPResponderCert creates a delegated OCSP responder certificate.
func generateOCSPResponderCert(t *testing.T, caCert *x509.Certificate, caKey crypto.Signer, kp *testKeyPair) *x509.Certificate {
	t.Helper()
	return issueResponderCert(t, caCert, caKey, kp, []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning})
}

// issueResponderCert creates a responder certificate with the given EKUs.
func issueResponderCert(t *testing.T, caCert *x509.Certificate, caKey crypto.Signer, kp *testKeyPair, ekus []x509.ExtKeyUsage) *x509.Certificate {
	t.Helper()

	template := &x509.Certificate{
		SerialNumber: randomSerial(t),
		Subject: pkix.Name{
			CommonName:   "Test OCSP Responder",
			Organization: []string{"Test Org"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           ekus,
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, kp.PublicKey, caKey)
	if err != nil {
		t.Fatalf("Failed to create OCSP responder certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("Failed to parse OCSP responder certificate: %v", err)
	}

	return cert
}

// testPKI bundles a CA, a leaf issued by it and a delegated responder.
type testPKI struct {
	CA           *x509.Certificate
	CAKey        crypto.Signer
	Leaf         *x509.Certificate
	Responder    *x509.Certificate
	ResponderKey crypto.Signer
	CertID       *CertID
	Request      *OCSPRequest
	RequestNonce []byte
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	caCert, caKey := generateTestCA(t)
	leaf := issueTestCertificate(t, caCert, caKey, generateECDSAKeyPair(t, elliptic.P256()))
	respKP := generateECDSAKeyPair(t, elliptic.P256())
	responder := generateOCSPResponderCert(t, caCert, caKey, respKP)

	certID, err := NewCertID(DefaultHash, caCert, leaf)
	if err != nil {
		t.Fatalf("NewCertID failed: %v", err)
	}
	req, err := BuildRequest(certID, DefaultNonceLength)
	if err != nil {
		t.Fatalf("BuildRequest failed: %v", err)
	}

	return &testPKI{
		CA:           caCert,
		CAKey:        caKey,
		Leaf:         leaf,
		Responder:    responder,
		ResponderKey: respKP.PrivateKey,
		CertID:       certID,
		Request:      req,
		RequestNonce: req.Nonce(),
	}
}

// goodResponse builds a delegated-responder "good" response echoing the nonce.
func (p *testPKI) goodResponse(t *testing.T) []byte {
	t.Helper()
	now := time.Now()
	data, err := NewResponseBuilder(p.Responder, p.ResponderKey).
		AddGood(p.CertID, now.Add(-time.Hour), now.Add(time.Hour)).
		AddNonce(p.RequestNonce).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return data
}

func (p *testPKI) options() *ValidateOptions {
	return &ValidateOptions{
		Issuer:    p.CA,
		ClockSkew: DefaultClockSkew,
	}
}

// =============================================================================
// PQC Test Helpers
// =============================================================================

// generateMLDSA65CA creates a self-signed ML-DSA-65 CA certificate. crypto/x509
// cannot sign with ML-DSA, so the certificate is assembled by hand.
func generateMLDSA65CA(t *testing.T) (*x509.Certificate, crypto.Signer) {
	t.Helper()

	pub, priv, err := mldsa65.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate ML-DSA-65 key: %v", err)
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		t.Fatalf("Failed to marshal ML-DSA-65 public key: %v", err)
	}

	spki, err := asn1.Marshal(struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: OIDMLDSA65},
		PublicKey: asn1.BitString{Bytes: pubBytes, BitLength: len(pubBytes) * 8},
	})
	if err != nil {
		t.Fatalf("Failed to marshal SPKI: %v", err)
	}

	name := pkix.RDNSequence{
		pkix.RelativeDistinguishedNameSET{
			pkix.AttributeTypeAndValue{Type: asn1.ObjectIdentifier{2, 5, 4, 3}, Value: "Test PQC CA"},
		},
	}

	tbs, err := asn1.Marshal(struct {
		Version            int `asn1:"optional,explicit,default:0,tag:0"`
		SerialNumber       *big.Int
		SignatureAlgorithm pkix.AlgorithmIdentifier
		Issuer             pkix.RDNSequence
		Validity           struct {
			NotBefore, NotAfter time.Time
		}
		Subject              pkix.RDNSequence
		SubjectPublicKeyInfo asn1.RawValue
	}{
		Version:            2,
		SerialNumber:       randomSerial(t),
		SignatureAlgorithm: pkix.AlgorithmIdentifier{Algorithm: OIDMLDSA65},
		Issuer:             name,
		Validity: struct {
			NotBefore, NotAfter time.Time
		}{
			NotBefore: time.Now().Add(-time.Hour).UTC(),
			NotAfter:  time.Now().Add(24 * time.Hour).UTC(),
		},
		Subject:              name,
		SubjectPublicKeyInfo: asn1.RawValue{FullBytes: spki},
	})
	if err != nil {
		t.Fatalf("Failed to marshal TBSCertificate: %v", err)
	}

	sig, err := priv.Sign(rand.Reader, tbs, crypto.Hash(0))
	if err != nil {
		t.Fatalf("Failed to sign TBSCertificate: %v", err)
	}

	der, err := asn1.Marshal(struct {
		TBSCertificate     asn1.RawValue
		SignatureAlgorithm pkix.AlgorithmIdentifier
		SignatureValue     asn1.BitString
	}{
		TBSCertificate:     asn1.RawValue{FullBytes: tbs},
		SignatureAlgorithm: pkix.AlgorithmIdentifier{Algorithm: OIDMLDSA65},
		SignatureValue:     asn1.BitString{Bytes: sig, BitLength: len(sig) * 8},
	})
	if err != nil {
		t.Fatalf("Failed to marshal certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}

	return cert, priv
}
