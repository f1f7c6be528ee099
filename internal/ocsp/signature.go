package ocsp

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
	"github.com/cloudflare/circl/sign/slhdsa"
)

var errUnsupportedKey = errors.New("unsupported key type")

// signData signs an encoded ResponseData with the responder key.
func signData(signer crypto.Signer, data []byte) ([]byte, pkix.AlgorithmIdentifier, error) {
	pub := signer.Public()

	switch pubKey := pub.(type) {
	case *ecdsa.PublicKey:
		var hashAlg crypto.Hash
		var sigAlg asn1.ObjectIdentifier

		switch pubKey.Curve.Params().BitSize {
		case 256:
			hashAlg, sigAlg = crypto.SHA256, OIDECDSAWithSHA256
		case 384:
			hashAlg, sigAlg = crypto.SHA384, OIDECDSAWithSHA384
		case 521:
			hashAlg, sigAlg = crypto.SHA512, OIDECDSAWithSHA512
		default:
			return nil, pkix.AlgorithmIdentifier{}, fmt.Errorf("unsupported ECDSA curve size: %d", pubKey.Curve.Params().BitSize)
		}

		sig, err := signer.Sign(rand.Reader, digest(hashAlg, data), hashAlg)
		return sig, pkix.AlgorithmIdentifier{Algorithm: sigAlg}, err

	case ed25519.PublicKey:
		sig, err := signer.Sign(rand.Reader, data, crypto.Hash(0))
		return sig, pkix.AlgorithmIdentifier{Algorithm: OIDEd25519}, err

	case *rsa.PublicKey:
		sig, err := signer.Sign(rand.Reader, digest(crypto.SHA256, data), crypto.SHA256)
		return sig, pkix.AlgorithmIdentifier{Algorithm: OIDSHA256WithRSA, Parameters: asn1.NullRawValue}, err

	case *mldsa44.PublicKey:
		sig, err := signer.Sign(rand.Reader, data, crypto.Hash(0))
		return sig, pkix.AlgorithmIdentifier{Algorithm: OIDMLDSA44}, err

	case *mldsa65.PublicKey:
		sig, err := signer.Sign(rand.Reader, data, crypto.Hash(0))
		return sig, pkix.AlgorithmIdentifier{Algorithm: OIDMLDSA65}, err

	case *mldsa87.PublicKey:
		sig, err := signer.Sign(rand.Reader, data, crypto.Hash(0))
		return sig, pkix.AlgorithmIdentifier{Algorithm: OIDMLDSA87}, err

	case *slhdsa.PublicKey:
		return signSLHDSA(signer, pubKey.ID, data)

	case slhdsa.PublicKey:
		return signSLHDSA(signer, pubKey.ID, data)

	default:
		return nil, pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: %T", errUnsupportedKey, pub)
	}
}

func signSLHDSA(signer crypto.Signer, id slhdsa.ID, data []byte) ([]byte, pkix.AlgorithmIdentifier, error) {
	oid := slhdsaIDToOID(id)
	if oid == nil {
		return nil, pkix.AlgorithmIdentifier{}, fmt.Errorf("unsupported SLH-DSA parameter set: %v", id)
	}
	sig, err := signer.Sign(rand.Reader, data, nil)
	return sig, pkix.AlgorithmIdentifier{Algorithm: oid}, err
}

// verifySignature checks sig over data with the public key of cert.
func verifySignature(cert *x509.Certificate, sigAlg asn1.ObjectIdentifier, data, sig []byte) error {
	if isPQCAlgorithm(sigAlg) {
		return verifyPQCSignature(cert, sigAlg, data, sig)
	}
	return verifyClassicalSignature(cert, sigAlg, data, sig)
}

// verifyClassicalSignature verifies an ECDSA, RSA or Ed25519 signature.
func verifyClassicalSignature(cert *x509.Certificate, sigAlg asn1.ObjectIdentifier, data, sig []byte) error {
	switch pubKey := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		var hashAlg crypto.Hash
		switch {
		case sigAlg.Equal(OIDECDSAWithSHA1):
			hashAlg = crypto.SHA1
		case sigAlg.Equal(OIDECDSAWithSHA256):
			hashAlg = crypto.SHA256
		case sigAlg.Equal(OIDECDSAWithSHA384):
			hashAlg = crypto.SHA384
		case sigAlg.Equal(OIDECDSAWithSHA512):
			hashAlg = crypto.SHA512
		default:
			return fmt.Errorf("unsupported ECDSA signature algorithm: %v", sigAlg)
		}

		if !ecdsa.VerifyASN1(pubKey, digest(hashAlg, data), sig) {
			return fmt.Errorf("ECDSA signature verification failed")
		}
		return nil

	case ed25519.PublicKey:
		if !sigAlg.Equal(OIDEd25519) {
			return fmt.Errorf("unsupported Ed25519 signature algorithm: %v", sigAlg)
		}
		if !ed25519.Verify(pubKey, data, sig) {
			return fmt.Errorf("Ed25519 signature verification failed")
		}
		return nil

	case *rsa.PublicKey:
		var hashAlg crypto.Hash
		switch {
		case sigAlg.Equal(OIDSHA1WithRSA):
			hashAlg = crypto.SHA1
		case sigAlg.Equal(OIDSHA256WithRSA):
			hashAlg = crypto.SHA256
		case sigAlg.Equal(OIDSHA384WithRSA):
			hashAlg = crypto.SHA384
		case sigAlg.Equal(OIDSHA512WithRSA):
			hashAlg = crypto.SHA512
		default:
			return fmt.Errorf("unsupported RSA signature algorithm: %v", sigAlg)
		}

		if err := rsa.VerifyPKCS1v15(pubKey, hashAlg, digest(hashAlg, data), sig); err != nil {
			return fmt.Errorf("RSA signature verification failed: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("%w for classical verification: %T", errUnsupportedKey, cert.PublicKey)
	}
}

// verifyPQCSignature verifies an ML-DSA or SLH-DSA signature. crypto/x509
// leaves PQC public keys unparsed, so the key is decoded from the raw SPKI.
func verifyPQCSignature(cert *x509.Certificate, sigAlg asn1.ObjectIdentifier, data, sig []byte) error {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &spki); err != nil {
		return fmt.Errorf("failed to parse SPKI: %w", err)
	}
	if !spki.Algorithm.Algorithm.Equal(sigAlg) {
		return fmt.Errorf("signature algorithm %v does not match key algorithm %v", sigAlg, spki.Algorithm.Algorithm)
	}
	keyBytes := spki.PublicKey.Bytes

	var ok bool
	switch {
	case sigAlg.Equal(OIDMLDSA44):
		var pub mldsa44.PublicKey
		if err := pub.UnmarshalBinary(keyBytes); err != nil {
			return fmt.Errorf("failed to parse ML-DSA-44 key: %w", err)
		}
		ok = mldsa44.Verify(&pub, data, nil, sig)
	case sigAlg.Equal(OIDMLDSA65):
		var pub mldsa65.PublicKey
		if err := pub.UnmarshalBinary(keyBytes); err != nil {
			return fmt.Errorf("failed to parse ML-DSA-65 key: %w", err)
		}
		ok = mldsa65.Verify(&pub, data, nil, sig)
	case sigAlg.Equal(OIDMLDSA87):
		var pub mldsa87.PublicKey
		if err := pub.UnmarshalBinary(keyBytes); err != nil {
			return fmt.Errorf("failed to parse ML-DSA-87 key: %w", err)
		}
		ok = mldsa87.Verify(&pub, data, nil, sig)
	default:
		id, known := slhdsaOIDToID(sigAlg)
		if !known {
			return fmt.Errorf("unsupported PQC signature algorithm: %v", sigAlg)
		}
		pub := slhdsa.PublicKey{ID: id}
		if err := pub.UnmarshalBinary(keyBytes); err != nil {
			return fmt.Errorf("failed to parse SLH-DSA key: %w", err)
		}
		ok = slhdsa.Verify(&pub, slhdsa.NewMessage(data), sig, nil)
	}

	if !ok {
		return fmt.Errorf("PQC signature verification failed")
	}
	return nil
}

var slhdsaOIDs = []struct {
	id  slhdsa.ID
	oid asn1.ObjectIdentifier
}{
	{slhdsa.SHA2_128s, OIDSLHDSA128s},
	{slhdsa.SHA2_128f, OIDSLHDSA128f},
	{slhdsa.SHA2_192s, OIDSLHDSA192s},
	{slhdsa.SHA2_192f, OIDSLHDSA192f},
	{slhdsa.SHA2_256s, OIDSLHDSA256s},
	{slhdsa.SHA2_256f, OIDSLHDSA256f},
}

func slhdsaIDToOID(id slhdsa.ID) asn1.ObjectIdentifier {
	for _, e := range slhdsaOIDs {
		if e.id == id {
			return e.oid
		}
	}
	return nil
}

func slhdsaOIDToID(oid asn1.ObjectIdentifier) (slhdsa.ID, bool) {
	for _, e := range slhdsaOIDs {
		if e.oid.Equal(oid) {
			return e.id, true
		}
	}
	return 0, false
}

func isPQCAlgorithm(oid asn1.ObjectIdentifier) bool {
	if oid.Equal(OIDMLDSA44) || oid.Equal(OIDMLDSA65) || oid.Equal(OIDMLDSA87) {
		return true
	}
	_, ok := slhdsaOIDToID(oid)
	return ok
}
