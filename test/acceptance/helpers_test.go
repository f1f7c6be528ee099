//go:build acceptance

// Package acceptance contains black-box CLI acceptance tests (TestA_*).
// Run with: go test -tags=acceptance ./test/acceptance/...
package acceptance

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ocspfetchBinary is the path to the ocspfetch binary.
// Set via OCSPFETCH_BINARY env var or default to ./bin/ocspfetch in the repo root.
var ocspfetchBinary string

func init() {
	if bin := os.Getenv("OCSPFETCH_BINARY"); bin != "" {
		ocspfetchBinary = bin
	} else {
		ocspfetchBinary = "../../bin/ocspfetch"
	}
}

// runResult is the outcome of one CLI invocation.
type runResult struct {
	code   int
	stdout []byte
	stderr string
}

// runOCSPFetch executes the ocspfetch CLI and returns its exit code and output.
func runOCSPFetch(t *testing.T, args ...string) runResult {
	t.Helper()
	cmd := exec.Command(ocspfetchBinary, args...)
	cmd.Env = append(os.Environ(), "OCSPFETCH_LOG_LEVEL=error")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
	case err != nil:
		t.Fatalf("ocspfetch %s: %v", strings.Join(args, " "), err)
	}
	return runResult{code: code, stdout: stdout.Bytes(), stderr: stderr.String()}
}

// mustSucceed fails the test unless the CLI exited 0.
func mustSucceed(t *testing.T, args ...string) runResult {
	t.Helper()
	res := runOCSPFetch(t, args...)
	if res.code != 0 {
		t.Fatalf("ocspfetch %s exited %d\nstderr: %s", strings.Join(args, " "), res.code, res.stderr)
	}
	return res
}

// testPKI is a CA plus the files a responder needs.
type testPKI struct {
	dir     string
	ca      *x509.Certificate
	caKey   *ecdsa.PrivateKey
	caPath  string
	keyPath string
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	dir := t.TempDir()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Acceptance CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	ca, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}

	return &testPKI{
		dir:     dir,
		ca:      ca,
		caKey:   key,
		caPath:  writePEM(t, dir, "ca.pem", "CERTIFICATE", ca.Raw),
		keyPath: writePEM(t, dir, "ca.key", "PRIVATE KEY", pkcs8),
	}
}

func writePEM(t *testing.T, dir, name, blockType string, der []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// issueLeaf writes a leaf certificate whose AIA points at baseURL.
func (p *testPKI) issueLeaf(t *testing.T, serial int64, baseURL string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: fmt.Sprintf("leaf-%d.test.local", serial)},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(12 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		OCSPServer:            []string{baseURL},
		IssuingCertificateURL: []string{baseURL + "/ca.der"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, p.ca, &key.PublicKey, p.caKey)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return writePEM(t, p.dir, fmt.Sprintf("leaf-%d.pem", serial), "CERTIFICATE", der)
}

// freeAddr returns a loopback address nobody listens on.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// startResponder runs `ocspfetch serve` in the background and returns its
// base URL once /health answers.
func startResponder(t *testing.T, p *testPKI, statusYAML string) string {
	t.Helper()

	statusPath := filepath.Join(p.dir, "status.yaml")
	if err := os.WriteFile(statusPath, []byte(statusYAML), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	addr := freeAddr(t)
	cmd := exec.Command(ocspfetchBinary, "serve",
		"--ca", p.caPath,
		"--key", p.keyPath,
		"--status", statusPath,
		"--addr", addr,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start responder: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Signal(os.Interrupt)
		_ = cmd.Wait()
	})

	baseURL := "http://" + addr
	waitForHealth(t, baseURL, &stderr)
	return baseURL
}

func waitForHealth(t *testing.T, baseURL string, stderr *bytes.Buffer) {
	t.Helper()
	client := &http.Client{Timeout: 500 * time.Millisecond}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/health")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("responder did not become healthy\nstderr: %s", stderr.String())
}

func assertOutputContains(t *testing.T, output, want string) {
	t.Helper()
	if !strings.Contains(output, want) {
		t.Errorf("output does not contain %q:\n%s", want, output)
	}
}
