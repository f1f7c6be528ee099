package ocsp

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Text renders the response in the layout of `openssl ocsp -resp_text`,
// one block per status entry.
func (r *Response) Text() string {
	var b strings.Builder

	if len(r.Responses) == 0 {
		fmt.Fprintf(&b, "OCSP Response Data:\n")
		fmt.Fprintf(&b, "    OCSP Response Status: %s (0x%x)\n", r.Status, int(r.Status))
		return b.String()
	}

	for _, sr := range r.Responses {
		fmt.Fprintf(&b, "OCSP Response Data:\n")
		fmt.Fprintf(&b, "    OCSP Response Status: %s (0x%x)\n", r.Status, int(r.Status))
		fmt.Fprintf(&b, "    Responses:\n")
		fmt.Fprintf(&b, "    Certificate ID:\n")
		fmt.Fprintf(&b, "      Hash Algorithm: %s\n", HashName(sr.CertID.HashAlgorithm.Algorithm))
		fmt.Fprintf(&b, "      Issuer Name Hash: %s\n", strings.ToUpper(hex.EncodeToString(sr.CertID.IssuerNameHash)))
		fmt.Fprintf(&b, "      Issuer Key Hash: %s\n", strings.ToUpper(hex.EncodeToString(sr.CertID.IssuerKeyHash)))
		fmt.Fprintf(&b, "      Serial Number: %s\n", serialHex(sr))
		fmt.Fprintf(&b, "    Cert Status: %s\n", sr.Status)
		if sr.Status == CertStatusRevoked {
			fmt.Fprintf(&b, "    Revocation Time: %s\n", formatTime(sr.RevocationTime))
			fmt.Fprintf(&b, "    Revocation Reason: %s\n", sr.RevocationReason)
		}
		fmt.Fprintf(&b, "    This Update: %s\n", formatTime(sr.ThisUpdate))
		fmt.Fprintf(&b, "    Next Update: %s\n", formatTime(sr.NextUpdate))
	}

	return b.String()
}

func serialHex(sr SingleResponseInfo) string {
	if sr.CertID.SerialNumber == nil {
		return ""
	}
	return sr.CertID.SerialNumber.Text(16)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}
