package responder

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/remiblancher/ocsp-response-fetch/internal/ocsp"
)

// StatusInfo contains information about a certificate's status.
type StatusInfo struct {
	Status           ocsp.CertStatus
	RevocationTime   time.Time
	RevocationReason ocsp.RevocationReason
}

// StatusEntry is one line of a status file.
type StatusEntry struct {
	// Serial is the hex serial number. Colons and a 0x prefix are ignored.
	Serial    string    `yaml:"serial"`
	Status    string    `yaml:"status"`
	RevokedAt time.Time `yaml:"revoked_at,omitempty"`
	Reason    string    `yaml:"reason,omitempty"`
}

// StatusFile is the YAML document loaded by LoadStatusFile.
//
//	validity: 1h
//	default: unknown
//	entries:
//	  - serial: "12:34:AB"
//	    status: revoked
//	    revoked_at: 2025-01-01T00:00:00Z
//	    reason: keyCompromise
type StatusFile struct {
	Validity time.Duration `yaml:"validity,omitempty"`
	Default  string        `yaml:"default,omitempty"`
	Entries  []StatusEntry `yaml:"entries"`
}

// StatusTable maps serial numbers to their status. It is safe for
// concurrent use.
type StatusTable struct {
	mu       sync.RWMutex
	entries  map[string]StatusInfo
	fallback ocsp.CertStatus
	validity time.Duration
}

// NewStatusTable returns an empty table answering fallback for unlisted
// serials.
func NewStatusTable(fallback ocsp.CertStatus) *StatusTable {
	return &StatusTable{
		entries:  make(map[string]StatusInfo),
		fallback: fallback,
	}
}

// LoadStatusFile reads a YAML status file.
func LoadStatusFile(path string) (*StatusTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}
	return ParseStatusFile(data)
}

// ParseStatusFile decodes a YAML status document.
func ParseStatusFile(data []byte) (*StatusTable, error) {
	var file StatusFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse status file: %w", err)
	}

	fallback := ocsp.CertStatusUnknown
	if file.Default != "" {
		s, err := ocsp.ParseCertStatus(file.Default)
		if err != nil {
			return nil, fmt.Errorf("invalid default status: %w", err)
		}
		if s == ocsp.CertStatusRevoked {
			return nil, fmt.Errorf("default status cannot be revoked")
		}
		fallback = s
	}
	if file.Validity < 0 {
		return nil, fmt.Errorf("validity must not be negative, got %s", file.Validity)
	}

	t := NewStatusTable(fallback)
	t.validity = file.Validity

	for i, e := range file.Entries {
		serial, err := parseSerial(e.Serial)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		status, err := ocsp.ParseCertStatus(e.Status)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}

		info := StatusInfo{Status: status}
		if status == ocsp.CertStatusRevoked {
			reason, err := ocsp.ParseRevocationReason(e.Reason)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			if e.RevokedAt.IsZero() {
				return nil, fmt.Errorf("entry %d: revoked entry requires revoked_at", i)
			}
			info.RevocationTime = e.RevokedAt.UTC()
			info.RevocationReason = reason
		}
		t.Set(serial, info)
	}
	return t, nil
}

// Validity returns the response validity set in the status file, or zero.
func (t *StatusTable) Validity() time.Duration {
	return t.validity
}

// Set records the status of a serial number.
func (t *StatusTable) Set(serial *big.Int, info StatusInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[serialKey(serial)] = info
}

// Revoke marks a serial number as revoked.
func (t *StatusTable) Revoke(serial *big.Int, at time.Time, reason ocsp.RevocationReason) {
	t.Set(serial, StatusInfo{
		Status:           ocsp.CertStatusRevoked,
		RevocationTime:   at.UTC(),
		RevocationReason: reason,
	})
}

// Lookup returns the status of a serial number.
func (t *StatusTable) Lookup(serial *big.Int) StatusInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if info, ok := t.entries[serialKey(serial)]; ok {
		return info
	}
	return StatusInfo{Status: t.fallback}
}

// Replace swaps in the entries and default status of other. The validity
// of t is kept: a running responder does not change its response lifetime.
func (t *StatusTable) Replace(other *StatusTable) {
	other.mu.RLock()
	entries := make(map[string]StatusInfo, len(other.entries))
	for k, v := range other.entries {
		entries[k] = v
	}
	fallback := other.fallback
	other.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = entries
	t.fallback = fallback
}

// Len returns the number of listed serials.
func (t *StatusTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func serialKey(serial *big.Int) string {
	if serial == nil {
		return ""
	}
	return strings.ToUpper(serial.Text(16))
}

func parseSerial(s string) (*big.Int, error) {
	clean := strings.NewReplacer(":", "", " ", "").Replace(s)
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	if clean == "" {
		return nil, fmt.Errorf("empty serial")
	}
	serial, ok := new(big.Int).SetString(clean, 16)
	if !ok {
		return nil, fmt.Errorf("invalid serial hex: %q", s)
	}
	return serial, nil
}
