// Package config loads ocspfetch settings from a YAML file, OCSPFETCH_*
// environment variables and command-line flags, in increasing priority.
package config

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/remiblancher/ocsp-response-fetch/internal/cache"
	"github.com/remiblancher/ocsp-response-fetch/internal/fetcher"
	"github.com/remiblancher/ocsp-response-fetch/internal/ocsp"
	"github.com/remiblancher/ocsp-response-fetch/internal/transport"
	"github.com/remiblancher/ocsp-response-fetch/internal/x509util"
)

// EnvPrefix prefixes every environment variable, e.g. OCSPFETCH_TIMEOUT or
// OCSPFETCH_CACHE_BACKEND.
const EnvPrefix = "OCSPFETCH"

// Config holds every setting of the fetch and serve commands.
type Config struct {
	// Timeout bounds each network round trip.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// HashAlgorithm is the CertID digest: sha1, sha256, sha384 or sha512.
	HashAlgorithm string `yaml:"hash_algorithm" mapstructure:"hash_algorithm"`

	NonceLength int    `yaml:"nonce_length" mapstructure:"nonce_length"`
	NoncePolicy string `yaml:"nonce_policy" mapstructure:"nonce_policy"`

	ClockSkew time.Duration `yaml:"clock_skew" mapstructure:"clock_skew"`

	// Strict verifies the subject chain before fetching and makes any
	// failure fatal.
	Strict bool `yaml:"strict" mapstructure:"strict"`

	// TrustAnchors are PEM files added to the root pool.
	TrustAnchors []string `yaml:"trust_anchors" mapstructure:"trust_anchors"`

	// SystemRoots seeds the root pool with the system trust store. With
	// neither roots nor anchors, responses are only checked against the
	// issuer.
	SystemRoots bool `yaml:"system_roots" mapstructure:"system_roots"`

	Cache cache.BackendConfig `yaml:"cache" mapstructure:"cache"`

	// AuditLog is the hash-chained audit file. Empty disables auditing.
	AuditLog string `yaml:"audit_log" mapstructure:"audit_log"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Timeout:       transport.DefaultTimeout,
		HashAlgorithm: "sha1",
		NonceLength:   ocsp.DefaultNonceLength,
		NoncePolicy:   ocsp.NonceOptional.String(),
		ClockSkew:     ocsp.DefaultClockSkew,
		Cache:         cache.BackendConfig{Backend: cache.BackendNone},
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if _, err := c.Hash(); err != nil {
		return err
	}
	if c.NonceLength < ocsp.MinNonceLength || c.NonceLength > ocsp.MaxNonceLength {
		return fmt.Errorf("nonce_length must be in [%d, %d], got %d",
			ocsp.MinNonceLength, ocsp.MaxNonceLength, c.NonceLength)
	}
	if _, err := ocsp.ParseNoncePolicy(c.NoncePolicy); err != nil {
		return err
	}
	if c.ClockSkew < 0 {
		return fmt.Errorf("clock_skew must not be negative, got %s", c.ClockSkew)
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	return nil
}

// Hash returns the configured CertID digest.
func (c *Config) Hash() (crypto.Hash, error) {
	h, ok := ocsp.ParseHashName(strings.ToLower(c.HashAlgorithm))
	if !ok {
		return 0, fmt.Errorf("unsupported hash_algorithm %q (valid: sha1, sha256, sha384, sha512)", c.HashAlgorithm)
	}
	return h, nil
}

// Policy returns the configured nonce policy.
func (c *Config) Policy() ocsp.NoncePolicy {
	p, _ := ocsp.ParseNoncePolicy(c.NoncePolicy)
	return p
}

// Roots builds the trust anchor pool. It returns nil when neither system
// roots nor anchors are configured.
func (c *Config) Roots() (*x509.CertPool, error) {
	var pool *x509.CertPool
	if c.SystemRoots {
		sys, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system roots: %w", err)
		}
		pool = sys
	}

	if len(c.TrustAnchors) == 0 {
		return pool, nil
	}

	certs, err := x509util.LoadCertificates(c.TrustAnchors...)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust anchors: %w", err)
	}
	if pool == nil {
		pool = x509.NewCertPool()
	}
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	return pool, nil
}

// FetcherConfig translates the settings into a fetcher.Config. Cache hooks,
// audit and logging are left for the caller to attach.
func (c *Config) FetcherConfig() (fetcher.Config, error) {
	hash, err := c.Hash()
	if err != nil {
		return fetcher.Config{}, err
	}
	roots, err := c.Roots()
	if err != nil {
		return fetcher.Config{}, err
	}

	skew := c.ClockSkew
	if skew == 0 {
		// fetcher.Config treats zero as "use the default".
		skew = -1
	}

	return fetcher.Config{
		HashAlgorithm: hash,
		NonceLength:   c.NonceLength,
		NoncePolicy:   c.Policy(),
		Timeout:       c.Timeout,
		ClockSkew:     skew,
		Roots:         roots,
		Strict:        c.Strict,
	}, nil
}

// NewViper returns a viper instance with defaults, environment binding and
// flags applied. path may be empty.
func NewViper(path string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("timeout", def.Timeout)
	v.SetDefault("hash_algorithm", def.HashAlgorithm)
	v.SetDefault("nonce_length", def.NonceLength)
	v.SetDefault("nonce_policy", def.NoncePolicy)
	v.SetDefault("clock_skew", def.ClockSkew)
	v.SetDefault("strict", def.Strict)
	v.SetDefault("trust_anchors", []string{})
	v.SetDefault("system_roots", def.SystemRoots)
	v.SetDefault("cache.backend", def.Cache.Backend)
	v.SetDefault("cache.path", "")
	v.SetDefault("cache.addr", "")
	v.SetDefault("cache.dsn", "")
	v.SetDefault("cache.key_prefix", "")
	v.SetDefault("audit_log", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"timeout":      "timeout",
	"hash":         "hash_algorithm",
	"nonce-length": "nonce_length",
	"nonce-policy": "nonce_policy",
	"clock-skew":   "clock_skew",
	"strict":       "strict",
	"trust-anchor": "trust_anchors",
	"system-roots": "system_roots",
	"cache":        "cache.backend",
	"cache-path":   "cache.path",
	"cache-addr":   "cache.addr",
	"cache-dsn":    "cache.dsn",
	"audit-log":    "audit_log",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// FromViper decodes and validates the merged settings.
func FromViper(v *viper.Viper) (*Config, error) {
	if v == nil {
		return nil, errors.New("nil viper instance")
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
